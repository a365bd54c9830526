package store

import (
	"time"

	"docuflow/api/internal/workflow"
)

type User struct {
	ID           int64
	Name         string
	Username     string
	PasswordHash string
	Role         workflow.Role
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Document struct {
	ID                  int64
	NameDoc             string
	URLDoc              string
	Status              workflow.DocumentStatus
	IsReplacePermission bool
	IsRemovePermission  bool
	UserID              int64
	CreatedBy           string
	UpdatedBy           string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	// Joined owner fields for API responses
	OwnerName     string
	OwnerUsername string
}

type PermissionRequest struct {
	ID               int64
	DocumentID       int64
	UserID           int64
	AdminID          int64
	RequestType      workflow.RequestType
	StatusPermission workflow.PermissionStatus
	Message          string
	AdminNote        string
	ReviewedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	// Joined fields for API responses
	DocumentName   string
	DocumentURL    string
	DocumentStatus workflow.DocumentStatus
	RequesterName  string
	RequesterUser  string
	AdminName      string
	AdminUser      string
}

// DocumentUpdate carries the merged field set applied by an update; nil
// means leave the column unchanged.
type DocumentUpdate struct {
	NameDoc   *string
	URLDoc    *string
	UpdatedBy string
}

// ReviewUpdate is the joint, transactional outcome of an admin review:
// the request columns and the document columns that must commit together.
type ReviewUpdate struct {
	RequestID    int64
	Decision     workflow.PermissionStatus
	AdminNote    string
	DocumentID   int64
	NextStatus   workflow.DocumentStatus
	GrantReplace bool
	GrantRemove  bool
	UpdatedBy    string
}

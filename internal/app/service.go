package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"docuflow/api/internal/auth"
	"docuflow/api/internal/config"
	"docuflow/api/internal/files"
	"docuflow/api/internal/session"
	"docuflow/api/internal/store"
	"docuflow/api/internal/util"
	"docuflow/api/internal/workflow"
)

// Session is an authenticated principal plus the token material issued
// for it.
type Session struct {
	Token        string
	RefreshToken string
	UserID       int64
	Username     string
	Name         string
	Role         workflow.Role
	JTI          string
	ExpiresAt    time.Time
}

type RegisterInput struct {
	Name     string `json:"name"`
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type CreatePermissionRequestInput struct {
	DocumentID  int64                `json:"document_id"`
	AdminID     int64                `json:"admin_id"`
	RequestType workflow.RequestType `json:"request_type"`
	Message     string               `json:"message"`
}

type ReviewInput struct {
	StatusPermission workflow.PermissionStatus `json:"status_permission"`
	AdminNote        string                    `json:"admin_note"`
}

// FileUpload is an incoming multipart file the service hands to the
// upload store.
type FileUpload struct {
	Filename    string
	ContentType string
	Size        int64
	Reader      io.Reader
}

// ReviewOutcome pairs the decided request with the document state it
// produced, both written in the same transaction.
type ReviewOutcome struct {
	Request  store.PermissionRequest
	Document store.Document
}

type dataStore interface {
	CreateUser(context.Context, store.User) (store.User, error)
	GetUserByID(context.Context, int64) (store.User, error)
	GetUserByUsername(context.Context, string) (store.User, error)
	ListAdmins(context.Context) ([]store.User, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	InsertDocument(context.Context, store.Document) (store.Document, error)
	GetDocument(context.Context, int64) (store.Document, error)
	ListDocuments(context.Context, string, int, int) ([]store.Document, error)
	ListDocumentsByOwner(context.Context, int64, string, int, int) ([]store.Document, error)
	UpdateDocument(context.Context, int64, store.DocumentUpdate) (store.Document, error)
	SetDocumentStatus(context.Context, int64, workflow.DocumentStatus, string) (store.Document, error)
	DeleteDocument(context.Context, int64) error
	InsertPermissionRequest(context.Context, store.PermissionRequest) (store.PermissionRequest, error)
	GetPermissionRequest(context.Context, int64) (store.PermissionRequest, error)
	HasOpenRequest(context.Context, int64) (bool, error)
	ListRequestsForAdmin(context.Context, int64, int, int) ([]store.PermissionRequest, error)
	ListRequestsForUser(context.Context, int64, int, int) ([]store.PermissionRequest, error)
	ApplyReview(context.Context, store.ReviewUpdate) error
	Ping(ctx context.Context) error
}

type refreshStore interface {
	SaveRefreshSession(context.Context, string, store.User, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

type uploadStore interface {
	Save(ctx context.Context, filename, contentType string, size int64, r io.Reader) (files.Stored, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions refreshStore
	uploads  uploadStore
}

func New(cfg config.Config, dataStore *store.PostgresStore, uploads *files.UploadStore) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: dataStore,
		uploads:  uploads,
	}
}

// NewWithSessionStore keeps refresh tokens in Redis instead of Postgres.
func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions *session.RedisStore, uploads *files.UploadStore) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		uploads:  uploads,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ---- Auth ----

func (s *Service) Register(ctx context.Context, input RegisterInput) (store.User, error) {
	name := strings.TrimSpace(input.Name)
	username := strings.TrimSpace(input.Username)
	if name == "" || username == "" || input.Password == "" {
		return store.User{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "name, username and password are required", nil)
	}
	if len(input.Password) < 8 {
		return store.User{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "password must be at least 8 characters", nil)
	}
	role := workflow.Role(strings.TrimSpace(input.Role))
	if role == "" {
		role = workflow.RoleUser
	}
	if !workflow.ValidRole(role) {
		return store.User{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "role must be USER or ADMIN", nil)
	}

	if _, err := s.store.GetUserByUsername(ctx, username); err == nil {
		return store.User{}, domainError(http.StatusBadRequest, "USER_EXISTS", "Username already registered", nil)
	} else if !errors.Is(err, sql.ErrNoRows) {
		return store.User{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}

	return s.store.CreateUser(ctx, store.User{
		Name:         name,
		Username:     username,
		PasswordHash: string(hash),
		Role:         role,
	})
}

func (s *Service) Login(ctx context.Context, username, password string) (Session, error) {
	user, err := s.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, domainError(http.StatusNotFound, "NOT_FOUND", "User not found", nil)
		}
		return Session{}, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Credential incorrect", nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		UserID:   user.ID,
		Username: user.Username,
		Name:     user.Name,
		Role:     string(user.Role),
		JTI:      jti,
		Exp:      expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewToken(32)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Username:     user.Username,
		Name:         user.Name,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		Username:  user.Username,
		Name:      user.Name,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, sess Session, refreshToken string) error {
	if sess.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, sess.JTI, sess.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Profile(ctx context.Context, userID int64) (store.User, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.User{}, domainError(http.StatusNotFound, "NOT_FOUND", "User not found", nil)
		}
		return store.User{}, err
	}
	return user, nil
}

func (s *Service) ListAdmins(ctx context.Context) ([]store.User, error) {
	return s.store.ListAdmins(ctx)
}

// ---- Documents ----

func (s *Service) UploadDocument(ctx context.Context, sess Session, name string, upload *FileUpload) (store.Document, error) {
	if upload == nil {
		return store.Document{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "a file is required", nil)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Document{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "document name is required", nil)
	}

	stored, err := s.uploads.Save(ctx, upload.Filename, upload.ContentType, upload.Size, upload.Reader)
	if err != nil {
		return store.Document{}, fmt.Errorf("store upload: %w", err)
	}

	// Admin uploads start with both standing grants; user uploads earn
	// them through the review workflow.
	isAdmin := sess.Role == workflow.RoleAdmin
	return s.store.InsertDocument(ctx, store.Document{
		NameDoc:             name,
		URLDoc:              stored.URL,
		Status:              workflow.StatusUploaded,
		IsReplacePermission: isAdmin,
		IsRemovePermission:  isAdmin,
		UserID:              sess.UserID,
		CreatedBy:           sess.Username,
		UpdatedBy:           sess.Username,
	})
}

func (s *Service) ListDocuments(ctx context.Context, search string, limit, offset int) ([]store.Document, error) {
	return s.store.ListDocuments(ctx, search, normalizeLimit(limit), max(offset, 0))
}

func (s *Service) ListMyDocuments(ctx context.Context, sess Session, search string, limit, offset int) ([]store.Document, error) {
	return s.store.ListDocumentsByOwner(ctx, sess.UserID, search, normalizeLimit(limit), max(offset, 0))
}

func (s *Service) GetDocument(ctx context.Context, documentID int64) (store.Document, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Document{}, domainError(http.StatusNotFound, "NOT_FOUND", "Document not found", nil)
		}
		return store.Document{}, err
	}
	return doc, nil
}

// ownedDocument loads a document and verifies the actor owns it.
// Ownership is checked before any role bypass: admins act directly only
// on their own documents.
func (s *Service) ownedDocument(ctx context.Context, sess Session, documentID int64, action workflow.Action) (store.Document, error) {
	doc, err := s.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	if doc.UserID != sess.UserID {
		return store.Document{}, domainError(http.StatusForbidden, "FORBIDDEN",
			fmt.Sprintf("You are not allowed to %s this document", action), nil)
	}
	return doc, nil
}

// CheckUpdatePermission is the advisory query behind the "can I replace
// this" UI: no mutation, just a verdict with a human message.
func (s *Service) CheckUpdatePermission(ctx context.Context, sess Session, documentID int64) (workflow.Verdict, error) {
	doc, err := s.ownedDocument(ctx, sess, documentID, workflow.ActionReplace)
	if err != nil {
		return workflow.Verdict{}, err
	}
	return workflow.Check(sess.Role, doc.Status, doc.IsReplacePermission, workflow.ActionReplace), nil
}

func (s *Service) CheckRemovePermission(ctx context.Context, sess Session, documentID int64) (workflow.Verdict, error) {
	doc, err := s.ownedDocument(ctx, sess, documentID, workflow.ActionRemove)
	if err != nil {
		return workflow.Verdict{}, err
	}
	return workflow.Check(sess.Role, doc.Status, doc.IsRemovePermission, workflow.ActionRemove), nil
}

func (s *Service) UpdateDocument(ctx context.Context, sess Session, documentID int64, name string, upload *FileUpload) (store.Document, error) {
	doc, err := s.ownedDocument(ctx, sess, documentID, workflow.ActionReplace)
	if err != nil {
		return store.Document{}, err
	}

	switch workflow.Gate(sess.Role, doc.Status, doc.IsReplacePermission, workflow.ActionReplace) {
	case workflow.GateStatusBlocked:
		return store.Document{}, domainError(http.StatusBadRequest, "STATUS_BLOCKED",
			fmt.Sprintf("Cannot update a document in status %s. Wait for an admin decision.", doc.Status), nil)
	case workflow.GateNotGranted:
		return store.Document{}, domainError(http.StatusForbidden, "PERMISSION_REQUIRED",
			"You do not have permission to update this document. Request permission from an admin first.", nil)
	}

	update := store.DocumentUpdate{UpdatedBy: sess.Username}
	if name = strings.TrimSpace(name); name != "" {
		update.NameDoc = &name
	}
	if upload != nil {
		stored, err := s.uploads.Save(ctx, upload.Filename, upload.ContentType, upload.Size, upload.Reader)
		if err != nil {
			return store.Document{}, fmt.Errorf("store upload: %w", err)
		}
		update.URLDoc = &stored.URL
		if update.NameDoc == nil {
			derived := stored.DisplayName
			update.NameDoc = &derived
		}
	}

	return s.store.UpdateDocument(ctx, documentID, update)
}

// RequestPermission flips the document into the caller-supplied status,
// placing it on hold ahead of a formal permission request. The value is
// validated against the status enumeration; the prior status is not.
func (s *Service) RequestPermission(ctx context.Context, sess Session, documentID int64, status workflow.DocumentStatus) (store.Document, error) {
	if !workflow.ValidDocumentStatus(status) {
		return store.Document{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR",
			fmt.Sprintf("%q is not a valid document status", status), nil)
	}
	if _, err := s.GetDocument(ctx, documentID); err != nil {
		return store.Document{}, err
	}
	return s.store.SetDocumentStatus(ctx, documentID, status, sess.Username)
}

func (s *Service) RemoveDocument(ctx context.Context, sess Session, documentID int64) error {
	doc, err := s.ownedDocument(ctx, sess, documentID, workflow.ActionRemove)
	if err != nil {
		return err
	}

	switch workflow.Gate(sess.Role, doc.Status, doc.IsRemovePermission, workflow.ActionRemove) {
	case workflow.GateStatusBlocked:
		return domainError(http.StatusBadRequest, "STATUS_BLOCKED",
			"Document is already pending removal. Wait for an admin decision.", nil)
	case workflow.GateNotGranted:
		return domainError(http.StatusForbidden, "PERMISSION_REQUIRED",
			"You do not have permission to remove this document. Request permission from an admin first.", nil)
	}

	return s.store.DeleteDocument(ctx, documentID)
}

// ---- Permission requests ----

func (s *Service) CreatePermissionRequest(ctx context.Context, sess Session, input CreatePermissionRequestInput) (store.PermissionRequest, error) {
	if !workflow.ValidRequestType(input.RequestType) {
		return store.PermissionRequest{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "request_type must be REPLACE or REMOVE", nil)
	}

	doc, err := s.GetDocument(ctx, input.DocumentID)
	if err != nil {
		return store.PermissionRequest{}, err
	}
	if doc.UserID != sess.UserID {
		return store.PermissionRequest{}, domainError(http.StatusForbidden, "FORBIDDEN", "You are not allowed to create a request for this document", nil)
	}

	expected, _ := workflow.PendingStatus(input.RequestType)
	if doc.Status != expected {
		return store.PermissionRequest{}, domainError(http.StatusBadRequest, "WRONG_STATUS",
			fmt.Sprintf("Document status must be %s to create this request", expected), nil)
	}

	admin, err := s.store.GetUserByID(ctx, input.AdminID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.PermissionRequest{}, domainError(http.StatusNotFound, "NOT_FOUND", "Admin not found", nil)
		}
		return store.PermissionRequest{}, err
	}
	if admin.Role != workflow.RoleAdmin {
		return store.PermissionRequest{}, domainError(http.StatusBadRequest, "NOT_AN_ADMIN", "Selected user is not an admin", nil)
	}

	open, err := s.store.HasOpenRequest(ctx, input.DocumentID)
	if err != nil {
		return store.PermissionRequest{}, err
	}
	if open {
		return store.PermissionRequest{}, domainError(http.StatusBadRequest, "REQUEST_IN_REVIEW", "This document already has a request on review", nil)
	}

	created, err := s.store.InsertPermissionRequest(ctx, store.PermissionRequest{
		DocumentID:       input.DocumentID,
		UserID:           sess.UserID,
		AdminID:          input.AdminID,
		RequestType:      input.RequestType,
		StatusPermission: workflow.PermissionOnReview,
		Message:          strings.TrimSpace(input.Message),
	})
	if err != nil {
		// The partial unique index catches the race the existence check
		// above cannot.
		if errors.Is(err, store.ErrDuplicateOpenRequest) {
			return store.PermissionRequest{}, domainError(http.StatusBadRequest, "REQUEST_IN_REVIEW", "This document already has a request on review", nil)
		}
		return store.PermissionRequest{}, err
	}
	return created, nil
}

func (s *Service) ListAssignedRequests(ctx context.Context, sess Session, limit, offset int) ([]store.PermissionRequest, error) {
	if sess.Role != workflow.RoleAdmin {
		return nil, domainError(http.StatusForbidden, "FORBIDDEN", "Only admins can list assigned requests", nil)
	}
	return s.store.ListRequestsForAdmin(ctx, sess.UserID, normalizeLimit(limit), max(offset, 0))
}

func (s *Service) ListMyRequests(ctx context.Context, sess Session, limit, offset int) ([]store.PermissionRequest, error) {
	return s.store.ListRequestsForUser(ctx, sess.UserID, normalizeLimit(limit), max(offset, 0))
}

func (s *Service) GetPermissionRequest(ctx context.Context, requestID int64) (store.PermissionRequest, error) {
	req, err := s.store.GetPermissionRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.PermissionRequest{}, domainError(http.StatusNotFound, "NOT_FOUND", "Permission request not found", nil)
		}
		return store.PermissionRequest{}, err
	}
	return req, nil
}

// ReviewPermissionRequest applies the assigned admin's decision. The
// request columns and the document's new status (plus, on approval, the
// matching standing grant) commit in one transaction.
func (s *Service) ReviewPermissionRequest(ctx context.Context, sess Session, requestID int64, input ReviewInput) (ReviewOutcome, error) {
	req, err := s.GetPermissionRequest(ctx, requestID)
	if err != nil {
		return ReviewOutcome{}, err
	}
	if req.AdminID != sess.UserID {
		return ReviewOutcome{}, domainError(http.StatusForbidden, "FORBIDDEN", "You are not assigned to review this request", nil)
	}
	if req.StatusPermission != workflow.PermissionOnReview {
		return ReviewOutcome{}, domainError(http.StatusBadRequest, "ALREADY_REVIEWED",
			fmt.Sprintf("Request was already reviewed with status %s", req.StatusPermission), nil)
	}

	nextStatus, ok := workflow.DecidedStatus(input.StatusPermission, req.RequestType)
	if !ok {
		return ReviewOutcome{}, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "status_permission must be APPROVED or REJECTED", nil)
	}

	approved := input.StatusPermission == workflow.PermissionApproved
	err = s.store.ApplyReview(ctx, store.ReviewUpdate{
		RequestID:    requestID,
		Decision:     input.StatusPermission,
		AdminNote:    strings.TrimSpace(input.AdminNote),
		DocumentID:   req.DocumentID,
		NextStatus:   nextStatus,
		GrantReplace: approved && req.RequestType == workflow.RequestReplace,
		GrantRemove:  approved && req.RequestType == workflow.RequestRemove,
		UpdatedBy:    sess.Username,
	})
	if err != nil {
		if errors.Is(err, store.ErrReviewConflict) {
			return ReviewOutcome{}, domainError(http.StatusBadRequest, "ALREADY_REVIEWED", "Request was already reviewed", nil)
		}
		return ReviewOutcome{}, err
	}

	reviewed, err := s.store.GetPermissionRequest(ctx, requestID)
	if err != nil {
		return ReviewOutcome{}, err
	}
	doc, err := s.store.GetDocument(ctx, req.DocumentID)
	if err != nil {
		return ReviewOutcome{}, err
	}
	return ReviewOutcome{Request: reviewed, Document: doc}, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 10
	}
	if limit > 100 {
		return 100
	}
	return limit
}

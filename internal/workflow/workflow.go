// Package workflow defines the closed enumerations for documents and
// permission requests and the transition tables that gate every status
// mutation.
package workflow

import "fmt"

type DocumentStatus string

const (
	StatusUploaded        DocumentStatus = "uploaded"
	StatusPendingReplace  DocumentStatus = "pending_replace"
	StatusPendingRemove   DocumentStatus = "pending_remove"
	StatusApprovedReplace DocumentStatus = "approved_replace"
	StatusApprovedRemove  DocumentStatus = "approved_remove"
	StatusRejectedReplace DocumentStatus = "rejected_replace"
	StatusRejectedRemove  DocumentStatus = "rejected_remove"
)

type RequestType string

const (
	RequestReplace RequestType = "REPLACE"
	RequestRemove  RequestType = "REMOVE"
)

type PermissionStatus string

const (
	PermissionOnReview PermissionStatus = "ONREVIEW"
	PermissionApproved PermissionStatus = "APPROVED"
	PermissionRejected PermissionStatus = "REJECTED"
)

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// Action is an owner-side mutation gated by the document state machine.
type Action string

const (
	ActionReplace Action = "replace"
	ActionRemove  Action = "remove"
)

func ValidDocumentStatus(status DocumentStatus) bool {
	switch status {
	case StatusUploaded, StatusPendingReplace, StatusPendingRemove,
		StatusApprovedReplace, StatusApprovedRemove,
		StatusRejectedReplace, StatusRejectedRemove:
		return true
	default:
		return false
	}
}

func ValidRequestType(requestType RequestType) bool {
	return requestType == RequestReplace || requestType == RequestRemove
}

func ValidRole(role Role) bool {
	return role == RoleUser || role == RoleAdmin
}

func NormalizeRole(role string) Role {
	switch Role(role) {
	case RoleUser, RoleAdmin:
		return Role(role)
	default:
		return RoleUser
	}
}

// PendingStatus is the document status that must already be set before a
// formal permission request of the given type may be created.
var pendingStatus = map[RequestType]DocumentStatus{
	RequestReplace: StatusPendingReplace,
	RequestRemove:  StatusPendingRemove,
}

func PendingStatus(requestType RequestType) (DocumentStatus, bool) {
	status, ok := pendingStatus[requestType]
	return status, ok
}

// decidedStatus maps (decision, request type) to the document status
// stamped alongside the review, per the review decision table.
var decidedStatus = map[PermissionStatus]map[RequestType]DocumentStatus{
	PermissionApproved: {
		RequestReplace: StatusApprovedReplace,
		RequestRemove:  StatusApprovedRemove,
	},
	PermissionRejected: {
		RequestReplace: StatusRejectedReplace,
		RequestRemove:  StatusRejectedRemove,
	},
}

// DecidedStatus returns the document status implied by an admin decision.
// The second return is false when the decision is not terminal (ONREVIEW
// or an unknown value) or the request type is unknown.
func DecidedStatus(decision PermissionStatus, requestType RequestType) (DocumentStatus, bool) {
	byType, ok := decidedStatus[decision]
	if !ok {
		return "", false
	}
	status, ok := byType[requestType]
	return status, ok
}

// Verdict is the advisory answer to "may the owner act right now".
type Verdict struct {
	Allowed bool
	Message string
}

// Check answers the advisory permission query for an owner action. The
// caller has already established ownership; admins are always eligible.
// A replace is advised against whenever the document is not plainly
// uploaded; a remove only while a removal is already in flight.
func Check(role Role, status DocumentStatus, granted bool, action Action) Verdict {
	if role == RoleAdmin {
		return Verdict{Allowed: true, Message: fmt.Sprintf("You can %s this document directly.", action)}
	}
	statusBlocked := status != StatusUploaded
	if action == ActionRemove {
		statusBlocked = status == StatusPendingRemove
	}
	if statusBlocked {
		return Verdict{
			Allowed: false,
			Message: fmt.Sprintf("Document is currently in status %s. Wait for an admin decision.", status),
		}
	}
	if !granted {
		return Verdict{
			Allowed: false,
			Message: fmt.Sprintf("You need to request permission from an admin before you can %s this document.", action),
		}
	}
	return Verdict{Allowed: true, Message: fmt.Sprintf("You can %s this document.", action)}
}

// GateReason classifies why a gated mutation is refused.
type GateReason int

const (
	GateAllowed GateReason = iota
	// GateStatusBlocked means the document already sits in the in-flight
	// pending status for this action.
	GateStatusBlocked
	// GateNotGranted means the standing permission flag for this action
	// is false.
	GateNotGranted
)

// blockedStatus lists, per action, the statuses that refuse the actual
// mutation (as opposed to the stricter advisory check): only the matching
// in-flight pending status blocks, so an approved owner can complete the
// action the approval was for.
var blockedStatus = map[Action]DocumentStatus{
	ActionReplace: StatusPendingReplace,
	ActionRemove:  StatusPendingRemove,
}

// Gate enforces the owner-side transition rule for an actual mutation.
// Admins pass unconditionally.
func Gate(role Role, status DocumentStatus, granted bool, action Action) GateReason {
	if role == RoleAdmin {
		return GateAllowed
	}
	if blockedStatus[action] == status {
		return GateStatusBlocked
	}
	if !granted {
		return GateNotGranted
	}
	return GateAllowed
}

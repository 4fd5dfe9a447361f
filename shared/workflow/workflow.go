package workflow

import "strings"

const (
	RequestStatusPending      = "pending"
	RequestStatusApproved     = "approved"
	RequestStatusRejected     = "rejected"
	RequestStatusProvisioning = "provisioning"
	RequestStatusReady        = "ready"
	RequestStatusFailed       = "failed"
)

const (
	RequestEventSubmitted           = "request_submitted"
	RequestEventApproved            = "request_approved"
	RequestEventRejected            = "request_rejected"
	RequestEventProvisioningStarted = "request_provisioning_started"
	RequestEventCompleted           = "request_completed"
	RequestEventFailed              = "request_failed"
)

var requestTransitions = map[string]map[string]string{
	RequestStatusPending: {
		RequestStatusApproved: RequestEventApproved,
		RequestStatusRejected: RequestEventRejected,
	},
	RequestStatusApproved: {
		RequestStatusProvisioning: RequestEventProvisioningStarted,
	},
	RequestStatusProvisioning: {
		RequestStatusReady:  RequestEventCompleted,
		RequestStatusFailed: RequestEventFailed,
	},
}

func NormalizeRequestStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

// CanTransition reports whether a request may move between the two statuses.
// A same-status transition is allowed so that retried commands stay idempotent.
func CanTransition(fromStatus string, toStatus string) bool {
	fromStatus = NormalizeRequestStatus(fromStatus)
	toStatus = NormalizeRequestStatus(toStatus)
	if fromStatus == toStatus {
		return true
	}
	next := requestTransitions[fromStatus]
	if next == nil {
		return false
	}
	_, ok := next[toStatus]
	return ok
}

func EventTypeForTransition(fromStatus string, toStatus string) string {
	fromStatus = NormalizeRequestStatus(fromStatus)
	toStatus = NormalizeRequestStatus(toStatus)
	if fromStatus == toStatus {
		return ""
	}
	next := requestTransitions[fromStatus]
	if next == nil {
		return ""
	}
	return next[toStatus]
}

func IsTerminal(status string) bool {
	switch NormalizeRequestStatus(status) {
	case RequestStatusRejected, RequestStatusReady, RequestStatusFailed:
		return true
	}
	return false
}

func AllRequestStatuses() []string {
	return []string{
		RequestStatusPending,
		RequestStatusApproved,
		RequestStatusRejected,
		RequestStatusProvisioning,
		RequestStatusReady,
		RequestStatusFailed,
	}
}

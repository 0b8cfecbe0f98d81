package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors for approval operations.
var (
	// ErrAlreadyResolved is returned when resolving an approval that has
	// already left pending. The duplicate action is the caller's no-op;
	// state is unchanged.
	ErrAlreadyResolved = errors.New("approval already resolved")
	// ErrApprovalNotFound is returned when no approval matches the id.
	ErrApprovalNotFound = errors.New("approval not found")
)

// Status is an approval's lifecycle state. Once a status is terminal the
// approval is immutable.
type Status string

const (
	StatusPending       Status = "pending"
	StatusApproved      Status = "approved"
	StatusDenied        Status = "denied"
	StatusAlwaysApprove Status = "alwaysApprove"
	StatusCancelled     Status = "cancelled"
)

// Terminal reports whether no further transition is defined out of s.
func (s Status) Terminal() bool {
	return s != StatusPending
}

// Choice is the human's numbered response to an approval request.
type Choice int

const (
	ChoiceProceed       Choice = 1
	ChoiceCancel        Choice = 2
	ChoiceAlwaysApprove Choice = 3
)

// Status maps a choice onto the resulting approval status.
func (c Choice) Status() (Status, error) {
	switch c {
	case ChoiceProceed:
		return StatusApproved, nil
	case ChoiceCancel:
		return StatusDenied, nil
	case ChoiceAlwaysApprove:
		return StatusAlwaysApprove, nil
	default:
		return "", fmt.Errorf("unknown choice %d", int(c))
	}
}

// ParseChoice accepts the numbered form ("1".."3") and the action names
// used in button payloads.
func ParseChoice(s string) (Choice, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "proceed", "approve":
		return ChoiceProceed, nil
	case "2", "cancel", "deny":
		return ChoiceCancel, nil
	case "3", "always", "always_approve", "always-approve":
		return ChoiceAlwaysApprove, nil
	default:
		return 0, fmt.Errorf("unknown choice %q", s)
	}
}

// Approval is a single pending-or-resolved authorization request for one
// command. Records are never deleted, only superseded by new requests.
type Approval struct {
	ID          string            `json:"id"`
	ChannelID   string            `json:"channelId"`
	SessionID   string            `json:"sessionId"`
	Command     string            `json:"command"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Status      Status            `json:"status"`
	CreatedAt   time.Time         `json:"createdAt"`
	RespondedAt *time.Time        `json:"respondedAt,omitempty"`
	RespondedBy string            `json:"respondedBy,omitempty"`

	// ReminderCount is the number of reminders actually delivered; a
	// failed reminder post is retried, not counted.
	ReminderCount int `json:"reminderCount"`

	// Source is the surface that served (or will serve) the approval:
	// "platform" or "terminal".
	Source string `json:"source"`

	// MessageID is the posted request message, kept so the outcome can be
	// edited in place. Empty when the initial post failed; the first
	// successful reminder fills it in.
	MessageID string `json:"messageId,omitempty"`
}

// clone returns a copy safe to hand outside the ledger's lock.
func (a *Approval) clone() *Approval {
	out := *a
	if a.Metadata != nil {
		out.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			out.Metadata[k] = v
		}
	}
	if a.RespondedAt != nil {
		t := *a.RespondedAt
		out.RespondedAt = &t
	}
	return &out
}

// Resolution is the terminal outcome handed back to the automation agent.
// The shape is identical whichever path served the approval, so callers
// are indifferent to platform versus terminal.
type Resolution struct {
	ApprovalID  string    `json:"approvalId"`
	SessionID   string    `json:"sessionId"`
	Command     string    `json:"command"`
	Status      Status    `json:"status"`
	RespondedBy string    `json:"respondedBy,omitempty"`
	RespondedAt time.Time `json:"respondedAt"`
	// Source is "platform" or "terminal".
	Source string `json:"source"`
}

// Approved reports whether the command may proceed.
func (r Resolution) Approved() bool {
	return r.Status == StatusApproved || r.Status == StatusAlwaysApprove
}

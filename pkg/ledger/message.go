package ledger

import (
	"fmt"
	"strings"
	"time"
)

// requestText builds the human-readable approval request.
func requestText(a *Approval) string {
	var b strings.Builder
	fmt.Fprintf(&b, ":lock: *Approval required* for session `%s`\n", a.SessionID)
	fmt.Fprintf(&b, "```%s```\n", a.Command)
	if risk := a.Metadata["risk"]; risk != "" {
		fmt.Fprintf(&b, "Risk: *%s*\n", risk)
	}
	for k, v := range a.Metadata {
		if k == "risk" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", k, v)
	}
	b.WriteString("\nReply with a choice: [1] proceed [2] cancel [3] always-approve")
	return b.String()
}

// reminderText builds the thread reply posted while an approval waits.
func reminderText(a *Approval, waited time.Duration) string {
	return fmt.Sprintf(":hourglass: Still waiting for a decision on `%s` (pending %s, reminder #%d). "+
		"[1] proceed [2] cancel [3] always-approve",
		a.Command, waited.Round(time.Minute), a.ReminderCount)
}

// resolvedText rewrites the request message to reflect the outcome.
func resolvedText(a *Approval) string {
	switch a.Status {
	case StatusApproved:
		return fmt.Sprintf(":white_check_mark: *Approved* by <@%s>: `%s`", a.RespondedBy, a.Command)
	case StatusAlwaysApprove:
		return fmt.Sprintf(":white_check_mark: *Always approved* by <@%s>: `%s` (this kind of command will not ask again)", a.RespondedBy, a.Command)
	case StatusDenied:
		return fmt.Sprintf(":no_entry: *Denied* by <@%s>: `%s`", a.RespondedBy, a.Command)
	case StatusCancelled:
		return fmt.Sprintf(":heavy_minus_sign: *Cancelled*: session ended before `%s` was decided", a.Command)
	default:
		return requestText(a)
	}
}

// Package orchestrator wires the approval subsystem together and exposes
// the contract the automation agent calls: request an approval, await its
// resolution, end the session.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/chaperone-dev/chaperone/pkg/ledger"
	"github.com/chaperone-dev/chaperone/pkg/platform"
	"github.com/chaperone-dev/chaperone/pkg/registry"
)

// Health reports the shared platform liveness flag.
type Health interface {
	Healthy() bool
}

// TerminalPrompter is the local synchronous approval surface.
type TerminalPrompter interface {
	Ask(sessionID, command string, metadata map[string]string) (ledger.Choice, string, error)
}

// Orchestrator coordinates registry, ledger, health monitor and terminal
// fallback. It is the only component the automation agent talks to.
type Orchestrator struct {
	registry *registry.Registry
	ledger   *ledger.Ledger
	health   Health
	prompt   TerminalPrompter
}

// New creates an orchestrator.
func New(reg *registry.Registry, led *ledger.Ledger, health Health, prompt TerminalPrompter) *Orchestrator {
	return &Orchestrator{
		registry: reg,
		ledger:   led,
		health:   health,
		prompt:   prompt,
	}
}

// RequestApproval asks a human whether command may run. It returns a
// channel that yields exactly one resolution and is then closed. When the
// platform is unreachable the request is served synchronously on the
// terminal and the returned channel is already populated.
//
// The decision is never made by the system itself: the channel stays open
// until a human responds or EndSession cancels the approval.
func (o *Orchestrator) RequestApproval(ctx context.Context, sessionID, command string, metadata map[string]string) (<-chan ledger.Resolution, error) {
	if !o.health.Healthy() {
		return o.requestLocal(ctx, sessionID, command, metadata)
	}

	a, err := o.ledger.Request(ctx, sessionID, command, metadata)
	if errors.Is(err, platform.ErrPlatformUnavailable) {
		// Health flipped between the check and the channel resolve.
		return o.requestLocal(ctx, sessionID, command, metadata)
	}
	if err != nil {
		return nil, err
	}

	out := make(chan ledger.Resolution, 1)
	go func() {
		defer close(out)
		// Detached from the request ctx: the approval outlives the call
		// that created it and resolves whenever the human answers.
		res, err := o.ledger.AwaitResolution(context.Background(), a.ID)
		if err != nil {
			log.Printf("[orchestrator] await approval %s: %v", a.ID, err)
			return
		}
		out <- *res
	}()
	return out, nil
}

// requestLocal serves the approval synchronously on the terminal.
func (o *Orchestrator) requestLocal(ctx context.Context, sessionID, command string, metadata map[string]string) (<-chan ledger.Resolution, error) {
	log.Printf("[orchestrator] platform unavailable, prompting on terminal for session %s", sessionID)

	choice, responder, err := o.prompt.Ask(sessionID, command, metadata)
	if err != nil {
		// Surface closed without a decision. Never auto-deny.
		return nil, fmt.Errorf("terminal fallback for session %s: %w", sessionID, err)
	}

	res, err := o.ledger.RecordLocal(ctx, sessionID, command, metadata, choice, responder)
	if err != nil {
		return nil, err
	}

	out := make(chan ledger.Resolution, 1)
	out <- *res
	close(out)
	return out, nil
}

// EndSession cancels every pending approval for the session and archives
// its channel. The agent must call it exactly once per session; nothing
// else stops the session's reminders.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID string) error {
	o.ledger.CancelForSession(ctx, sessionID)
	if err := o.registry.ArchiveBySession(ctx, sessionID); err != nil {
		return fmt.Errorf("end session %s: %w", sessionID, err)
	}
	return nil
}

// PendingForSession exposes the session's pending approvals.
func (o *Orchestrator) PendingForSession(sessionID string) []*ledger.Approval {
	return o.ledger.PendingForSession(sessionID)
}

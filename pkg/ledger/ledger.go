package ledger

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaperone-dev/chaperone/pkg/observability"
)

// Messenger is the outbound surface the ledger posts through.
type Messenger interface {
	PostMessage(ctx context.Context, channelID, text string) (string, error)
	UpdateMessage(ctx context.Context, channelID, messageID, text string) error
	PostThreadReply(ctx context.Context, channelID, parentID, text string) error
}

// ChannelResolver hands the ledger a channel id for a session. The ledger
// never owns channel records; it only posts into them.
type ChannelResolver interface {
	ResolveChannelID(ctx context.Context, sessionID string) (string, error)
}

// Options configures a Ledger.
type Options struct {
	// ReminderInterval between re-notifications (default 15m).
	ReminderInterval time.Duration
	// MaxReminders stops re-scheduling after N firings when set. Zero
	// means remind forever. The approval stays pending either way; time
	// alone never resolves it.
	MaxReminders int
	// Scheduler defaults to the wall clock.
	Scheduler Scheduler
	// Now defaults to time.Now.
	Now func() time.Time
}

// Ledger owns all Approval records and their reminder timers. It is the
// approval state machine: pending → approved/denied/alwaysApprove on a
// human response, pending → cancelled on session end, nothing out of a
// terminal state.
type Ledger struct {
	messenger Messenger
	resolver  ChannelResolver
	sched     Scheduler
	interval  time.Duration
	maxRemind int
	now       func() time.Time

	mu        sync.Mutex
	approvals map[string]*Approval
	bySession map[string]map[string]struct{}
	timers    map[string]TimerHandle
	waiters   map[string][]chan Resolution
}

// New creates a ledger.
func New(messenger Messenger, resolver ChannelResolver, opts Options) *Ledger {
	if opts.ReminderInterval <= 0 {
		opts.ReminderInterval = DefaultReminderInterval
	}
	if opts.Scheduler == nil {
		opts.Scheduler = NewScheduler()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Ledger{
		messenger: messenger,
		resolver:  resolver,
		sched:     opts.Scheduler,
		interval:  opts.ReminderInterval,
		maxRemind: opts.MaxReminders,
		now:       opts.Now,
		approvals: make(map[string]*Approval),
		bySession: make(map[string]map[string]struct{}),
		timers:    make(map[string]TimerHandle),
		waiters:   make(map[string][]chan Resolution),
	}
}

// Request posts an approval request into the session's channel, records
// the approval as pending, and schedules the first reminder. A failed
// post does not drop the approval: the record is stored regardless and
// the first successful reminder carries the request text.
func (l *Ledger) Request(ctx context.Context, sessionID, command string, metadata map[string]string) (*Approval, error) {
	channelID, err := l.resolver.ResolveChannelID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("request approval for session %s: %w", sessionID, err)
	}

	a := &Approval{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		SessionID: sessionID,
		Command:   command,
		Metadata:  metadata,
		Status:    StatusPending,
		CreatedAt: l.now(),
		Source:    "platform",
	}

	msgID, postErr := l.messenger.PostMessage(ctx, channelID, requestText(a))
	if postErr != nil {
		log.Printf("[ledger] approval %s (session %s): request post failed, kept pending: %v", a.ID, sessionID, postErr)
	}
	a.MessageID = msgID

	l.mu.Lock()
	l.approvals[a.ID] = a
	if l.bySession[sessionID] == nil {
		l.bySession[sessionID] = make(map[string]struct{})
	}
	l.bySession[sessionID][a.ID] = struct{}{}
	l.timers[a.ID] = l.sched.Schedule(l.interval, func() { l.remind(a.ID) })
	pending := l.pendingCountLocked()
	l.mu.Unlock()

	observability.SetPendingApprovals(pending)
	log.Printf("[ledger] approval %s pending for session %s: %q", a.ID, sessionID, command)
	return a.clone(), nil
}

// remind fires for one approval. State may have changed between
// scheduling and firing, so it re-reads status before doing anything; a
// timer observing a resolved approval is a no-op and self-cancels.
// ReminderCount tracks delivered reminders: it moves only after a
// successful post, so an outage never inflates the count or the metric.
func (l *Ledger) remind(id string) {
	l.mu.Lock()
	a, ok := l.approvals[id]
	if !ok || a.Status != StatusPending {
		delete(l.timers, id)
		l.mu.Unlock()
		return
	}

	waited := l.now().Sub(a.CreatedAt)
	snapshot := a.clone()
	snapshot.ReminderCount++ // the delivery being attempted

	if l.maxRemind > 0 && snapshot.ReminderCount >= l.maxRemind {
		delete(l.timers, id)
		log.Printf("[ledger] approval %s reached reminder cap (%d), still pending", id, l.maxRemind)
	} else {
		l.timers[id] = l.sched.Schedule(l.interval, func() { l.remind(id) })
	}
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if snapshot.MessageID == "" {
		// The original post never landed; this reminder carries the
		// request itself and becomes the thread parent.
		msgID, err := l.messenger.PostMessage(ctx, snapshot.ChannelID, requestText(snapshot))
		if err != nil {
			log.Printf("[ledger] approval %s: reminder post failed, will retry next interval: %v", id, err)
			return
		}
		l.recordReminderDelivered(id, msgID)
		return
	}

	if err := l.messenger.PostThreadReply(ctx, snapshot.ChannelID, snapshot.MessageID, reminderText(snapshot, waited)); err != nil {
		log.Printf("[ledger] approval %s: reminder post failed, will retry next interval: %v", id, err)
		return
	}
	l.recordReminderDelivered(id, "")
}

// recordReminderDelivered bumps the delivered-reminder count after a
// successful post, filling in the thread parent when the original request
// post never landed.
func (l *Ledger) recordReminderDelivered(id, msgID string) {
	l.mu.Lock()
	if cur, ok := l.approvals[id]; ok {
		cur.ReminderCount++
		if msgID != "" && cur.MessageID == "" {
			cur.MessageID = msgID
		}
	}
	l.mu.Unlock()
	observability.RecordReminderFired()
}

// Resolve is the single authoritative mutation point for human responses.
// It validates the approval is still pending, applies the choice, cancels
// the reminder, updates the posted message and hands the resolution to
// any registered waiters.
func (l *Ledger) Resolve(ctx context.Context, id string, choice Choice, responderID string) (*Resolution, error) {
	status, err := choice.Status()
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	a, ok := l.approvals[id]
	if !ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("resolve %s: %w", id, ErrApprovalNotFound)
	}
	if a.Status != StatusPending {
		l.mu.Unlock()
		log.Printf("[ledger] approval %s already %s, duplicate response from %s ignored", id, a.Status, responderID)
		return nil, ErrAlreadyResolved
	}

	respondedAt := l.now()
	a.Status = status
	a.RespondedAt = &respondedAt
	a.RespondedBy = responderID
	l.cancelTimerLocked(id)

	res := l.resolutionLocked(a)
	waiters := l.takeWaitersLocked(id)
	snapshot := a.clone()
	pending := l.pendingCountLocked()
	l.mu.Unlock()

	observability.RecordApprovalTransition(string(status))
	observability.SetPendingApprovals(pending)
	log.Printf("[ledger] approval %s resolved %s by %s", id, status, responderID)

	l.updateMessage(ctx, snapshot)
	deliver(waiters, res)
	return &res, nil
}

// RecordLocal records an approval that was decided synchronously on the
// terminal fallback. The record is created already terminal; no platform
// calls, no reminders.
func (l *Ledger) RecordLocal(ctx context.Context, sessionID, command string, metadata map[string]string, choice Choice, responderID string) (*Resolution, error) {
	status, err := choice.Status()
	if err != nil {
		return nil, err
	}

	respondedAt := l.now()
	a := &Approval{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Command:     command,
		Metadata:    metadata,
		Status:      status,
		CreatedAt:   respondedAt,
		RespondedAt: &respondedAt,
		RespondedBy: responderID,
		Source:      "terminal",
	}

	l.mu.Lock()
	l.approvals[a.ID] = a
	if l.bySession[sessionID] == nil {
		l.bySession[sessionID] = make(map[string]struct{})
	}
	l.bySession[sessionID][a.ID] = struct{}{}
	res := l.resolutionLocked(a)
	l.mu.Unlock()

	observability.RecordApprovalTransition(string(status))
	log.Printf("[ledger] approval %s resolved %s by %s (terminal fallback)", a.ID, status, responderID)
	return &res, nil
}

// CancelForSession transitions every pending approval for the session to
// cancelled, cancels reminders, and best-effort updates the posted
// messages. Resolved approvals are untouched.
func (l *Ledger) CancelForSession(ctx context.Context, sessionID string) int {
	l.mu.Lock()
	var cancelled []*Approval
	var notify []struct {
		waiters []chan Resolution
		res     Resolution
	}
	for id := range l.bySession[sessionID] {
		a := l.approvals[id]
		if a == nil || a.Status != StatusPending {
			continue
		}
		respondedAt := l.now()
		a.Status = StatusCancelled
		a.RespondedAt = &respondedAt
		l.cancelTimerLocked(id)
		cancelled = append(cancelled, a.clone())
		notify = append(notify, struct {
			waiters []chan Resolution
			res     Resolution
		}{l.takeWaitersLocked(id), l.resolutionLocked(a)})
	}
	pending := l.pendingCountLocked()
	l.mu.Unlock()

	observability.SetPendingApprovals(pending)
	for i, a := range cancelled {
		observability.RecordApprovalTransition(string(StatusCancelled))
		l.updateMessage(ctx, a)
		deliver(notify[i].waiters, notify[i].res)
	}
	if len(cancelled) > 0 {
		log.Printf("[ledger] cancelled %d pending approvals for session %s", len(cancelled), sessionID)
	}
	return len(cancelled)
}

// AwaitResolution blocks until the approval reaches a terminal state or
// ctx is done. Multiple callers may wait on the same approval.
func (l *Ledger) AwaitResolution(ctx context.Context, id string) (*Resolution, error) {
	l.mu.Lock()
	a, ok := l.approvals[id]
	if !ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("await %s: %w", id, ErrApprovalNotFound)
	}
	if a.Status.Terminal() {
		res := l.resolutionLocked(a)
		l.mu.Unlock()
		return &res, nil
	}
	ch := make(chan Resolution, 1)
	l.waiters[id] = append(l.waiters[id], ch)
	l.mu.Unlock()

	select {
	case res := <-ch:
		return &res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns a copy of the approval.
func (l *Ledger) Get(id string) (*Approval, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.approvals[id]
	if !ok {
		return nil, false
	}
	return a.clone(), true
}

// Pending returns all pending approvals ordered by creation time.
func (l *Ledger) Pending() []*Approval {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Approval
	for _, a := range l.approvals {
		if a.Status == StatusPending {
			out = append(out, a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PendingForSession returns the session's pending approvals ordered by
// creation time.
func (l *Ledger) PendingForSession(sessionID string) []*Approval {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Approval
	for id := range l.bySession[sessionID] {
		if a := l.approvals[id]; a != nil && a.Status == StatusPending {
			out = append(out, a.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (l *Ledger) cancelTimerLocked(id string) {
	if t, ok := l.timers[id]; ok {
		t.Cancel()
		delete(l.timers, id)
	}
}

func (l *Ledger) takeWaitersLocked(id string) []chan Resolution {
	ws := l.waiters[id]
	delete(l.waiters, id)
	return ws
}

func (l *Ledger) pendingCountLocked() int {
	n := 0
	for _, a := range l.approvals {
		if a.Status == StatusPending {
			n++
		}
	}
	return n
}

func (l *Ledger) resolutionLocked(a *Approval) Resolution {
	res := Resolution{
		ApprovalID:  a.ID,
		SessionID:   a.SessionID,
		Command:     a.Command,
		Status:      a.Status,
		RespondedBy: a.RespondedBy,
		Source:      a.Source,
	}
	if a.RespondedAt != nil {
		res.RespondedAt = *a.RespondedAt
	}
	return res
}

// updateMessage best-effort rewrites the posted request to show the
// outcome. Failure never affects the recorded state.
func (l *Ledger) updateMessage(ctx context.Context, a *Approval) {
	if a.MessageID == "" {
		return
	}
	if err := l.messenger.UpdateMessage(ctx, a.ChannelID, a.MessageID, resolvedText(a)); err != nil {
		log.Printf("[ledger] approval %s: outcome message update failed: %v", a.ID, err)
	}
}

func deliver(waiters []chan Resolution, res Resolution) {
	for _, ch := range waiters {
		ch <- res
		close(ch)
	}
}

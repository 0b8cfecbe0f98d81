package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeMessenger records posts and can be told to fail.
type fakeMessenger struct {
	mu      sync.Mutex
	nextID  int
	posts   []string // top-level messages
	replies []string // thread replies
	updates []string // message edits

	postErr error
}

func (m *fakeMessenger) PostMessage(ctx context.Context, channelID, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.postErr != nil {
		return "", m.postErr
	}
	m.nextID++
	m.posts = append(m.posts, text)
	return fmt.Sprintf("%d.000", m.nextID), nil
}

func (m *fakeMessenger) UpdateMessage(ctx context.Context, channelID, messageID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, text)
	return nil
}

func (m *fakeMessenger) PostThreadReply(ctx context.Context, channelID, parentID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.postErr != nil {
		return m.postErr
	}
	m.replies = append(m.replies, text)
	return nil
}

func (m *fakeMessenger) replyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.replies)
}

func (m *fakeMessenger) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.postErr = err
}

type staticResolver string

func (r staticResolver) ResolveChannelID(ctx context.Context, sessionID string) (string, error) {
	return string(r), nil
}

type failingResolver struct{ err error }

func (r failingResolver) ResolveChannelID(ctx context.Context, sessionID string) (string, error) {
	return "", r.err
}

func newTestLedger(opts Options) (*Ledger, *fakeMessenger, *ManualScheduler) {
	m := &fakeMessenger{}
	sched := NewManualScheduler()
	opts.Scheduler = sched
	if opts.ReminderInterval == 0 {
		opts.ReminderInterval = 15 * time.Minute
	}
	return New(m, staticResolver("C1"), opts), m, sched
}

func TestRequestPostsAndResolves(t *testing.T) {
	l, m, _ := newTestLedger(Options{})

	a, err := l.Request(context.Background(), "s1", "rm -rf build/", map[string]string{"risk": "high"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if a.Status != StatusPending {
		t.Errorf("status = %s, want pending", a.Status)
	}
	if len(m.posts) != 1 || !strings.Contains(m.posts[0], "rm -rf build/") {
		t.Errorf("request post = %v", m.posts)
	}
	if !strings.Contains(m.posts[0], "Risk: *high*") {
		t.Errorf("risk missing from request: %q", m.posts[0])
	}

	res, err := l.Resolve(context.Background(), a.ID, ChoiceProceed, "U42")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Status != StatusApproved || !res.Approved() {
		t.Errorf("resolution = %+v, want approved", res)
	}
	if res.RespondedBy != "U42" || res.Source != "platform" {
		t.Errorf("resolution attribution = %+v", res)
	}
	if len(m.updates) != 1 || !strings.Contains(m.updates[0], "Approved") {
		t.Errorf("outcome edit = %v", m.updates)
	}
}

func TestRemindersFireIndefinitely(t *testing.T) {
	l, m, sched := newTestLedger(Options{ReminderInterval: 15 * time.Minute})

	a, err := l.Request(context.Background(), "s1", "deploy", nil)
	if err != nil {
		t.Fatal(err)
	}

	// Four intervals of silence: four reminders, still pending. Time alone
	// never resolves an approval.
	for i := 1; i <= 4; i++ {
		sched.Advance(15 * time.Minute)
		if got := m.replyCount(); got != i {
			t.Fatalf("after %d intervals: %d reminders, want %d", i, got, i)
		}
	}

	got, _ := l.Get(a.ID)
	if got.Status != StatusPending {
		t.Errorf("status after 1h of silence = %s, want pending", got.Status)
	}
	if got.ReminderCount != 4 {
		t.Errorf("reminder count = %d, want 4", got.ReminderCount)
	}
	if !strings.Contains(m.replies[3], "reminder #4") {
		t.Errorf("reminder text = %q", m.replies[3])
	}
}

func TestSingleAdvanceSpansChainedReminders(t *testing.T) {
	l, m, sched := newTestLedger(Options{ReminderInterval: 15 * time.Minute})

	a, err := l.Request(context.Background(), "s1", "deploy", nil)
	if err != nil {
		t.Fatal(err)
	}

	// One long jump must fire every reminder due within it, including the
	// ones scheduled by reminders firing inside the same window.
	if fired := sched.Advance(time.Hour); fired != 4 {
		t.Fatalf("timers fired = %d, want 4", fired)
	}
	if got := m.replyCount(); got != 4 {
		t.Errorf("reminders delivered = %d, want 4", got)
	}
	got, _ := l.Get(a.ID)
	if got.ReminderCount != 4 {
		t.Errorf("reminder count = %d, want 4", got.ReminderCount)
	}
	if sched.Live() != 1 {
		t.Errorf("live timers = %d, want 1 (next reminder rescheduled)", sched.Live())
	}
}

func TestFailedReminderPostDoesNotCount(t *testing.T) {
	l, m, sched := newTestLedger(Options{ReminderInterval: 15 * time.Minute})

	a, err := l.Request(context.Background(), "s1", "deploy", nil)
	if err != nil {
		t.Fatal(err)
	}

	// Two intervals of outage: both reminder attempts fail and neither is
	// counted, but the timer keeps rescheduling.
	m.setErr(errors.New("platform down"))
	sched.Advance(30 * time.Minute)
	got, _ := l.Get(a.ID)
	if got.ReminderCount != 0 {
		t.Errorf("reminder count during outage = %d, want 0", got.ReminderCount)
	}
	if sched.Live() != 1 {
		t.Fatalf("live timers = %d, want 1 (retry scheduled)", sched.Live())
	}

	// The first delivery after recovery is reminder #1, not #3.
	m.setErr(nil)
	sched.Advance(15 * time.Minute)
	if m.replyCount() != 1 || !strings.Contains(m.replies[0], "reminder #1") {
		t.Errorf("recovered reminder = %v", m.replies)
	}
	got, _ = l.Get(a.ID)
	if got.ReminderCount != 1 {
		t.Errorf("reminder count = %d, want 1", got.ReminderCount)
	}
}

func TestReminderCapStopsReschedulingNotApproval(t *testing.T) {
	l, m, sched := newTestLedger(Options{ReminderInterval: 15 * time.Minute, MaxReminders: 2})

	a, err := l.Request(context.Background(), "s1", "deploy", nil)
	if err != nil {
		t.Fatal(err)
	}

	sched.Advance(2 * time.Hour)
	if got := m.replyCount(); got != 2 {
		t.Errorf("reminders fired = %d, want 2 (capped)", got)
	}
	if sched.Live() != 0 {
		t.Errorf("live timers = %d, want 0 after cap", sched.Live())
	}

	// Capped approvals stay pending and still accept a late response.
	got, _ := l.Get(a.ID)
	if got.Status != StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
	if _, err := l.Resolve(context.Background(), a.ID, ChoiceCancel, "U1"); err != nil {
		t.Errorf("Resolve after cap: %v", err)
	}
}

func TestResolveIsTerminal(t *testing.T) {
	l, _, sched := newTestLedger(Options{})

	a, err := l.Request(context.Background(), "s1", "deploy", nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Resolve(context.Background(), a.ID, ChoiceCancel, "U1"); err != nil {
		t.Fatal(err)
	}

	// Duplicate and conflicting responses are rejected without mutating.
	_, err = l.Resolve(context.Background(), a.ID, ChoiceProceed, "U2")
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("second Resolve = %v, want ErrAlreadyResolved", err)
	}
	got, _ := l.Get(a.ID)
	if got.Status != StatusDenied || got.RespondedBy != "U1" {
		t.Errorf("approval mutated by duplicate response: %+v", got)
	}

	// The reminder timer is gone; no reminder fires after resolution.
	if fired := sched.Advance(time.Hour); fired != 0 {
		t.Errorf("%d timers fired after resolution, want 0", fired)
	}
}

func TestResolveUnknownApproval(t *testing.T) {
	l, _, _ := newTestLedger(Options{})
	_, err := l.Resolve(context.Background(), "nope", ChoiceProceed, "U1")
	if !errors.Is(err, ErrApprovalNotFound) {
		t.Errorf("error = %v, want ErrApprovalNotFound", err)
	}
}

func TestRequestSurvivesFailedPost(t *testing.T) {
	l, m, sched := newTestLedger(Options{ReminderInterval: 15 * time.Minute})
	m.setErr(errors.New("platform down"))

	a, err := l.Request(context.Background(), "s1", "deploy", nil)
	if err != nil {
		t.Fatalf("Request with failing post: %v", err)
	}
	if a.MessageID != "" {
		t.Errorf("message id = %q, want empty after failed post", a.MessageID)
	}
	got, _ := l.Get(a.ID)
	if got.Status != StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}

	// First reminder after recovery re-posts the request itself and
	// becomes the thread parent.
	m.setErr(nil)
	sched.Advance(15 * time.Minute)
	if len(m.posts) != 1 || !strings.Contains(m.posts[0], "Approval required") {
		t.Fatalf("recovery post = %v", m.posts)
	}
	got, _ = l.Get(a.ID)
	if got.MessageID == "" {
		t.Error("message id still empty after recovered reminder")
	}

	// Subsequent reminders thread under it.
	sched.Advance(15 * time.Minute)
	if m.replyCount() != 1 {
		t.Errorf("thread replies = %d, want 1", m.replyCount())
	}
}

func TestRequestFailsWhenChannelUnresolvable(t *testing.T) {
	wantErr := errors.New("platform unavailable")
	l := New(&fakeMessenger{}, failingResolver{wantErr}, Options{Scheduler: NewManualScheduler()})

	_, err := l.Request(context.Background(), "s1", "deploy", nil)
	if !errors.Is(err, wantErr) {
		t.Errorf("error = %v, want %v", err, wantErr)
	}
	if got := len(l.Pending()); got != 0 {
		t.Errorf("pending = %d, want 0", got)
	}
}

func TestCancelForSession(t *testing.T) {
	l, _, sched := newTestLedger(Options{})

	a1, _ := l.Request(context.Background(), "s1", "one", nil)
	a2, _ := l.Request(context.Background(), "s1", "two", nil)
	a3, _ := l.Request(context.Background(), "s2", "other", nil)
	if _, err := l.Resolve(context.Background(), a1.ID, ChoiceProceed, "U1"); err != nil {
		t.Fatal(err)
	}

	if got := l.CancelForSession(context.Background(), "s1"); got != 1 {
		t.Errorf("cancelled = %d, want 1 (resolved approvals untouched)", got)
	}

	g1, _ := l.Get(a1.ID)
	g2, _ := l.Get(a2.ID)
	g3, _ := l.Get(a3.ID)
	if g1.Status != StatusApproved {
		t.Errorf("a1 = %s, cancellation must not touch resolved approvals", g1.Status)
	}
	if g2.Status != StatusCancelled {
		t.Errorf("a2 = %s, want cancelled", g2.Status)
	}
	if g3.Status != StatusPending {
		t.Errorf("a3 = %s, other sessions must be untouched", g3.Status)
	}

	// Only the other session's reminder remains live.
	if sched.Live() != 1 {
		t.Errorf("live timers = %d, want 1", sched.Live())
	}
}

func TestAwaitResolutionBlocksUntilResolve(t *testing.T) {
	l, _, _ := newTestLedger(Options{})

	a, err := l.Request(context.Background(), "s1", "deploy", nil)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan *Resolution, 1)
	go func() {
		res, err := l.AwaitResolution(context.Background(), a.ID)
		if err != nil {
			t.Errorf("AwaitResolution: %v", err)
		}
		done <- res
	}()

	// Give the waiter a moment to register before resolving.
	time.Sleep(10 * time.Millisecond)
	if _, err := l.Resolve(context.Background(), a.ID, ChoiceAlwaysApprove, "U9"); err != nil {
		t.Fatal(err)
	}

	select {
	case res := <-done:
		if res.Status != StatusAlwaysApprove || !res.Approved() {
			t.Errorf("awaited resolution = %+v", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitResolution did not return after Resolve")
	}
}

func TestAwaitResolutionImmediateWhenTerminal(t *testing.T) {
	l, _, _ := newTestLedger(Options{})

	a, _ := l.Request(context.Background(), "s1", "deploy", nil)
	if _, err := l.Resolve(context.Background(), a.ID, ChoiceProceed, "U1"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := l.AwaitResolution(ctx, a.ID)
	if err != nil {
		t.Fatalf("AwaitResolution: %v", err)
	}
	if res.Status != StatusApproved {
		t.Errorf("status = %s, want approved", res.Status)
	}
}

func TestAwaitResolutionHonorsContext(t *testing.T) {
	l, _, _ := newTestLedger(Options{})
	a, _ := l.Request(context.Background(), "s1", "deploy", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := l.AwaitResolution(ctx, a.ID)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want DeadlineExceeded", err)
	}
}

func TestRecordLocal(t *testing.T) {
	l, m, sched := newTestLedger(Options{})

	res, err := l.RecordLocal(context.Background(), "s1", "deploy", nil, ChoiceProceed, "terminal:alex")
	if err != nil {
		t.Fatalf("RecordLocal: %v", err)
	}
	if res.Status != StatusApproved || res.Source != "terminal" {
		t.Errorf("resolution = %+v", res)
	}
	if res.RespondedBy != "terminal:alex" {
		t.Errorf("responder = %q", res.RespondedBy)
	}

	// Terminal-path approvals never touch the platform or the scheduler.
	if len(m.posts) != 0 || sched.Live() != 0 {
		t.Errorf("platform posts = %d, live timers = %d, want 0/0", len(m.posts), sched.Live())
	}

	// The record is queryable and already terminal.
	got, ok := l.Get(res.ApprovalID)
	if !ok || !got.Status.Terminal() {
		t.Errorf("recorded approval = %+v", got)
	}
}

func TestPendingOrdering(t *testing.T) {
	now := time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	m := &fakeMessenger{}
	l := New(m, staticResolver("C1"), Options{Scheduler: NewManualScheduler(), Now: clock})

	first, _ := l.Request(context.Background(), "s1", "first", nil)
	second, _ := l.Request(context.Background(), "s1", "second", nil)

	got := l.PendingForSession("s1")
	if len(got) != 2 || got[0].ID != first.ID || got[1].ID != second.ID {
		t.Errorf("pending order = %v, %v", got[0].Command, got[1].Command)
	}
}

func TestParseChoice(t *testing.T) {
	tests := []struct {
		in      string
		want    Choice
		wantErr bool
	}{
		{"1", ChoiceProceed, false},
		{"proceed", ChoiceProceed, false},
		{"Approve", ChoiceProceed, false},
		{"2", ChoiceCancel, false},
		{"deny", ChoiceCancel, false},
		{"3", ChoiceAlwaysApprove, false},
		{"always_approve", ChoiceAlwaysApprove, false},
		{" always-approve ", ChoiceAlwaysApprove, false},
		{"4", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseChoice(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseChoice(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseChoice(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

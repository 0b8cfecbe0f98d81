package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/chaperone-dev/chaperone/pkg/ledger"
	"github.com/chaperone-dev/chaperone/pkg/observability"
)

// ApprovalService is the ledger surface the dispatcher routes into. The
// dispatcher is the only caller of Resolve.
type ApprovalService interface {
	Request(ctx context.Context, sessionID, command string, metadata map[string]string) (*ledger.Approval, error)
	Resolve(ctx context.Context, id string, choice ledger.Choice, responderID string) (*ledger.Resolution, error)
	AwaitResolution(ctx context.Context, id string) (*ledger.Resolution, error)
	Pending() []*ledger.Approval
	PendingForSession(sessionID string) []*ledger.Approval
}

// Archiver serves the slash command's archival-cleanup request.
type Archiver interface {
	ArchiveBySession(ctx context.Context, sessionID string) error
}

// Server receives platform callbacks, verifies their authenticity, and
// routes them. It also exposes the local introspection surface.
type Server struct {
	verifier  *Verifier
	approvals ApprovalService
	archiver  Archiver

	httpServer *http.Server
	addr       string
	client     *http.Client
}

// NewServer creates the webhook dispatcher listening on addr.
func NewServer(addr string, verifier *Verifier, approvals ApprovalService, archiver Archiver) *Server {
	return &Server{
		verifier:  verifier,
		approvals: approvals,
		archiver:  archiver,
		addr:      addr,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Signed platform callbacks.
	mux.HandleFunc("POST /interactive", s.instrument("/interactive", s.handleInteractive))
	mux.HandleFunc("POST /commands", s.instrument("/commands", s.handleCommands))
	mux.HandleFunc("POST /events", s.instrument("/events", s.handleEvents))

	// Local introspection and out-of-process agent surface,
	// unauthenticated (bind to loopback in production).
	mux.HandleFunc("GET /health", observability.HealthHandler())
	mux.HandleFunc("GET /pending-approvals", s.instrument("/pending-approvals", s.handlePending))
	mux.HandleFunc("POST /approvals", s.instrument("/approvals", s.handleCreateApproval))
	mux.HandleFunc("POST /callbacks", s.instrument("/callbacks", s.handleRegisterCallback))
	mux.Handle("GET /metrics", observability.MetricsHandler())

	return mux
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	tracer := otel.Tracer("chaperone/webhook")
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "webhook.handle",
			trace.WithAttributes(attribute.String("webhook.endpoint", endpoint)))
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		observability.RecordWebhookRequest(endpoint, rec.status)
	}
}

// readAndVerify reads the raw body and checks the signature headers.
// On failure it writes the 401 itself and returns nil.
func (s *Server) readAndVerify(w http.ResponseWriter, r *http.Request) []byte {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return nil
	}

	err = s.verifier.Verify(r.Header.Get(HeaderTimestamp), r.Header.Get(HeaderSignature), body)
	if err != nil {
		log.Printf("[webhook] %s rejected: %v", r.URL.Path, err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return nil
	}
	return body
}

func (s *Server) handleInteractive(w http.ResponseWriter, r *http.Request) {
	body := s.readAndVerify(w, r)
	if body == nil {
		return
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		http.Error(w, "malformed form", http.StatusBadRequest)
		return
	}

	var payload interactivePayload
	if err := json.Unmarshal([]byte(form.Get("payload")), &payload); err != nil {
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}
	if len(payload.Actions) == 0 {
		http.Error(w, "no actions", http.StatusBadRequest)
		return
	}

	action := payload.Actions[0]
	choice, err := ledger.ParseChoice(action.ActionID)
	if err != nil {
		http.Error(w, "unknown action", http.StatusBadRequest)
		return
	}
	approvalID := action.Value

	res, err := s.approvals.Resolve(r.Context(), approvalID, choice, payload.User.ID)
	switch {
	case errors.Is(err, ledger.ErrAlreadyResolved):
		// Duplicate click; the platform retries 5xx, so answer 200.
		writeText(w, http.StatusOK, "This request was already handled.")
	case errors.Is(err, ledger.ErrApprovalNotFound):
		http.Error(w, "unknown approval", http.StatusNotFound)
	case err != nil:
		log.Printf("[webhook] resolve %s failed: %v", approvalID, err)
		http.Error(w, "resolve failed", http.StatusInternalServerError)
	default:
		writeText(w, http.StatusOK, fmt.Sprintf("Recorded: %s by <@%s>", res.Status, res.RespondedBy))
	}
}

func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	body := s.readAndVerify(w, r)
	if body == nil {
		return
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		http.Error(w, "malformed form", http.StatusBadRequest)
		return
	}

	text := strings.TrimSpace(form.Get("text"))
	args := strings.Fields(text)

	switch {
	case len(args) == 0, args[0] == "status":
		session := ""
		if len(args) > 1 {
			session = args[1]
		}
		writeText(w, http.StatusOK, s.statusReply(session))

	case args[0] == "cleanup" && len(args) > 1:
		if err := s.archiver.ArchiveBySession(r.Context(), args[1]); err != nil {
			log.Printf("[webhook] cleanup %s failed: %v", args[1], err)
			writeText(w, http.StatusOK, fmt.Sprintf("Cleanup of session %s failed: %v", args[1], err))
			return
		}
		writeText(w, http.StatusOK, fmt.Sprintf("Channel for session %s archived.", args[1]))

	default:
		writeText(w, http.StatusOK, "Usage: /approvals [status [session] | cleanup <session>]")
	}
}

func (s *Server) statusReply(sessionID string) string {
	var pending []*ledger.Approval
	if sessionID != "" {
		pending = s.approvals.PendingForSession(sessionID)
	} else {
		pending = s.approvals.Pending()
	}
	if len(pending) == 0 {
		return "No pending approvals."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d pending approval(s):\n", len(pending))
	for _, a := range pending {
		fmt.Fprintf(&b, "• `%s` (session %s), waiting since %s, reminders: %d\n",
			a.Command, a.SessionID, a.CreatedAt.Format(time.RFC3339), a.ReminderCount)
	}
	return b.String()
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	body := s.readAndVerify(w, r)
	if body == nil {
		return
	}

	var payload eventPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "malformed event", http.StatusBadRequest)
		return
	}

	if payload.Type == "url_verification" {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"challenge": payload.Challenge})
		return
	}

	log.Printf("[webhook] event %s/%s acknowledged", payload.Type, payload.Event.Type)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	pending := s.approvals.Pending()

	resp := pendingResponse{Count: len(pending)}
	seen := make(map[string]bool)
	for _, a := range pending {
		resp.Pending = append(resp.Pending, pendingItem{
			ID:            a.ID,
			SessionID:     a.SessionID,
			ChannelID:     a.ChannelID,
			Command:       a.Command,
			Risk:          a.Metadata["risk"],
			CreatedAt:     a.CreatedAt.Format(time.RFC3339),
			ReminderCount: a.ReminderCount,
		})
		if !seen[a.SessionID] {
			seen[a.SessionID] = true
			resp.Sessions = append(resp.Sessions, a.SessionID)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleCreateApproval lets an out-of-process agent open an approval.
// When the platform is unreachable the caller gets 503; the synchronous
// terminal fallback only serves in-process callers.
func (s *Server) handleCreateApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string            `json:"sessionId"`
		Command   string            `json:"command"`
		Metadata  map[string]string `json:"metadata,omitempty"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" || req.Command == "" {
		http.Error(w, "sessionId and command required", http.StatusBadRequest)
		return
	}

	a, err := s.approvals.Request(r.Context(), req.SessionID, req.Command, req.Metadata)
	if err != nil {
		log.Printf("[webhook] create approval for session %s failed: %v", req.SessionID, err)
		http.Error(w, "approval request failed", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(a)
}

// handleRegisterCallback registers a URL to be POSTed the resolution of
// one approval, for out-of-process callers that cannot block on the Go
// API.
func (s *Server) handleRegisterCallback(w http.ResponseWriter, r *http.Request) {
	var reg callbackRegistration
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&reg); err != nil {
		http.Error(w, "malformed registration", http.StatusBadRequest)
		return
	}
	if reg.ApprovalID == "" || reg.URL == "" {
		http.Error(w, "approvalId and url required", http.StatusBadRequest)
		return
	}
	if _, err := url.ParseRequestURI(reg.URL); err != nil {
		http.Error(w, "invalid url", http.StatusBadRequest)
		return
	}

	go s.notifyCallback(reg)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) notifyCallback(reg callbackRegistration) {
	res, err := s.approvals.AwaitResolution(context.Background(), reg.ApprovalID)
	if err != nil {
		log.Printf("[webhook] callback for approval %s abandoned: %v", reg.ApprovalID, err)
		return
	}

	data, err := json.Marshal(res)
	if err != nil {
		log.Printf("[webhook] callback for approval %s: marshal: %v", reg.ApprovalID, err)
		return
	}
	resp, err := s.client.Post(reg.URL, "application/json", bytes.NewReader(data))
	if err != nil {
		log.Printf("[webhook] callback for approval %s to %s failed: %v", reg.ApprovalID, reg.URL, err)
		return
	}
	_ = resp.Body.Close()
}

func writeText(w http.ResponseWriter, status int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, text)
}

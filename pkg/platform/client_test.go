package platform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// fakePlatform serves a minimal platform API for client tests. Handlers are
// keyed by method path; unregistered methods return ok:true.
type fakePlatform struct {
	t        *testing.T
	handlers map[string]http.HandlerFunc
	calls    []string
}

func newFakePlatform(t *testing.T) (*fakePlatform, *httptest.Server) {
	fp := &fakePlatform{t: t, handlers: map[string]http.HandlerFunc{}}
	srv := httptest.NewServer(fp)
	t.Cleanup(srv.Close)
	return fp, srv
}

func (fp *fakePlatform) handle(method string, h http.HandlerFunc) {
	fp.handlers["/"+method] = h
}

func (fp *fakePlatform) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fp.calls = append(fp.calls, r.URL.Path)
	if r.Header.Get("Authorization") != "Bearer test-token" {
		fp.t.Errorf("missing bearer token on %s", r.URL.Path)
	}
	if h, ok := fp.handlers[r.URL.Path]; ok {
		h(w, r)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
}

func respondJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func testClient(srv *httptest.Server) *Client {
	return NewClient(srv.URL, "test-token", NewGate(time.Millisecond, time.Second))
}

func TestClientCreateChannel(t *testing.T) {
	fp, srv := newFakePlatform(t)
	fp.handle("conversations.create", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["name"] != "appr-s1-abcdef12" {
			t.Errorf("create name = %v, want appr-s1-abcdef12", req["name"])
		}
		respondJSON(w, map[string]any{"ok": true, "channel": map[string]string{"id": "C123"}})
	})

	id, err := testClient(srv).CreateChannel(context.Background(), "appr-s1-abcdef12")
	if err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}
	if id != "C123" {
		t.Errorf("channel id = %q, want C123", id)
	}
}

func TestClientErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		code    string
		wantErr error
	}{
		{"name collision", "name_taken", ErrNameCollision},
		{"rate limited", "ratelimited", ErrThrottled},
		{"invalid auth", "invalid_auth", ErrAuthFailed},
		{"revoked token", "token_revoked", ErrAuthFailed},
		{"channel missing", "channel_not_found", ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp, srv := newFakePlatform(t)
			fp.handle("conversations.create", func(w http.ResponseWriter, r *http.Request) {
				respondJSON(w, map[string]any{"ok": false, "error": tt.code})
			})

			_, err := testClient(srv).CreateChannel(context.Background(), "x")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestClientHTTP429IncreasesGateDelay(t *testing.T) {
	fp, srv := newFakePlatform(t)
	fp.handle("chat.postMessage", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	gate := NewGate(100*time.Millisecond, time.Second)
	c := NewClient(srv.URL, "test-token", gate)

	_, err := c.PostMessage(context.Background(), "C1", "hello")
	if !errors.Is(err, ErrThrottled) {
		t.Fatalf("error = %v, want ErrThrottled", err)
	}
	if got := gate.Delay(); got != 200*time.Millisecond {
		t.Errorf("gate delay = %v, want 200ms after throttle", got)
	}
}

func TestClientArchiveAlreadyArchivedIsSuccess(t *testing.T) {
	fp, srv := newFakePlatform(t)
	fp.handle("conversations.archive", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, map[string]any{"ok": false, "error": "already_archived"})
	})

	if err := testClient(srv).ArchiveChannel(context.Background(), "C1"); err != nil {
		t.Errorf("ArchiveChannel on archived channel = %v, want nil", err)
	}
}

func TestClientPostMessageReturnsID(t *testing.T) {
	fp, srv := newFakePlatform(t)
	fp.handle("chat.postMessage", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, map[string]any{"ok": true, "ts": "1724680000.000100"})
	})

	ts, err := testClient(srv).PostMessage(context.Background(), "C1", "hello")
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if ts != "1724680000.000100" {
		t.Errorf("message id = %q", ts)
	}
}

func TestClientThreadReplyCarriesParent(t *testing.T) {
	fp, srv := newFakePlatform(t)
	fp.handle("chat.postMessage", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["thread_ts"] != "100.200" {
			t.Errorf("thread_ts = %v, want 100.200", req["thread_ts"])
		}
		respondJSON(w, map[string]any{"ok": true, "ts": "100.300"})
	})

	err := testClient(srv).PostThreadReply(context.Background(), "C1", "100.200", "still waiting")
	if err != nil {
		t.Fatalf("PostThreadReply: %v", err)
	}
}

func TestClientListChannels(t *testing.T) {
	fp, srv := newFakePlatform(t)
	fp.handle("conversations.list", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, map[string]any{"ok": true, "channels": []ChannelInfo{
			{ID: "C1", Name: "appr-s1-aaaa1111"},
			{ID: "C2", Name: "general"},
		}})
	})

	chans, err := testClient(srv).ListChannels(context.Background())
	if err != nil {
		t.Fatalf("ListChannels: %v", err)
	}
	if len(chans) != 2 || chans[0].ID != "C1" {
		t.Errorf("channels = %+v", chans)
	}
}

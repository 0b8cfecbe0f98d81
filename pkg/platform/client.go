package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/chaperone-dev/chaperone/pkg/observability"
)

// API is the outbound surface the rest of the system depends on. The core
// requires only idempotent-by-name creation, message edit-by-id and
// archive-by-id; everything else about the wire format is
// platform-specific.
type API interface {
	// CreateChannel creates a channel with the given name and returns its id.
	// Returns ErrNameCollision when the name is already taken.
	CreateChannel(ctx context.Context, name string) (string, error)
	// ArchiveChannel archives the channel. Archiving an already-archived
	// channel is a no-op success.
	ArchiveChannel(ctx context.Context, channelID string) error
	// ListChannels returns the non-archived channels visible to the bot.
	ListChannels(ctx context.Context) ([]ChannelInfo, error)
	// PostMessage posts text to a channel and returns the message id.
	PostMessage(ctx context.Context, channelID, text string) (string, error)
	// UpdateMessage replaces the text of a previously posted message.
	UpdateMessage(ctx context.Context, channelID, messageID, text string) error
	// PostThreadReply posts text as a threaded reply under parentID.
	PostThreadReply(ctx context.Context, channelID, parentID, text string) error
	// Probe issues a lightweight liveness call.
	Probe(ctx context.Context) error
}

// ChannelInfo is the subset of remote channel state the registry cares
// about when reconciling its snapshot at startup.
type ChannelInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Archived bool   `json:"is_archived"`
}

// Client is the REST client for the messaging platform. Every call passes
// through the shared rate-limit gate before touching the network.
type Client struct {
	baseURL string
	token   string
	gate    *Gate
	http    *http.Client
	tracer  trace.Tracer
}

// NewClient creates a platform client. gate must not be nil; all outbound
// traffic in the process is expected to share it.
func NewClient(baseURL, token string, gate *Gate) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		gate:    gate,
		http:    &http.Client{Timeout: 30 * time.Second},
		tracer:  otel.Tracer("chaperone/platform"),
	}
}

// envelope is the common response wrapper used by every platform method.
type envelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	Channel struct {
		ID string `json:"id"`
	} `json:"channel,omitempty"`
	Channels []ChannelInfo `json:"channels,omitempty"`
	TS       string        `json:"ts,omitempty"`
}

func (c *Client) CreateChannel(ctx context.Context, name string) (string, error) {
	resp, err := c.call(ctx, "conversations.create", map[string]any{"name": name})
	if err != nil {
		return "", err
	}
	return resp.Channel.ID, nil
}

func (c *Client) ArchiveChannel(ctx context.Context, channelID string) error {
	_, err := c.call(ctx, "conversations.archive", map[string]any{"channel": channelID})
	return err
}

func (c *Client) ListChannels(ctx context.Context) ([]ChannelInfo, error) {
	resp, err := c.call(ctx, "conversations.list", map[string]any{"exclude_archived": true})
	if err != nil {
		return nil, err
	}
	return resp.Channels, nil
}

func (c *Client) PostMessage(ctx context.Context, channelID, text string) (string, error) {
	resp, err := c.call(ctx, "chat.postMessage", map[string]any{
		"channel": channelID,
		"text":    text,
	})
	if err != nil {
		return "", err
	}
	return resp.TS, nil
}

func (c *Client) UpdateMessage(ctx context.Context, channelID, messageID, text string) error {
	_, err := c.call(ctx, "chat.update", map[string]any{
		"channel": channelID,
		"ts":      messageID,
		"text":    text,
	})
	return err
}

func (c *Client) PostThreadReply(ctx context.Context, channelID, parentID, text string) error {
	_, err := c.call(ctx, "chat.postMessage", map[string]any{
		"channel":   channelID,
		"thread_ts": parentID,
		"text":      text,
	})
	return err
}

func (c *Client) Probe(ctx context.Context) error {
	_, err := c.call(ctx, "auth.test", map[string]any{})
	return err
}

// call performs one gated POST to a platform method and maps error
// responses onto the package sentinels.
func (c *Client) call(ctx context.Context, method string, payload map[string]any) (*envelope, error) {
	ctx, span := c.tracer.Start(ctx, "platform.call",
		trace.WithAttributes(attribute.String("platform.method", method)))
	defer span.End()

	if err := c.gate.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate gate: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		observability.RecordPlatformCall(method, "network_error", time.Since(start))
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		c.gate.Throttled()
		observability.RecordPlatformCall(method, "throttled", time.Since(start))
		return nil, fmt.Errorf("%s: %w", method, ErrThrottled)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", method, err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		observability.RecordPlatformCall(method, "bad_response", time.Since(start))
		return nil, fmt.Errorf("parse %s response: %w", method, err)
	}

	if !env.OK {
		observability.RecordPlatformCall(method, env.Error, time.Since(start))
		if env.Error == "already_archived" {
			// Archive is idempotent by contract.
			return &env, nil
		}
		return nil, c.mapError(method, env.Error)
	}

	observability.RecordPlatformCall(method, "ok", time.Since(start))
	return &env, nil
}

func (c *Client) mapError(method, code string) error {
	switch code {
	case "name_taken":
		return fmt.Errorf("%s: %w", method, ErrNameCollision)
	case "ratelimited", "rate_limited":
		c.gate.Throttled()
		return fmt.Errorf("%s: %w", method, ErrThrottled)
	case "invalid_auth", "token_revoked", "account_inactive":
		return fmt.Errorf("%s (%s): %w", method, code, ErrAuthFailed)
	case "channel_not_found", "message_not_found":
		return fmt.Errorf("%s (%s): %w", method, code, ErrNotFound)
	default:
		return fmt.Errorf("%s failed: %s", method, code)
	}
}

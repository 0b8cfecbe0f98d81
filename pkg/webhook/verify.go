package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Signature scheme: hex(hmac-sha256(secret, "v0:{timestamp}:{rawBody}")),
// sent as "v0=<hex>" alongside the unix timestamp.
const (
	SignatureVersion = "v0"
	// HeaderSignature carries the request signature.
	HeaderSignature = "X-Signature"
	// HeaderTimestamp carries the unix timestamp the signature covers.
	HeaderTimestamp = "X-Request-Timestamp"
	// MaxTimestampSkew is the replay-protection window.
	MaxTimestampSkew = 300 * time.Second
)

// Verification errors. Requests failing verification are rejected with
// 401 and mutate no state.
var (
	ErrInvalidSignature = errors.New("webhook signature mismatch")
	ErrStaleTimestamp   = errors.New("webhook timestamp outside replay window")
)

// Verifier authenticates inbound platform callbacks against the shared
// signing secret.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier creates a verifier for the given signing secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), now: time.Now}
}

// Verify checks the signature over "v0:{timestamp}:{rawBody}" using a
// constant-time comparison, and enforces the replay window.
func (v *Verifier) Verify(timestamp, signature string, body []byte) error {
	// A malformed timestamp is a broken request, not a stale one.
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", timestamp, ErrInvalidSignature)
	}

	skew := v.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxTimestampSkew {
		return fmt.Errorf("timestamp %ds out of window: %w", int64(skew.Seconds()), ErrStaleTimestamp)
	}

	if signature == "" {
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, v.secret)
	fmt.Fprintf(mac, "%s:%s:", SignatureVersion, timestamp)
	mac.Write(body)
	expected := SignatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign computes the signature for a timestamp and body. Used by tests and
// by the callback notifier when posting resolutions to registered URLs.
func (v *Verifier) Sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	fmt.Fprintf(mac, "%s:%s:", SignatureVersion, timestamp)
	mac.Write(body)
	return SignatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}

package registry

import (
	"strings"
	"time"
)

// Default bounds for channel names. The platform rejects names longer
// than 80 characters; parts are clipped well below that so a suffix
// always fits.
const (
	maxNamePartLen  = 20
	maxChannelName  = 72
	collisionSuffix = 6
)

// Channel is one communication space on the messaging platform, scoped to
// a single automation session. Channels are never deleted, only archived.
type Channel struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName"`
	SessionID    string    `json:"sessionId"`
	SubSessionID string    `json:"subSessionId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	Archived     bool      `json:"archived"`
}

// clone returns a detached copy. Accessors hand out clones so callers
// can neither mutate registry state nor observe later mutations.
func (c *Channel) clone() *Channel {
	d := *c
	return &d
}

// SanitizeNamePart lowercases a name fragment and strips everything
// outside [a-z0-9-], clipping to the per-part bound. Runs of invalid
// characters collapse to a single hyphen.
func SanitizeNamePart(part string) string {
	var b strings.Builder
	lastHyphen := false
	for _, r := range strings.ToLower(part) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen && b.Len() > 0 {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	s := strings.Trim(b.String(), "-")
	if len(s) > maxNamePartLen {
		s = strings.Trim(s[:maxNamePartLen], "-")
	}
	return s
}

// BuildChannelName sanitizes each part, drops empty ones, and joins them
// with hyphens under the total length bound.
func BuildChannelName(parts ...string) string {
	clean := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := SanitizeNamePart(p); s != "" {
			clean = append(clean, s)
		}
	}
	name := strings.Join(clean, "-")
	if len(name) > maxChannelName {
		name = strings.Trim(name[:maxChannelName], "-")
	}
	return name
}

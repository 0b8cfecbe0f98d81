package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Common errors for snapshot storage.
var (
	// ErrChannelNotFound is returned when no channel matches the lookup.
	ErrChannelNotFound = errors.New("channel not found")
	// ErrStoreClosed is returned when operating on a closed snapshot store.
	ErrStoreClosed = errors.New("snapshot store is closed")
)

// Snapshot is the durable document the registry writes after every
// mutation and reads once at startup. Entries are stored as pairs so the
// on-disk format stays an ordered JSON document rather than an object
// with unstable key order.
type Snapshot struct {
	Channels     []ChannelEntry `json:"channels"`
	SessionIndex []IndexEntry   `json:"sessionIndex"`
	SavedAt      time.Time      `json:"savedAt"`
}

// ChannelEntry is one [id, Channel] pair.
type ChannelEntry struct {
	ID      string
	Channel *Channel
}

// MarshalJSON encodes the entry as a two-element array.
func (e ChannelEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.ID, e.Channel})
}

// UnmarshalJSON decodes a two-element [id, Channel] array.
func (e *ChannelEntry) UnmarshalJSON(data []byte) error {
	var raw [2]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("channel entry: %w", err)
	}
	if err := json.Unmarshal(raw[0], &e.ID); err != nil {
		return fmt.Errorf("channel entry id: %w", err)
	}
	e.Channel = &Channel{}
	if err := json.Unmarshal(raw[1], e.Channel); err != nil {
		return fmt.Errorf("channel entry record: %w", err)
	}
	return nil
}

// IndexEntry is one [sessionID, channelID] pair.
type IndexEntry [2]string

// SnapshotStore abstracts snapshot persistence. Implementations must be
// safe for concurrent use.
type SnapshotStore interface {
	// Save durably writes the full snapshot, replacing any previous one.
	Save(ctx context.Context, snap *Snapshot) error

	// Load reads the last saved snapshot. A missing snapshot is a cold
	// start, not an error: Load returns (nil, nil).
	Load(ctx context.Context) (*Snapshot, error)

	// Ping verifies the store is usable; wired into the health checker.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}

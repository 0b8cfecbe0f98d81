package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaperone-dev/chaperone/pkg/platform"
)

// DefaultNamePrefix is the leading part of auto-named approval channels.
const DefaultNamePrefix = "appr"

// PlatformAPI is the outbound surface the registry needs.
type PlatformAPI interface {
	CreateChannel(ctx context.Context, name string) (string, error)
	ArchiveChannel(ctx context.Context, channelID string) error
	PostMessage(ctx context.Context, channelID, text string) (string, error)
	ListChannels(ctx context.Context) ([]platform.ChannelInfo, error)
}

// Health reports the shared platform liveness flag.
type Health interface {
	Healthy() bool
}

// Registry owns all Channel records. It keeps at most one non-archived
// channel per session, persists a full snapshot after every mutation, and
// rebuilds its in-memory state from the snapshot at startup.
type Registry struct {
	api    PlatformAPI
	health Health
	store  SnapshotStore

	mu       sync.RWMutex
	channels map[string]*Channel // channel id -> record
	sessions map[string]string   // session id -> channel id
}

// New creates a registry. Call Load before any other component starts.
func New(api PlatformAPI, health Health, store SnapshotStore) *Registry {
	return &Registry{
		api:      api,
		health:   health,
		store:    store,
		channels: make(map[string]*Channel),
		sessions: make(map[string]string),
	}
}

// Load rebuilds in-memory state from the persisted snapshot. A missing
// snapshot is a cold start. When the platform is reachable, remote
// channels unknown to the snapshot (in-flight creations lost to a crash)
// are logged as orphans; they are never silently repaired.
func (r *Registry) Load(ctx context.Context) error {
	snap, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load channel snapshot: %w", err)
	}

	r.mu.Lock()
	if snap != nil {
		for _, e := range snap.Channels {
			r.channels[e.ID] = e.Channel
		}
		for _, e := range snap.SessionIndex {
			r.sessions[e[0]] = e[1]
		}
		log.Printf("[registry] loaded %d channels (%d active sessions) from snapshot saved at %s",
			len(r.channels), len(r.sessions), snap.SavedAt.Format(time.RFC3339))
	} else {
		log.Printf("[registry] no snapshot found, cold start")
	}
	r.mu.Unlock()

	r.logOrphans(ctx)
	return nil
}

// logOrphans reports remote approval channels the snapshot does not know.
func (r *Registry) logOrphans(ctx context.Context) {
	if !r.health.Healthy() {
		return
	}
	remote, err := r.api.ListChannels(ctx)
	if err != nil {
		log.Printf("[registry] orphan scan skipped: %v", err)
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, info := range remote {
		if info.Archived || !strings.HasPrefix(info.Name, DefaultNamePrefix+"-") {
			continue
		}
		if _, ok := r.channels[info.ID]; !ok {
			log.Printf("[registry] orphaned remote channel %s (%s): created but never persisted", info.ID, info.Name)
		}
	}
}

// ResolveOrCreate returns the session's channel, creating it on first
// use. Idempotent: a second call with the same sessionID returns the same
// channel without touching the platform. Fails with
// platform.ErrPlatformUnavailable when the health monitor reports the
// platform unreachable.
func (r *Registry) ResolveOrCreate(ctx context.Context, sessionID string, nameParts ...string) (*Channel, error) {
	if sessionID == "" {
		return nil, errors.New("empty session id")
	}

	r.mu.RLock()
	if id, ok := r.sessions[sessionID]; ok {
		if ch, ok := r.channels[id]; ok && !ch.Archived {
			out := ch.clone()
			r.mu.RUnlock()
			return out, nil
		}
	}
	r.mu.RUnlock()

	if !r.health.Healthy() {
		return nil, fmt.Errorf("create channel for session %s: %w", sessionID, platform.ErrPlatformUnavailable)
	}

	if len(nameParts) == 0 {
		nameParts = []string{DefaultNamePrefix, sessionID, shortToken()}
	}
	name := BuildChannelName(nameParts...)
	if name == "" {
		return nil, fmt.Errorf("session %s: name parts sanitize to empty", sessionID)
	}

	channelID, err := r.api.CreateChannel(ctx, name)
	if errors.Is(err, platform.ErrNameCollision) {
		// One retry with a short unique suffix, then surface.
		name = BuildChannelName(append(nameParts, shortToken()[:collisionSuffix])...)
		channelID, err = r.api.CreateChannel(ctx, name)
	}
	if err != nil {
		return nil, fmt.Errorf("create channel for session %s: %w", sessionID, err)
	}

	ch := &Channel{
		ID:          channelID,
		DisplayName: name,
		SessionID:   sessionID,
		CreatedAt:   time.Now(),
	}

	r.mu.Lock()
	// Re-check under the write lock: a concurrent caller may have won.
	if id, ok := r.sessions[sessionID]; ok {
		if existing, ok := r.channels[id]; ok && !existing.Archived {
			out := existing.clone()
			r.mu.Unlock()
			log.Printf("[registry] session %s: concurrent create left orphaned remote channel %s", sessionID, channelID)
			return out, nil
		}
	}
	r.channels[ch.ID] = ch
	r.sessions[sessionID] = ch.ID
	r.persistLocked(ctx)
	r.mu.Unlock()

	log.Printf("[registry] created channel %s (%s) for session %s", ch.ID, ch.DisplayName, sessionID)
	return ch.clone(), nil
}

// ResolveChannelID is the lookup the approval ledger holds: it returns
// only the channel id, never ownership of the record.
func (r *Registry) ResolveChannelID(ctx context.Context, sessionID string) (string, error) {
	ch, err := r.ResolveOrCreate(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return ch.ID, nil
}

// Archive posts a closing notice, archives the channel on the platform,
// marks it archived, and drops it from the session index. Archiving an
// already-archived channel is a no-op success.
func (r *Registry) Archive(ctx context.Context, channelID string) error {
	r.mu.RLock()
	ch, ok := r.channels[channelID]
	var sessionID string
	var archived bool
	if ok {
		sessionID, archived = ch.SessionID, ch.Archived
	}
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("archive channel %s: %w", channelID, ErrChannelNotFound)
	}
	if archived {
		return nil
	}

	if r.health.Healthy() {
		if _, err := r.api.PostMessage(ctx, channelID, "Session ended. This channel is being archived."); err != nil {
			// Best-effort notice; the archive itself decides success.
			log.Printf("[registry] closing notice for channel %s failed: %v", channelID, err)
		}
		if err := r.api.ArchiveChannel(ctx, channelID); err != nil && !errors.Is(err, platform.ErrNotFound) {
			return fmt.Errorf("archive channel %s: %w", channelID, err)
		}
	} else {
		log.Printf("[registry] platform unavailable, marking channel %s archived locally only", channelID)
	}

	r.mu.Lock()
	if cur, ok := r.channels[channelID]; ok && !cur.Archived {
		cur.Archived = true
		delete(r.sessions, cur.SessionID)
		r.persistLocked(ctx)
	}
	r.mu.Unlock()

	log.Printf("[registry] archived channel %s for session %s", channelID, sessionID)
	return nil
}

// ArchiveBySession archives the session's channel, if it has one.
func (r *Registry) ArchiveBySession(ctx context.Context, sessionID string) error {
	r.mu.RLock()
	id, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return r.Archive(ctx, id)
}

// Get returns a copy of the channel record for an id.
func (r *Registry) Get(channelID string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[channelID]
	if !ok {
		return nil, false
	}
	return ch.clone(), true
}

// BySession returns a copy of the session's non-archived channel, if any.
func (r *Registry) BySession(sessionID string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.sessions[sessionID]
	if !ok {
		return nil, false
	}
	ch, ok := r.channels[id]
	if !ok {
		return nil, false
	}
	return ch.clone(), true
}

// List returns copies of all known channels, archived included, ordered
// by id.
func (r *Registry) List() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// persistLocked writes the full snapshot. Caller holds the write lock.
// A failed write is logged, not fatal: the next mutation rewrites the
// whole document, and losing a snapshot never loses an approval decision.
func (r *Registry) persistLocked(ctx context.Context) {
	snap := &Snapshot{
		Channels:     make([]ChannelEntry, 0, len(r.channels)),
		SessionIndex: make([]IndexEntry, 0, len(r.sessions)),
		SavedAt:      time.Now(),
	}
	for id, ch := range r.channels {
		snap.Channels = append(snap.Channels, ChannelEntry{ID: id, Channel: ch})
	}
	sort.Slice(snap.Channels, func(i, j int) bool { return snap.Channels[i].ID < snap.Channels[j].ID })
	for sid, cid := range r.sessions {
		snap.SessionIndex = append(snap.SessionIndex, IndexEntry{sid, cid})
	}
	sort.Slice(snap.SessionIndex, func(i, j int) bool { return snap.SessionIndex[i][0] < snap.SessionIndex[j][0] })

	if err := r.store.Save(ctx, snap); err != nil {
		log.Printf("[registry] snapshot write failed: %v", err)
	}
}

// shortToken returns an 8-character unique name fragment.
func shortToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

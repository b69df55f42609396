package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/buildnet-io/buildnet/pkg/clock"
	"github.com/buildnet-io/buildnet/pkg/errdefs"
	"github.com/buildnet-io/buildnet/pkg/events"
	"github.com/buildnet-io/buildnet/pkg/ledger"
	"github.com/buildnet-io/buildnet/pkg/log"
	"github.com/buildnet-io/buildnet/pkg/metrics"
	"github.com/buildnet-io/buildnet/pkg/types"
)

// Options tunes session lifecycle limits. Zero values take the documented
// defaults.
type Options struct {
	MaxPerActor      int           // live sessions per actor, default 10
	Timeout          time.Duration // idle time before eviction, default 1h
	CleanupInterval  time.Duration // scanner interval, default 60s
	HistoryLimit     int           // completed activities retained, default 100
	ActivityLogLimit int           // log lines per activity, default 1000
}

// ResourceDirectory answers whether a resource id exists. The registry
// implements it; claims against unknown resources are refused.
type ResourceDirectory interface {
	Get(id string) (*types.Resource, error)
}

// Manager tracks live sessions. It exclusively owns session records; other
// components hold only session ids. Sessions do not survive a daemon restart,
// so the cache is in-memory and the ledger carries the audit trail.
type Manager struct {
	ledger *ledger.Ledger
	bus    *events.Bus
	clk    clock.Clock
	logger zerolog.Logger
	opts   Options

	mu        sync.RWMutex
	sessions  map[string]*types.Session
	resources ResourceDirectory

	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
	unsubscribe []func()
}

// NewManager creates a session manager. Call Start to begin the timeout
// scanner and the forced-removal subscription.
func NewManager(l *ledger.Ledger, bus *events.Bus, clk clock.Clock, opts Options) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	if opts.MaxPerActor <= 0 {
		opts.MaxPerActor = 10
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Hour
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Minute
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 100
	}
	if opts.ActivityLogLimit <= 0 {
		opts.ActivityLogLimit = 1000
	}
	return &Manager{
		ledger:   l,
		bus:      bus,
		clk:      clk,
		logger:   log.WithComponent("sessions"),
		opts:     opts,
		sessions: make(map[string]*types.Session),
		stopCh:   make(chan struct{}),
	}
}

// SetResourceDirectory wires the registry for claim validation
func (m *Manager) SetResourceDirectory(dir ResourceDirectory) {
	m.resources = dir
}

// Start begins the timeout scanner and releases claims when resources are
// forcibly removed.
func (m *Manager) Start() {
	if m.bus != nil {
		ch, unsub := m.bus.Subscribe(events.TypeResourceForcedRemoval)
		m.unsubscribe = append(m.unsubscribe, unsub)
		m.wg.Add(1)
		go m.watchForcedRemovals(ch)
	}

	m.wg.Add(1)
	go m.scanLoop()
	m.logger.Info().Msg("session manager started")
}

// Stop ends the scanner. Live sessions are left for the audit trail to
// explain; a restarted daemon starts with an empty session table.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	for _, unsub := range m.unsubscribe {
		unsub()
	}
	m.wg.Wait()
}

// Create opens a session for an actor, resolving its permissions from the
// actor kind and requested scopes.
func (m *Manager) Create(ctx context.Context, spec types.SessionSpec) (*types.Session, error) {
	if spec.Actor.ID == "" {
		return nil, fmt.Errorf("actor id is required")
	}

	m.mu.Lock()
	active := 0
	for _, s := range m.sessions {
		if s.Actor.ID == spec.Actor.ID {
			active++
		}
	}
	if active >= m.opts.MaxPerActor {
		m.mu.Unlock()
		return nil, fmt.Errorf("actor %s has %d live sessions: %w",
			spec.Actor.ID, active, errdefs.ErrSessionQuotaExceeded)
	}

	now := m.clk.Now()
	session := &types.Session{
		SessionID:      uuid.New().String(),
		Actor:          spec.Actor,
		ActorType:      spec.Actor.Kind,
		ConnectedAt:    now,
		LastActivity:   now,
		ConnectionType: spec.ConnectionType,
		ClientInfo:     spec.ClientInfo,
		Permissions:    resolvePermissions(spec.Actor.Kind, spec.Scopes),
		Scopes:         spec.Scopes,
	}
	m.sessions[session.SessionID] = session
	metrics.SessionsActive.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	if _, err := m.ledger.RecordChange(ctx, ledger.Change{
		EntityType: types.EntitySession,
		EntityID:   session.SessionID,
		NewState:   m.sanitize(session),
		Actor:      spec.Actor,
		Reason:     "session created",
	}); err != nil {
		m.mu.Lock()
		delete(m.sessions, session.SessionID)
		metrics.SessionsActive.Set(float64(len(m.sessions)))
		m.mu.Unlock()
		return nil, err
	}

	m.publish(events.TypeSessionCreated, session, "")
	m.logger.Info().
		Str("session_id", session.SessionID).
		Str("actor_id", spec.Actor.ID).
		Str("connection", string(spec.ConnectionType)).
		Msg("session created")
	return copySession(session), nil
}

// End closes a session with the given reason
func (m *Manager) End(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "ended by request"
	}

	m.mu.Lock()
	session, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session %s: %w", id, errdefs.ErrNotFound)
	}
	if session.CurrentActivity != nil {
		m.closeActivityLocked(session)
	}
	snapshot := copySession(session)
	delete(m.sessions, id)
	metrics.SessionsActive.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	if _, err := m.ledger.RecordChange(ctx, ledger.Change{
		EntityType:    types.EntitySession,
		EntityID:      id,
		PreviousState: m.sanitize(snapshot),
		Actor:         snapshot.Actor,
		Reason:        reason,
	}); err != nil {
		return err
	}

	m.publish(events.TypeSessionEnded, snapshot, reason)
	m.logger.Info().Str("session_id", id).Str("reason", reason).Msg("session ended")
	return nil
}

// Get returns a session by id
func (m *Manager) Get(id string) (*types.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, errdefs.ErrNotFound)
	}
	return copySession(session), nil
}

// ListActive returns all live sessions ordered by connect time
func (m *Manager) ListActive() []*types.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, copySession(s))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// ByActor returns the live sessions belonging to an actor
func (m *Manager) ByActor(actorID string) []*types.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Session
	for _, s := range m.sessions {
		if s.Actor.ID == actorID {
			out = append(out, copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// ByType returns the live sessions for one actor kind
func (m *Manager) ByType(kind types.ActorKind) []*types.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Session
	for _, s := range m.sessions {
		if s.ActorType == kind {
			out = append(out, copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// Touch refreshes a session's last-activity time
func (m *Manager) Touch(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, errdefs.ErrNotFound)
	}
	session.LastActivity = m.clk.Now()
	return nil
}

// StartActivity begins an activity, implicitly ending any running one
func (m *Manager) StartActivity(ctx context.Context, id string, spec types.ActivitySpec) (*types.Activity, error) {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("session %s: %w", id, errdefs.ErrNotFound)
	}
	var ended *types.Activity
	if session.CurrentActivity != nil {
		ended = m.closeActivityLocked(session)
	}
	now := m.clk.Now()
	activity := &types.Activity{
		ActivityID: uuid.New().String(),
		Type:       spec.Type,
		StartedAt:  now,
		Progress:   spec.Progress,
	}
	session.CurrentActivity = activity
	session.LastActivity = now
	actor := session.Actor
	m.mu.Unlock()

	if _, err := m.ledger.RecordChange(ctx, ledger.Change{
		EntityType: types.EntityActivity,
		EntityID:   activity.ActivityID,
		NewState: types.State{
			"session_id":    id,
			"activity_type": spec.Type,
			"started_at":    now.UTC().Format(time.RFC3339Nano),
		},
		Actor:  actor,
		Reason: "activity started",
	}); err != nil {
		return nil, err
	}
	if ended != nil {
		m.recordActivityEnd(ctx, id, actor, ended, "superseded")
	}

	m.publish(events.TypeSessionActivity, mustGet(m, id), "started")
	return copyActivity(activity), nil
}

// UpdateActivityProgress merges a progress delta into the running activity
func (m *Manager) UpdateActivityProgress(id string, delta map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, errdefs.ErrNotFound)
	}
	if session.CurrentActivity == nil {
		return fmt.Errorf("session %s has no running activity: %w", id, errdefs.ErrNotFound)
	}
	if session.CurrentActivity.Progress == nil {
		session.CurrentActivity.Progress = make(map[string]any, len(delta))
	}
	for k, v := range delta {
		session.CurrentActivity.Progress[k] = v
	}
	session.LastActivity = m.clk.Now()
	return nil
}

// AddActivityLog appends one bounded log line to the running activity
func (m *Manager) AddActivityLog(id, level, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("session %s: %w", id, errdefs.ErrNotFound)
	}
	if session.CurrentActivity == nil {
		return fmt.Errorf("session %s has no running activity: %w", id, errdefs.ErrNotFound)
	}
	logs := append(session.CurrentActivity.Logs, types.ActivityLogEntry{
		Time:    m.clk.Now(),
		Level:   level,
		Message: message,
	})
	if len(logs) > m.opts.ActivityLogLimit {
		logs = logs[len(logs)-m.opts.ActivityLogLimit:]
	}
	session.CurrentActivity.Logs = logs
	session.LastActivity = m.clk.Now()
	return nil
}

// EndActivity completes the running activity and files it into history
func (m *Manager) EndActivity(ctx context.Context, id string) error {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session %s: %w", id, errdefs.ErrNotFound)
	}
	if session.CurrentActivity == nil {
		m.mu.Unlock()
		return fmt.Errorf("session %s has no running activity: %w", id, errdefs.ErrNotFound)
	}
	ended := m.closeActivityLocked(session)
	actor := session.Actor
	m.mu.Unlock()

	m.recordActivityEnd(ctx, id, actor, ended, "completed")
	m.publish(events.TypeSessionActivity, mustGet(m, id), "ended")
	return nil
}

// ClaimResource adds a resource to the session's ordered claim set. Claims
// against unknown resources are refused when a directory is wired.
func (m *Manager) ClaimResource(ctx context.Context, id, resourceID string) (bool, error) {
	if m.resources != nil {
		if _, err := m.resources.Get(resourceID); err != nil {
			return false, nil
		}
	}

	m.mu.Lock()
	session, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return false, fmt.Errorf("session %s: %w", id, errdefs.ErrNotFound)
	}
	for _, claimed := range session.ClaimedResources {
		if claimed == resourceID {
			m.mu.Unlock()
			return true, nil
		}
	}
	previous := copySession(session)
	session.ClaimedResources = append(session.ClaimedResources, resourceID)
	session.LastActivity = m.clk.Now()
	updated := copySession(session)
	m.mu.Unlock()

	if _, err := m.ledger.RecordChange(ctx, ledger.Change{
		EntityType:    types.EntitySession,
		EntityID:      id,
		PreviousState: m.sanitize(previous),
		NewState:      m.sanitize(updated),
		Actor:         updated.Actor,
		Reason:        "resource claimed",
	}); err != nil {
		return false, err
	}
	return true, nil
}

// Allowed reports whether the session's resolved permissions grant action on
// resource. Denials are audited as security events; unknown sessions deny
// without an audit entry.
func (m *Manager) Allowed(ctx context.Context, id, resource, action string) bool {
	m.mu.RLock()
	session, ok := m.sessions[id]
	var (
		granted bool
		actor   types.Actor
	)
	if ok {
		granted = permitted(session.Permissions, resource, action)
		actor = session.Actor
	}
	m.mu.RUnlock()
	if !ok {
		return false
	}
	if granted {
		return true
	}

	if _, err := m.ledger.RecordChange(ctx, ledger.Change{
		EntityType: types.EntitySecurity,
		EntityID:   id,
		NewState: types.State{
			"session_id": id,
			"resource":   resource,
			"action":     action,
			"outcome":    "denied",
		},
		Actor:  actor,
		Reason: "permission denied",
	}); err != nil {
		m.logger.Error().Err(err).Str("session_id", id).Msg("failed to record permission denial")
	}
	m.logger.Warn().
		Str("session_id", id).
		Str("resource", resource).
		Str("action", action).
		Msg("permission denied")
	return false
}

// ReleaseResource removes a resource from the session's claim set
func (m *Manager) ReleaseResource(ctx context.Context, id, resourceID string) error {
	m.mu.Lock()
	session, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session %s: %w", id, errdefs.ErrNotFound)
	}
	previous := copySession(session)
	kept := session.ClaimedResources[:0]
	removed := false
	for _, claimed := range session.ClaimedResources {
		if claimed == resourceID {
			removed = true
			continue
		}
		kept = append(kept, claimed)
	}
	session.ClaimedResources = kept
	updated := copySession(session)
	m.mu.Unlock()

	if !removed {
		return nil
	}
	if _, err := m.ledger.RecordChange(ctx, ledger.Change{
		EntityType:    types.EntitySession,
		EntityID:      id,
		PreviousState: m.sanitize(previous),
		NewState:      m.sanitize(updated),
		Actor:         updated.Actor,
		Reason:        "resource released",
	}); err != nil {
		return err
	}
	return nil
}

// ActiveClaims implements registry.ClaimCounter
func (m *Manager) ActiveClaims(resourceID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, session := range m.sessions {
		for _, claimed := range session.ClaimedResources {
			if claimed == resourceID {
				count++
				break
			}
		}
	}
	return count
}

// closeActivityLocked ends the current activity and files it into the bounded
// history ring; callers hold m.mu and record through the ledger afterwards.
func (m *Manager) closeActivityLocked(session *types.Session) *types.Activity {
	activity := session.CurrentActivity
	now := m.clk.Now()
	activity.EndedAt = &now
	session.ActivityHistory = append(session.ActivityHistory, activity)
	if len(session.ActivityHistory) > m.opts.HistoryLimit {
		session.ActivityHistory = session.ActivityHistory[len(session.ActivityHistory)-m.opts.HistoryLimit:]
	}
	session.CurrentActivity = nil
	return copyActivity(activity)
}

func (m *Manager) recordActivityEnd(ctx context.Context, sessionID string, actor types.Actor, activity *types.Activity, reason string) {
	state := types.State{
		"session_id":    sessionID,
		"activity_type": activity.Type,
		"started_at":    activity.StartedAt.UTC().Format(time.RFC3339Nano),
	}
	if _, err := m.ledger.RecordChange(ctx, ledger.Change{
		EntityType:    types.EntityActivity,
		EntityID:      activity.ActivityID,
		PreviousState: state,
		Actor:         actor,
		Reason:        "activity " + reason,
	}); err != nil {
		m.logger.Error().Err(err).Str("activity_id", activity.ActivityID).Msg("failed to record activity end")
	}
}

// scanLoop is the timeout scanner: sessions idle past the timeout are ended
// within one cleanup interval.
func (m *Manager) scanLoop() {
	defer m.wg.Done()
	ticker := m.clk.NewTicker(m.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			m.evictIdle()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) evictIdle() {
	cutoff := m.clk.Now().Add(-m.opts.Timeout)

	m.mu.RLock()
	var idle []string
	for id, session := range m.sessions {
		if session.LastActivity.Before(cutoff) || session.LastActivity.Equal(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.RUnlock()

	ctx := context.Background()
	for _, id := range idle {
		if err := m.End(ctx, id, "timeout"); err != nil && !errdefs.IsNotFound(err) {
			m.logger.Error().Err(err).Str("session_id", id).Msg("failed to evict idle session")
			continue
		}
		metrics.SessionsTimedOut.Inc()
	}
}

// watchForcedRemovals releases claims on resources that were forcibly removed
func (m *Manager) watchForcedRemovals(ch <-chan events.Event) {
	defer m.wg.Done()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			res, ok := ev.Data["resource"].(*types.Resource)
			if !ok {
				continue
			}
			m.releaseAllClaims(res.ID)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) releaseAllClaims(resourceID string) {
	m.mu.RLock()
	var holders []string
	for id, session := range m.sessions {
		for _, claimed := range session.ClaimedResources {
			if claimed == resourceID {
				holders = append(holders, id)
				break
			}
		}
	}
	m.mu.RUnlock()

	ctx := context.Background()
	for _, id := range holders {
		if err := m.ReleaseResource(ctx, id, resourceID); err != nil {
			m.logger.Error().Err(err).
				Str("session_id", id).
				Str("resource_id", resourceID).
				Msg("failed to release stale claim")
		}
	}
	if len(holders) > 0 {
		m.logger.Warn().
			Str("resource_id", resourceID).
			Int("sessions", len(holders)).
			Msg("released stale claims after forced removal")
	}
}

// sanitize renders a session as a ledger state with permissions flattened to
// plain strings
func (m *Manager) sanitize(session *types.Session) types.State {
	state := types.State{
		"session_id":      session.SessionID,
		"actor_id":        session.Actor.ID,
		"actor_type":      string(session.ActorType),
		"connected_at":    session.ConnectedAt.UTC().Format(time.RFC3339Nano),
		"connection_type": string(session.ConnectionType),
		"permissions":     flattenPermissions(session.Permissions),
	}
	if len(session.Scopes) > 0 {
		state["scopes"] = session.Scopes
	}
	if len(session.ClaimedResources) > 0 {
		state["claimed_resources"] = session.ClaimedResources
	}
	return state
}

func (m *Manager) publish(eventType string, session *types.Session, detail string) {
	if m.bus == nil || session == nil {
		return
	}
	data := map[string]any{"session": session}
	if detail != "" {
		data["detail"] = detail
	}
	m.bus.Publish(events.Event{
		Type:   eventType,
		Source: "sessions",
		Data:   data,
	})
}

// mustGet returns a defensive copy for event payloads, nil when already gone
func mustGet(m *Manager, id string) *types.Session {
	session, err := m.Get(id)
	if err != nil {
		return nil
	}
	return session
}

func copySession(s *types.Session) *types.Session {
	out := *s
	if s.Permissions != nil {
		out.Permissions = make(map[string][]string, len(s.Permissions))
		for k, v := range s.Permissions {
			out.Permissions[k] = append([]string(nil), v...)
		}
	}
	out.Scopes = append([]string(nil), s.Scopes...)
	out.ClaimedResources = append([]string(nil), s.ClaimedResources...)
	if s.CurrentActivity != nil {
		out.CurrentActivity = copyActivity(s.CurrentActivity)
	}
	if s.ActivityHistory != nil {
		out.ActivityHistory = make([]*types.Activity, len(s.ActivityHistory))
		for i, a := range s.ActivityHistory {
			out.ActivityHistory[i] = copyActivity(a)
		}
	}
	return &out
}

func copyActivity(a *types.Activity) *types.Activity {
	out := *a
	if a.Progress != nil {
		out.Progress = make(map[string]any, len(a.Progress))
		for k, v := range a.Progress {
			out.Progress[k] = v
		}
	}
	out.Logs = append([]types.ActivityLogEntry(nil), a.Logs...)
	out.Artifacts = append([]string(nil), a.Artifacts...)
	if a.EndedAt != nil {
		ended := *a.EndedAt
		out.EndedAt = &ended
	}
	return &out
}

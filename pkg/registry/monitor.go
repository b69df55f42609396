package registry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/buildnet-io/buildnet/pkg/events"
	"github.com/buildnet-io/buildnet/pkg/metrics"
	"github.com/buildnet-io/buildnet/pkg/types"
)

// handleHeartbeat processes one liveness message from the backend channel.
// A beat for an unhealthy resource inside the grace window restores it to
// online; a beat for an unknown resource is dropped.
func (r *Registry) handleHeartbeat(message []byte) {
	var beat heartbeatMessage
	if err := json.Unmarshal(message, &beat); err != nil {
		r.logger.Warn().Err(err).Msg("malformed heartbeat dropped")
		return
	}
	metrics.HeartbeatsReceived.Inc()

	r.mu.Lock()
	res, ok := r.resources[beat.ResourceID]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug().Str("resource_id", beat.ResourceID).Msg("heartbeat for unknown resource")
		return
	}
	res.LastHeartbeat = beat.Timestamp
	if res.LastHeartbeat.IsZero() {
		res.LastHeartbeat = r.clk.Now()
	}
	wasUnhealthy := res.Status == types.ResourceStatusUnhealthy
	snapshot := copyResource(res)
	r.mu.Unlock()

	// Persist the fresh timestamp so a restarted daemon does not judge
	// liveness from pre-restart data
	if err := r.persist(context.Background(), snapshot); err != nil {
		r.logger.Warn().Err(err).Str("resource_id", snapshot.ID).Msg("failed to persist heartbeat")
	}

	if wasUnhealthy {
		r.recover(snapshot)
	}
}

// recover moves an unhealthy resource back online after a heartbeat
func (r *Registry) recover(res *types.Resource) {
	ctx := context.Background()
	updated := copyResource(res)
	updated.Status = types.ResourceStatusOnline
	if err := r.commit(ctx, res, updated, types.SystemActor(), "heartbeat recovered"); err != nil {
		r.logger.Error().Err(err).Str("resource_id", res.ID).Msg("failed to record recovery")
		return
	}
	r.publishStatus(updated)
	r.logger.Info().Str("resource_id", res.ID).Msg("resource recovered")
}

// monitor is the periodic health scanner: unhealthy after the missed-beat
// window, offline after the hard-eject window.
func (r *Registry) monitor() {
	defer r.wg.Done()
	ticker := r.clk.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			r.scan()
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) scan() {
	now := r.clk.Now()
	unhealthyAfter := time.Duration(r.opts.MissedThreshold) * r.opts.HeartbeatInterval

	type pendingTransition struct {
		previous *types.Resource
		status   types.ResourceStatus
		reason   string
	}
	var transitions []pendingTransition

	r.mu.RLock()
	for _, res := range r.resources {
		if res.Status == types.ResourceStatusOffline {
			continue
		}
		silence := now.Sub(res.LastHeartbeat)
		switch {
		case silence >= r.opts.HardEject:
			transitions = append(transitions, pendingTransition{
				previous: copyResource(res),
				status:   types.ResourceStatusOffline,
				reason:   "heartbeats absent beyond hard-eject window",
			})
		case silence >= unhealthyAfter && res.Status == types.ResourceStatusOnline:
			transitions = append(transitions, pendingTransition{
				previous: copyResource(res),
				status:   types.ResourceStatusUnhealthy,
				reason:   "missed heartbeats",
			})
		}
	}
	r.mu.RUnlock()

	ctx := context.Background()
	for _, t := range transitions {
		updated := copyResource(t.previous)
		updated.Status = t.status
		if err := r.commit(ctx, t.previous, updated, types.SystemActor(), t.reason); err != nil {
			r.logger.Error().Err(err).Str("resource_id", t.previous.ID).Msg("failed to record health transition")
			continue
		}
		r.publishStatus(updated)
		r.logger.Warn().
			Str("resource_id", updated.ID).
			Str("status", string(updated.Status)).
			Msg(t.reason)
	}
}

func (r *Registry) publishStatus(res *types.Resource) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{
		Type:   events.TypeResourceStatus,
		Source: "registry",
		Data: map[string]any{
			"resource": copyResource(res),
			"status":   string(res.Status),
		},
	})
}

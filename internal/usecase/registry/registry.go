package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"agentrelay/internal/domain"
)

// Config holds configuration for the capability registry.
type Config struct {
	HeartbeatInterval time.Duration
	DefaultStrategy   domain.Strategy
}

// capabilityState is per-capability routing state: the set of providers, an
// optional strategy override, and the round-robin cursor.
type capabilityState struct {
	providers map[string]struct{}
	strategy  domain.Strategy
	cursor    atomic.Uint64
}

// Registry maps capability names to provider endpoints and orders candidates
// per strategy. All operations are in-memory; Resolve never blocks.
type Registry struct {
	mu           sync.RWMutex
	endpoints    map[string]*domain.AgentEndpoint
	capabilities map[string]*capabilityState
	bus          domain.EventBus
	config       Config
	logger       *slog.Logger
}

// New creates a capability registry. bus may be nil.
func New(bus domain.EventBus, cfg Config, logger *slog.Logger) *Registry {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.DefaultStrategy == domain.StrategyDefault {
		cfg.DefaultStrategy = domain.StrategyBestMatch
	}
	return &Registry{
		endpoints:    make(map[string]*domain.AgentEndpoint),
		capabilities: make(map[string]*capabilityState),
		bus:          bus,
		config:       cfg,
		logger:       logger,
	}
}

// Register upserts an endpoint declaration. A re-registration replaces the
// capability set, transport and address, resets health to healthy and the
// heartbeat to now, but keeps the accumulated outcome counters so the
// historical success rate survives a reconnect.
func (r *Registry) Register(ctx context.Context, reg domain.Registration) error {
	if reg.ID == "" {
		return domain.NewRouteError("Registry.Register", domain.ErrInvalidEndpoint, "empty agent id")
	}
	for _, c := range reg.Capabilities {
		if c.Name == "" {
			return domain.NewRouteError("Registry.Register", domain.ErrInvalidEndpoint, "capability with empty name")
		}
	}

	r.mu.Lock()
	ep, exists := r.endpoints[reg.ID]
	if exists {
		r.unindexLocked(ep)
		ep.Capabilities = reg.Capabilities
		ep.Transport = reg.Transport
		ep.Address = reg.Address
		ep.Health = domain.HealthHealthy
		ep.LastHeartbeat = time.Now()
	} else {
		ep = &domain.AgentEndpoint{
			ID:            reg.ID,
			Capabilities:  reg.Capabilities,
			Health:        domain.HealthHealthy,
			LastHeartbeat: time.Now(),
			Transport:     reg.Transport,
			Address:       reg.Address,
		}
		r.endpoints[reg.ID] = ep
	}
	r.indexLocked(ep)
	r.mu.Unlock()

	names := make([]string, 0, len(reg.Capabilities))
	for _, c := range reg.Capabilities {
		names = append(names, c.Name)
	}
	r.publish(ctx, domain.EventEndpointRegistered, reg.ID, map[string]string{
		"agent_id":     reg.ID,
		"capabilities": strings.Join(names, ","),
	})
	r.logger.Info("endpoint registered", "agent_id", reg.ID, "capabilities", len(reg.Capabilities), "replaced", exists)
	return nil
}

// Deregister removes an endpoint from the registry and from every capability
// it provides.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	r.mu.Lock()
	ep, exists := r.endpoints[agentID]
	if !exists {
		r.mu.Unlock()
		return domain.NewRouteError("Registry.Deregister", domain.ErrEndpointNotFound, agentID)
	}
	r.unindexLocked(ep)
	delete(r.endpoints, agentID)
	r.mu.Unlock()

	r.publish(ctx, domain.EventEndpointDeregistered, agentID, map[string]string{"agent_id": agentID})
	r.logger.Info("endpoint deregistered", "agent_id", agentID)
	return nil
}

// Get returns a point-in-time snapshot of a single endpoint.
func (r *Registry) Get(_ context.Context, agentID string) (domain.EndpointSnapshot, error) {
	r.mu.RLock()
	ep, ok := r.endpoints[agentID]
	r.mu.RUnlock()

	if !ok {
		return domain.EndpointSnapshot{}, domain.NewRouteError("Registry.Get", domain.ErrEndpointNotFound, agentID)
	}
	return ep.Snapshot(), nil
}

// List returns snapshots of all registered endpoints sorted by agent id.
func (r *Registry) List(_ context.Context) []domain.EndpointSnapshot {
	r.mu.RLock()
	snaps := make([]domain.EndpointSnapshot, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		snaps = append(snaps, ep.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ID < snaps[j].ID })
	return snaps
}

// scoredCandidate pairs a snapshot with the values the strategies sort on,
// captured once so atomic loads don't shift mid-sort.
type scoredCandidate struct {
	snap  domain.EndpointSnapshot
	decl  domain.CapabilityDecl
	score float64
}

// Resolve returns the candidate providers for a capability in strategy
// order, along with the strategy that actually ordered them.
// StrategyDefault falls back to the capability's configured strategy, then
// to the registry default. Unroutable endpoints are excluded; zero routable
// candidates is ErrNoProviders.
func (r *Registry) Resolve(_ context.Context, capability string, strategy domain.Strategy) ([]domain.EndpointSnapshot, domain.Strategy, error) {
	if !strategy.Valid() {
		return nil, strategy, domain.NewRouteError("Registry.Resolve", domain.ErrInvalidStrategy, string(strategy))
	}

	r.mu.RLock()
	state := r.capabilities[capability]
	if strategy == domain.StrategyDefault {
		if state != nil && state.strategy != domain.StrategyDefault {
			strategy = state.strategy
		} else {
			strategy = r.config.DefaultStrategy
		}
	}

	var candidates []scoredCandidate
	if state != nil {
		candidates = make([]scoredCandidate, 0, len(state.providers))
		for id := range state.providers {
			ep := r.endpoints[id]
			domain.Invariant(ep != nil, "capability %q indexes unknown endpoint %q", capability, id)
			if !ep.Health.Routable() {
				continue
			}
			decl, ok := ep.Declares(capability)
			domain.Invariant(ok, "endpoint %q indexed for undeclared capability %q", id, capability)
			candidates = append(candidates, scoredCandidate{snap: ep.Snapshot(), decl: decl})
		}
	}
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, strategy, domain.NewRouteError("Registry.Resolve", domain.ErrNoProviders, capability)
	}

	// Every strategy starts from the id-sorted ring so ordering is
	// deterministic across processes.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].snap.ID < candidates[j].snap.ID })

	switch strategy {
	case domain.StrategyBestMatch:
		for i := range candidates {
			candidates[i].score = float64(candidates[i].decl.Specificity) + successRate(candidates[i].snap)
		}
		sortByScoreDesc(candidates)

	case domain.StrategyRoundRobin:
		if state != nil && len(candidates) > 1 {
			offset := int((state.cursor.Add(1) - 1) % uint64(len(candidates)))
			rotated := make([]scoredCandidate, 0, len(candidates))
			rotated = append(rotated, candidates[offset:]...)
			rotated = append(rotated, candidates[:offset]...)
			candidates = rotated
		}

	case domain.StrategyLeastConnections:
		for i := range candidates {
			candidates[i].score = -float64(candidates[i].snap.Load)
		}
		sortByScoreDesc(candidates)

	case domain.StrategyWeighted:
		for i := range candidates {
			w := candidates[i].decl.Weight
			if w <= 0 {
				w = 1 // undeclared weight counts as 1
			}
			candidates[i].score = float64(w) / float64(1+candidates[i].snap.Load)
		}
		sortByScoreDesc(candidates)

	case domain.StrategyBroadcast:
		// id-sorted ring as-is
	}

	snaps := make([]domain.EndpointSnapshot, len(candidates))
	for i, c := range candidates {
		snaps[i] = c.snap
	}
	return snaps, strategy, nil
}

// sortByScoreDesc orders by descending score, ties broken by ascending agent
// id. The input is already id-sorted, so a stable sort preserves the tie order.
func sortByScoreDesc(candidates []scoredCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
}

func successRate(s domain.EndpointSnapshot) float64 {
	total := s.Successes + s.Failures
	if total == 0 {
		return 1
	}
	return float64(s.Successes) / float64(total)
}

// UpdateHealth sets an endpoint's advertised health and load.
func (r *Registry) UpdateHealth(ctx context.Context, agentID string, status domain.HealthStatus, load int64) error {
	r.mu.Lock()
	ep, ok := r.endpoints[agentID]
	if !ok {
		r.mu.Unlock()
		return domain.NewRouteError("Registry.UpdateHealth", domain.ErrEndpointNotFound, agentID)
	}
	changed := ep.Health != status
	ep.Health = status
	ep.Load.Store(load)
	r.mu.Unlock()

	if changed {
		r.publish(ctx, domain.EventEndpointHealth, agentID, map[string]string{
			"agent_id": agentID,
			"health":   string(status),
		})
		r.logger.Info("endpoint health changed", "agent_id", agentID, "health", string(status))
	}
	return nil
}

// RecordOutcome feeds a delivery outcome into the endpoint's historical
// success rate. Unknown agents are ignored: the endpoint may have
// deregistered while its last delivery was in flight.
func (r *Registry) RecordOutcome(_ context.Context, agentID string, ok bool) {
	r.mu.RLock()
	ep, found := r.endpoints[agentID]
	r.mu.RUnlock()

	if !found {
		return
	}
	if ok {
		ep.Successes.Add(1)
	} else {
		ep.Failures.Add(1)
	}
}

// AddLoad adjusts the in-flight delivery count used by the
// least_connections and weighted strategies.
func (r *Registry) AddLoad(agentID string, delta int64) {
	r.mu.RLock()
	ep, ok := r.endpoints[agentID]
	r.mu.RUnlock()

	if ok {
		ep.Load.Add(delta)
	}
}

// Heartbeat refreshes the last-seen timestamp for an endpoint. An unhealthy
// endpoint that heartbeats again becomes healthy.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	r.mu.Lock()
	ep, ok := r.endpoints[agentID]
	if !ok {
		r.mu.Unlock()
		return domain.NewRouteError("Registry.Heartbeat", domain.ErrEndpointNotFound, agentID)
	}
	ep.LastHeartbeat = time.Now()
	recovered := ep.Health == domain.HealthUnhealthy
	if recovered {
		ep.Health = domain.HealthHealthy
	}
	r.mu.Unlock()

	r.publish(ctx, domain.EventEndpointHeartbeat, agentID, nil)
	if recovered {
		r.publish(ctx, domain.EventEndpointHealth, agentID, map[string]string{
			"agent_id": agentID,
			"health":   string(domain.HealthHealthy),
		})
		r.logger.Info("endpoint recovered", "agent_id", agentID)
	}
	return nil
}

// SetStrategy overrides the routing strategy for one capability.
// StrategyDefault clears the override.
func (r *Registry) SetStrategy(_ context.Context, capability string, strategy domain.Strategy) error {
	if !strategy.Valid() {
		return domain.NewRouteError("Registry.SetStrategy", domain.ErrInvalidStrategy, string(strategy))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	state := r.capabilities[capability]
	if state == nil {
		state = &capabilityState{providers: make(map[string]struct{})}
		r.capabilities[capability] = state
	}
	state.strategy = strategy
	return nil
}

// SweepStale marks endpoints whose heartbeat is older than twice the
// heartbeat interval as unhealthy and returns their ids.
func (r *Registry) SweepStale(ctx context.Context) []string {
	cutoff := time.Now().Add(-2 * r.config.HeartbeatInterval)

	// Collect stale endpoints while holding the lock, publish after releasing.
	var stale []string

	r.mu.Lock()
	for id, ep := range r.endpoints {
		if ep.Health.Routable() && ep.LastHeartbeat.Before(cutoff) {
			ep.Health = domain.HealthUnhealthy
			stale = append(stale, id)
		}
	}
	r.mu.Unlock()

	for _, id := range stale {
		r.logger.Warn("endpoint heartbeat stale", "agent_id", id)
		r.publish(ctx, domain.EventEndpointHealth, id, map[string]string{
			"agent_id": id,
			"health":   string(domain.HealthUnhealthy),
		})
	}
	return stale
}

// Snapshot captures the registry for persistence: endpoints sorted by id
// plus per-capability strategy overrides.
func (r *Registry) Snapshot() domain.RegistrySnapshot {
	r.mu.RLock()
	snap := domain.RegistrySnapshot{
		Endpoints: make([]domain.EndpointSnapshot, 0, len(r.endpoints)),
	}
	for _, ep := range r.endpoints {
		snap.Endpoints = append(snap.Endpoints, ep.Snapshot())
	}
	for name, state := range r.capabilities {
		if state.strategy != domain.StrategyDefault {
			if snap.Strategies == nil {
				snap.Strategies = make(map[string]domain.Strategy)
			}
			snap.Strategies[name] = state.strategy
		}
	}
	r.mu.RUnlock()

	sort.Slice(snap.Endpoints, func(i, j int) bool { return snap.Endpoints[i].ID < snap.Endpoints[j].ID })
	return snap
}

// Restore replaces the registry's contents with a persisted snapshot.
// Round-robin cursors restart from zero.
func (r *Registry) Restore(ctx context.Context, snap domain.RegistrySnapshot) {
	r.mu.Lock()
	r.endpoints = make(map[string]*domain.AgentEndpoint, len(snap.Endpoints))
	r.capabilities = make(map[string]*capabilityState)
	for _, s := range snap.Endpoints {
		ep := s.Restore()
		r.endpoints[ep.ID] = ep
		r.indexLocked(ep)
	}
	for name, strategy := range snap.Strategies {
		state := r.capabilities[name]
		if state == nil {
			state = &capabilityState{providers: make(map[string]struct{})}
			r.capabilities[name] = state
		}
		state.strategy = strategy
	}
	r.mu.Unlock()

	r.publish(ctx, domain.EventSnapshotRestored, "", map[string]string{
		"endpoints": strings.Join(endpointIDs(snap.Endpoints), ","),
	})
	r.logger.Info("registry restored", "endpoints", len(snap.Endpoints))
}

func endpointIDs(snaps []domain.EndpointSnapshot) []string {
	ids := make([]string, len(snaps))
	for i, s := range snaps {
		ids[i] = s.ID
	}
	return ids
}

// indexLocked adds ep to the provider set of every capability it declares.
// Caller holds r.mu.
func (r *Registry) indexLocked(ep *domain.AgentEndpoint) {
	for _, c := range ep.Capabilities {
		state := r.capabilities[c.Name]
		if state == nil {
			state = &capabilityState{providers: make(map[string]struct{})}
			r.capabilities[c.Name] = state
		}
		state.providers[ep.ID] = struct{}{}
	}
}

// unindexLocked removes ep from every capability's provider set. Strategy
// overrides survive even when the provider set empties. Caller holds r.mu.
func (r *Registry) unindexLocked(ep *domain.AgentEndpoint) {
	for _, c := range ep.Capabilities {
		if state := r.capabilities[c.Name]; state != nil {
			delete(state.providers, ep.ID)
		}
	}
}

func (r *Registry) publish(ctx context.Context, eventType domain.EventType, agentID string, detail map[string]string) {
	if r.bus == nil {
		return
	}
	var payload json.RawMessage
	if detail != nil {
		data, err := json.Marshal(detail)
		if err != nil {
			r.logger.Error("failed to marshal event payload", "event", string(eventType), "error", err)
			return
		}
		payload = data
	}
	r.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Target:    agentID,
		Payload:   payload,
	})
}

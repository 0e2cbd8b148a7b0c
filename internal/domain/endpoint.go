package domain

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// HealthStatus represents the advertised health of an agent endpoint.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Routable reports whether an endpoint in this state may receive traffic.
// Degraded endpoints stay eligible; their success rate prices them down.
func (h HealthStatus) Routable() bool {
	return h == HealthHealthy || h == HealthDegraded
}

// CapabilityDecl is one capability as declared by a registering agent.
// Specificity ranks how narrowly the agent serves the capability (higher
// wins under best-match); Weight drives the weighted load-balance strategy.
type CapabilityDecl struct {
	Name        string          `json:"name"`
	Specificity int             `json:"specificity,omitempty"`
	Weight      int             `json:"weight,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// AgentEndpoint is a registered agent: identity, declared capabilities,
// transport coordinates, and live telemetry.
type AgentEndpoint struct {
	ID            string           `json:"id"`
	Capabilities  []CapabilityDecl `json:"capabilities"`
	Health        HealthStatus     `json:"health"`
	Load          atomic.Int64     `json:"-"`
	Successes     atomic.Int64     `json:"-"`
	Failures      atomic.Int64     `json:"-"`
	LastHeartbeat time.Time        `json:"last_heartbeat"`

	// Transport selects the invoker adapter; Address is its dial target.
	// Empty transport means in-process.
	Transport string `json:"transport,omitempty"`
	Address   string `json:"address,omitempty"`
}

// SuccessRate returns the historical delivery success rate in [0,1].
// Endpoints with no recorded outcomes score a neutral 1 so fresh agents are
// not starved under best-match.
func (e *AgentEndpoint) SuccessRate() float64 {
	s := e.Successes.Load()
	f := e.Failures.Load()
	total := s + f
	if total == 0 {
		return 1
	}
	return float64(s) / float64(total)
}

// Declares reports whether the endpoint declares the named capability and
// returns the declaration.
func (e *AgentEndpoint) Declares(capability string) (CapabilityDecl, bool) {
	for _, c := range e.Capabilities {
		if c.Name == capability {
			return c, true
		}
	}
	return CapabilityDecl{}, false
}

// Registration is the declaration an agent submits when joining the relay.
// Telemetry fields are owned by the registry and cannot be declared.
type Registration struct {
	ID           string           `json:"id"`
	Capabilities []CapabilityDecl `json:"capabilities"`
	Transport    string           `json:"transport,omitempty"`
	Address      string           `json:"address,omitempty"`
}

// EndpointSnapshot is the serializable view of an endpoint, used by the
// snapshot store. Atomic counters flatten to plain integers.
type EndpointSnapshot struct {
	ID            string           `json:"id"`
	Capabilities  []CapabilityDecl `json:"capabilities"`
	Health        HealthStatus     `json:"health"`
	Load          int64            `json:"load"`
	Successes     int64            `json:"successes"`
	Failures      int64            `json:"failures"`
	LastHeartbeat time.Time        `json:"last_heartbeat"`
	Transport     string           `json:"transport,omitempty"`
	Address       string           `json:"address,omitempty"`
}

// Declares reports whether the snapshot declares the named capability and
// returns the declaration.
func (s EndpointSnapshot) Declares(capability string) (CapabilityDecl, bool) {
	for _, c := range s.Capabilities {
		if c.Name == capability {
			return c, true
		}
	}
	return CapabilityDecl{}, false
}

// Snapshot flattens the endpoint for persistence.
func (e *AgentEndpoint) Snapshot() EndpointSnapshot {
	return EndpointSnapshot{
		ID:            e.ID,
		Capabilities:  e.Capabilities,
		Health:        e.Health,
		Load:          e.Load.Load(),
		Successes:     e.Successes.Load(),
		Failures:      e.Failures.Load(),
		LastHeartbeat: e.LastHeartbeat,
		Transport:     e.Transport,
		Address:       e.Address,
	}
}

// Restore rebuilds an endpoint from its serialized form.
func (s EndpointSnapshot) Restore() *AgentEndpoint {
	e := &AgentEndpoint{
		ID:            s.ID,
		Capabilities:  s.Capabilities,
		Health:        s.Health,
		LastHeartbeat: s.LastHeartbeat,
		Transport:     s.Transport,
		Address:       s.Address,
	}
	e.Load.Store(s.Load)
	e.Successes.Store(s.Successes)
	e.Failures.Store(s.Failures)
	return e
}

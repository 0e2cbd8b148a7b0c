package domain

// Strategy selects how the registry orders candidate providers for a
// capability. The three load_balance variants are flattened into the same
// enum as best_match and broadcast; the registry treats them uniformly.
type Strategy string

const (
	// StrategyDefault defers to the capability's configured strategy.
	StrategyDefault          Strategy = ""
	StrategyBestMatch        Strategy = "best_match"
	StrategyRoundRobin       Strategy = "round_robin"
	StrategyLeastConnections Strategy = "least_connections"
	StrategyWeighted         Strategy = "weighted"
	StrategyBroadcast        Strategy = "broadcast"
)

// Valid reports whether s names a concrete strategy or the default marker.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyDefault, StrategyBestMatch, StrategyRoundRobin,
		StrategyLeastConnections, StrategyWeighted, StrategyBroadcast:
		return true
	}
	return false
}

// Capability is a routing target class: a named service with the set of
// agents providing it and the strategy used to pick among them.
type Capability struct {
	Name      string   `json:"name"`
	Providers []string `json:"providers"`
	Strategy  Strategy `json:"strategy"`
}

// RegistrySnapshot captures the whole registry for persistence: every
// endpoint plus any per-capability strategy overrides set at runtime.
type RegistrySnapshot struct {
	Endpoints  []EndpointSnapshot  `json:"endpoints"`
	Strategies map[string]Strategy `json:"strategies,omitempty"`
}

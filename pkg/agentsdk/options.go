package agentsdk

import "log/slog"

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets a custom slog.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

// WithFallback sets the handler for messages that match no provided
// capability. Agents that initiate conversations need one to receive the
// replies.
func WithFallback(h Handler) Option {
	return func(a *Agent) { a.fallback = h }
}

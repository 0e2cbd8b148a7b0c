package domain

import "time"

// DeliveryState tracks a (message, target) delivery through its lifecycle.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryInFlight  DeliveryState = "in_flight"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
	DeliveryTimedOut  DeliveryState = "timed_out"
)

// Terminal reports whether the state is final for the attempt series.
func (s DeliveryState) Terminal() bool {
	switch s {
	case DeliveryDelivered, DeliveryFailed, DeliveryTimedOut:
		return true
	}
	return false
}

// DeliveryAttempt records a single dispatch to a target.
type DeliveryAttempt struct {
	MessageID string        `json:"message_id"`
	Target    string        `json:"target"`
	Attempt   int           `json:"attempt"`
	Outcome   DeliveryState `json:"outcome"`
	Timestamp time.Time     `json:"timestamp"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// DeliveryResult is the terminal outcome of a delivery series for one
// (message, target) pair.
type DeliveryResult struct {
	MessageID string            `json:"message_id"`
	Target    string            `json:"target"`
	State     DeliveryState     `json:"state"`
	Attempts  []DeliveryAttempt `json:"attempts,omitempty"`
	Duration  time.Duration     `json:"duration"`
	// Response carries the agent's reply message on success.
	Response *Message `json:"response,omitempty"`
	Err      error    `json:"-"`
}

// AttemptCount returns the number of dispatches actually issued. Short
// circuits (open breaker, suppressed duplicates) issue none.
func (r *DeliveryResult) AttemptCount() int {
	return len(r.Attempts)
}

// DeadLetter is a message the delivery engine gave up on, parked for
// inspection or manual redelivery.
type DeadLetter struct {
	Message   *Message      `json:"message"`
	Target    string        `json:"target"`
	State     DeliveryState `json:"state"`
	Reason    string        `json:"reason"`
	Timestamp time.Time     `json:"timestamp"`
}

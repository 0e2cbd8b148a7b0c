package domain

import "context"

// Invoker is the delivery contract with an agent execution environment.
// Implementations dispatch over a concrete transport; the router never
// learns what runs behind the endpoint.
//
// Invoke blocks until the agent answers, the context expires, or the
// transport fails. A nil reply with nil error means the agent accepted the
// message without answering.
type Invoker interface {
	Invoke(ctx context.Context, endpoint EndpointSnapshot, msg *Message) (*Message, error)
}

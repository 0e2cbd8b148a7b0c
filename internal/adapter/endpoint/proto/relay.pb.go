//go:build grpc_endpoint

// Package proto contains the protocol buffer message types for the agent
// delivery gRPC service.
//
// These types are hand-written Go structs with JSON serialization instead
// of protobuf-generated code. This avoids requiring protoc for building
// while maintaining wire compatibility via gRPC's JSON codec.
//
// To regenerate proper protobuf code from relay.proto:
//   protoc --go_out=. --go-grpc_out=. relay.proto
package proto

// DeliverRequest carries one serialized message envelope to an agent.
type DeliverRequest struct {
	Message []byte `json:"message"`
}

// DeliverResponse is the agent's answer. Reply holds a serialized message
// envelope when the agent answered inline.
type DeliverResponse struct {
	Reply []byte `json:"reply,omitempty"`
	Error string `json:"error,omitempty"`
}

// DescribeRequest asks an agent for its capability declarations.
type DescribeRequest struct{}

// CapabilityDecl mirrors the registration declaration for one capability.
type CapabilityDecl struct {
	Name        string `json:"name"`
	Specificity int    `json:"specificity,omitempty"`
	Weight      int    `json:"weight,omitempty"`
	Schema      []byte `json:"schema,omitempty"`
}

// DescribeResponse lists the agent's declared capabilities.
type DescribeResponse struct {
	AgentId      string            `json:"agent_id"`
	Capabilities []*CapabilityDecl `json:"capabilities,omitempty"`
}

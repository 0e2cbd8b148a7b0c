//go:build !grpc_endpoint

package main

import (
	"log/slog"
	"time"

	"agentrelay/internal/adapter/endpoint"
	"agentrelay/internal/domain"
)

func buildGRPCInvoker(_ time.Duration, _ *slog.Logger) (domain.Invoker, func()) {
	return endpoint.NewNoopInvoker(), func() {}
}

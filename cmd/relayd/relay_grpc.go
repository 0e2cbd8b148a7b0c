//go:build grpc_endpoint

package main

import (
	"log/slog"
	"time"

	"agentrelay/internal/adapter/endpoint"
	"agentrelay/internal/domain"
)

func buildGRPCInvoker(timeout time.Duration, logger *slog.Logger) (domain.Invoker, func()) {
	inv := endpoint.NewGRPCInvoker(timeout, logger)
	return inv, inv.Close
}

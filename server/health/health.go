// Package health exposes the standard gRPC health service for the trusted
// application API.
package health

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/ocram-io/ocramd/server/protocol"
)

const serviceName = protocol.ServiceName

var server = health.NewServer()

// Register adds the health service to srv.
func Register(srv *grpc.Server) {
	grpc_health_v1.RegisterHealthServer(srv, server)
}

// SetServing reports the API and the server as a whole as serving.
func SetServing() {
	server.SetServingStatus(serviceName, grpc_health_v1.HealthCheckResponse_SERVING)
	server.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
}

// SetNotServing reports the API and the server as a whole as not serving.
func SetNotServing() {
	server.SetServingStatus(serviceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	server.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
}

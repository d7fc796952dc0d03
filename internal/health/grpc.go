package health

import (
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServingStatusSetter is satisfied by *health.Server from grpc-go.
type ServingStatusSetter interface {
	SetServingStatus(service string, servingStatus healthpb.HealthCheckResponse_ServingStatus)
}

// GRPCReporter returns a report listener that mirrors the aggregate verdict
// onto the gRPC health service for the given service name ("" is the server
// as a whole).
func GRPCReporter(setter ServingStatusSetter, service string) func(Report) {
	return func(report Report) {
		if setter == nil {
			return
		}
		status := healthpb.HealthCheckResponse_SERVING
		if !report.Healthy() {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		setter.SetServingStatus(service, status)
	}
}

package service

import (
	"context"

	"google.golang.org/grpc/metadata"
)

// tenantHeader is the trusted tenant identity rexec-gateway injects after
// validating the caller's bearer token (internal/proxy.tenantHeader).
// ExecutionServer reads it when it has no auth.Validator of its own;
// BotsServer always reads it. Neither checks which listener or peer the call
// came from.
const tenantHeader = "x-rexec-tenant"

// authHeaderFromContext extracts the "authorization" metadata value a gRPC
// client attached to its call, the server-side mirror of how a client sets
// the header please's remote.go client would via grpc.CallOption metadata.
func authHeaderFromContext(ctx context.Context) string {
	return firstMetadataValue(ctx, "authorization")
}

// trustedTenantFromContext extracts the tenant the gateway already
// authenticated, for rexecd's no-validator deployment mode.
func trustedTenantFromContext(ctx context.Context) string {
	return firstMetadataValue(ctx, tenantHeader)
}

func firstMetadataValue(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get(key)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

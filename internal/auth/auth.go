package auth

import (
	"context"
	"strings"

	"google.golang.org/grpc/metadata"
)

// TokenFromContext extracts the bearer token carried in the gRPC
// metadata key "auth", matching this system's external interface
// contract (a JWT-like HS256 token passed alongside each call rather
// than in a channel-level Authorization header), replacing the
// teacher's HTTP Authenticator/Middleware pair built around net/http
// requests.
func TokenFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get("auth")
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimPrefix(vals[0], "Bearer ")
}

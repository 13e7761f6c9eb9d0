// Package auth authenticates CRM users calling the inbox API.
//
// # Tokens
//
// Users present HS256 JWTs signed with the configured jwt_secret. A token
// carries two required claims:
//
//   - sub: the CRM user id
//   - tenant: the tenant the user acts within
//
// Tokens are issued out of band, typically by the CRM itself, or with the
// "coven-inbox token" command for operators:
//
//	verifier, err := NewJWTVerifier(secret)
//	token, err := verifier.Issue(userID, tenantID, 24*time.Hour)
//	claims, err := verifier.Verify(token)
//
// # HTTP Middleware
//
// HTTPAuthMiddleware reads the token from the Authorization header. Stream
// endpoints may pass it as the access_token query parameter instead. The
// resulting AuthContext is available to handlers through FromContext, and
// every conversation lookup is scoped to its TenantID.
package auth

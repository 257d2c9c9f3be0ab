// Package auth provides bearer-token authentication for triage-gateway.
//
// Tokens are HS256 JWTs signed with auth.jwt_secret. The sub claim is the
// user id; it overrides any user_id supplied in a request body so a caller
// cannot act as someone else. When no secret is configured the middleware is
// a pass-through and requests are anonymous unless they name a user.
//
// Tokens minted with GenerateWithRole(id, RoleAgent, ttl) identify support
// agents; RequireRole(RoleAgent) guards the ticket routes they work from.
//
//	v := auth.NewJWTVerifier([]byte(secret))
//	token, err := v.Generate("user-42", 24*time.Hour)
//	router.Use(auth.Middleware(v))
//
// Handlers read the caller with auth.UserID(ctx).
package auth

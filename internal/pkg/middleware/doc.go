// Package middleware provides HTTP middleware for the evaluation API.
//
// Available middleware:
//   - RateLimiter: per-client token bucket applied to task submission and uploads
//
// Usage:
//
//	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
//	defer rl.Stop()
//	r.With(rl.Middleware).Post("/v1/tasks", handler)
package middleware

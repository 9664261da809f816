// Package server hosts the control-plane API and ingest callback endpoint
// behind a single HTTP server.
//
// The router applies a consistent middleware chain of request IDs, logging,
// metrics, security headers, CORS, rate limiting, and session authentication
// so every handler shares the same protections and instrumentation.
package server

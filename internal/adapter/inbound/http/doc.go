// Package http is the gateway's inbound adapter.
//
// Every connection gets its own protocol server, built from the tenant
// configuration carried in X-ADO-* request headers, so no backend credential
// is ever stored by the gateway.
//
// # Endpoints
//
//	POST /rpc                           stateless request/response exchange
//	GET  /rpc-stream                    persistent session over server-sent events
//	POST /rpc-stream/messages?sessionId client messages for a persistent session
//	GET  /, /config, /health, /ping     service documentation and probes
//	GET  /metrics                       Prometheus exposition
//
// # Admission
//
// Requests pass through middleware in this order:
//
//  1. CORSMiddleware - permissive CORS, preflight answered here
//  2. RequestIDMiddleware - request ID and request-scoped logger
//  3. TracingMiddleware - server span
//  4. MetricsMiddleware - duration and status
//  5. RealIPMiddleware - client identity, proxy headers only when trusted
//  6. RateLimitMiddleware - fixed window per client
//  7. APIKeyMiddleware - X-API-Key on every non-public path
//
// Protocol paths then extract the tenant configuration; a bad header set is
// answered with 400 before any server is built.
//
// # Sessions
//
// A persistent session is registered before its endpoint event is sent and
// is removed when the stream ends, whichever side ends it. Follow-up messages
// wait until the session is connected.
package http

// Package gateway wires the coven-inbox components together and serves them.
//
// # Components
//
// New builds, from one config.Config:
//
//   - the SQLite store (modernc.org/sqlite or mattn/go-sqlite3)
//   - the conversation resolver, event broadcaster and at-most-once notifier
//   - the oracle adapter over an HTTP or Gemini transport
//   - the CRM service and the action executor
//   - the outbound channel sender (WhatsApp Cloud API, or a log-only sender)
//   - the pipeline that ties them together
//   - the provider webhook handler feeding the pipeline
//
// # HTTP Surface
//
// Unauthenticated:
//
//   - GET /health - liveness
//   - GET /health/ready - store reachability
//   - GET|POST <webhook.path> - provider handshake and deliveries
//   - GET <metrics.path> - Prometheus metrics, when enabled
//
// Bearer JWT (see package auth), scoped to the token's tenant:
//
//   - GET /api/conversations
//   - POST /api/conversations - message a phone, creating the conversation if needed
//   - GET /api/conversations/{id}/messages
//   - POST /api/conversations/{id}/messages - human reply
//   - POST /api/conversations/{id}/read
//   - PUT /api/conversations/{id}/ai
//   - GET /api/conversations/{id}/stream - Server-Sent Events
//   - GET /api/conversations/{id}/ws - WebSocket
//
// A conversation belonging to another tenant is reported as not found.
//
// # gRPC
//
// When server.grpc_addr is set, a gRPC server exposes grpc.health.v1 for the
// "coven.inbox" service.
//
// # Shutdown
//
// Shutdown stops the gRPC server, ends realtime streams, stops accepting
// HTTP requests, then drains queued AI work before closing the store.
package gateway

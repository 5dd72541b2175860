// Package connection implements the stream transport layer.
//
// It provides:
//   - Client: a single gorilla/websocket connection with ping/pong keepalive
//     and stale-connection detection
//   - Transport: a reconnecting stream that decodes frames (gzip binary,
//     JSON, combined-stream envelopes) and delivers them serially to one handler
//   - Registry: named connections keyed by stream path, with stop hooks
//
// Reconnection follows an explicit state machine
// (Disconnected, Connecting, Connected, Backoff, Failed) with exponential
// backoff bounded by a maximum delay and a maximum retry count.
package connection

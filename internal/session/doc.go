// Package session keeps authenticated user-data streams alive.
//
// Private streams are keyed by a listen key issued over REST. A Keeper holds
// one listen key per Class and:
//   - opens the registry stream keyed by the listen key
//   - re-issues the key every keepalive interval
//   - moves the stream to the new key when the exchange rotates it
//   - otherwise pings the existing key
//
// Failures are not retried. They are returned to the caller, or on timer
// fire handed to the OnError hook.
package session

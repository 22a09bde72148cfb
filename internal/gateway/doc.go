// Package gateway implements the connection to the trading gateway bridge.
//
// A Connection:
//   - Owns one WebSocket to the bridge and performs the hello handshake
//   - Tracks Disconnected/Connecting/Connected and broadcasts transitions
//   - Reconnects at a fixed interval after unexpected loss
//   - Runs a heartbeat watchdog that forces a reconnect on silence
//   - Multiplexes subscriptions and one-shot requests by request id
//   - Paces outbound commands with a rate limiter
package gateway

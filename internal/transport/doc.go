// Package transport moves opaque signed messages between peers.
//
// Two implementations share the Receiver contract:
//   - Hub: an in-process peer set. Broadcast fans out to every other
//     member concurrently; simulations and tests use it.
//   - WebSocket: binary frames over gorilla/websocket, one read loop per
//     connection.
//
// Neither deduplicates or orders messages. Peers drop duplicates using
// their own history.
package transport

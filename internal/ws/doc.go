// Package ws provides the Socket.IO room relay used by the development
// server.
//
// The package implements:
//   - Hub: the members of one room
//   - HubManager: rooms by name, plus per-client membership
//   - Handler: Engine.IO v4 websocket sessions and Socket.IO event routing
//   - Service: wires the relay to blueprint storage
//
// Supported events:
//   - join-room / leave-room: membership, the argument is the room name
//   - draw-event: one point for a room; stored, then relayed to the other
//     members as blueprint-update
package ws

// Package connection implements the transport layer and Connection Manager.
//
// The Connection Manager:
//   - Owns the single WebSocket session to the messaging service
//   - Drives the Disconnected/Connecting/Connected/Reconnecting/Failed
//     state machine with exponential backoff between attempts
//   - Emits state-change events consumed by the Channel Registry and by
//     status displays
//   - Decodes inbound frames for the Message Dispatcher
package connection

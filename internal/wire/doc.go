// Package wire defines the message types exchanged with the hireloop
// realtime gateway: the event taxonomy, the request/response envelope,
// and the domain payloads carried inside frames.
//
// Conventions:
//   - Outbound requests carry a client-assigned id; the server echoes it
//     in the matching response frame.
//   - Inbound frames without an id are server-pushed events.
//   - Every response body is an Envelope: {success, data?, error?, message?}.
package wire

// Package rpc implements the broker's wire protocol: compact JSON payloads
// with attached signatures, a WebSocket server with middleware handler
// groups, and a matching dialer/client pair.
//
// A payload travels as a four-element array [request_id, method, params, ts]
// under the "req" or "res" key of the envelope, next to a parallel "sig"
// array. Signatures cover the keccak256 digest of the compact array
// encoding, so any party can verify who authorized a message without extra
// framing.
//
// The server side is WebsocketNode: handlers are registered per method,
// optionally inside nested groups that contribute middleware, and every
// response is signed with the node's key. The client side is
// WebsocketDialer (request-id correlation, ping keepalive, unsolicited
// event channel) wrapped by Client, which adds typed calls for the broker
// API defined in api.go.
//
// Failures meant for the caller travel as Error values with a numeric code;
// everything else is reduced to a fallback message so internal detail never
// crosses the wire.
package rpc

// Package realtime is the websocket connection gateway.
//
// A handshake is authenticated before the upgrade, so a rejected client gets
// HTTP 401 and never becomes a connection. Once admitted, a connection is
// registered in the presence registry and its personal room, one goroutine
// reads and dispatches inbound events, and another drains the bounded
// outbound queue with pings and write deadlines.
//
// Failed actions are answered with an error frame on the same connection,
// except access denials, which are dropped without a reply.
package realtime

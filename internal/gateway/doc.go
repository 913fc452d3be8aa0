// Package gateway orchestrates the chat-gateway server components.
//
// # Overview
//
// The gateway package owns every long-lived component and wires them
// together: the store, the presence registry and its optional Redis mirror,
// the room manager and its optional NATS bus, the message relay, the receipt
// coordinator and the websocket gateway.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	if err != nil { ... }
//	err = gw.Run(ctx) // blocks until ctx is canceled
//
// Run listens on server.http_addr, or on a tsnet node when tailscale is
// enabled (:443 with tailnet certificates when tailscale.https is set).
// Shutdown stops the HTTP server, closes every websocket connection, then
// closes the bus, the mirror and the store.
//
// # HTTP API
//
// All /api routes require the same token as the websocket handshake.
//
//	GET  /health                          liveness
//	GET  /health/ready                    store reachability
//	GET  /ws                              websocket upgrade
//	GET  /api/conversations               caller's conversations, newest first
//	POST /api/conversations/{userId}      find or create a direct conversation
//	GET  /api/messages/{conversationId}   history, oldest first (?limit=N, 0 = all)
//	GET  /api/online                      online user ids
//
// Errors are JSON objects of the form {"error": "..."}.
package gateway

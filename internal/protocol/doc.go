// Package protocol defines the JSON frames exchanged over the realtime websocket.
//
// Every frame is {"type": "<kind>", "data": {...}}. Inbound frames decode into
// one of six Event types; outbound frames are built by the constructors in
// outbound.go and are safe to hand to any number of connections.
package protocol

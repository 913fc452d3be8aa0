// Package config handles configuration loading for chat-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML file, or TOML when the file name ends in
// .toml, with environment variable expansion, defaults and validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from CHAT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/chat-gateway/gateway.yaml
//  3. ~/.config/chat-gateway/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${CHAT_JWT_SECRET}"
//
// Unset variables expand to the empty string. The CLI loads a .env file from
// the working directory first, so development secrets can live there.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	realtime:
//	  pong_wait: "60s"
//	  ping_period: "54s"
//	  dedupe_ttl: "2m"
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
//	database:
//	  driver: "sqlite"            # or "mongo"
//	  path: "./data/chat.db"
//	  mongo_uri: "${MONGO_URI}"
//	  mongo_database: "chat"
//
//	auth:
//	  jwt_secret: "${CHAT_JWT_SECRET}"   # at least 32 bytes
//	  cookie_name: "token"
//
//	realtime:
//	  send_buffer: 128
//	  max_frame_bytes: 1048576
//	  allowed_origins: ["https://chat.example.com"]
//
//	presence:
//	  redis:
//	    enabled: true
//	    addr: "localhost:6379"
//	    ttl: "2m"
//
//	cluster:
//	  nats:
//	    enabled: true
//	    url: "nats://localhost:4222"
//	    subject: "chat.rooms"
//
//	logging:
//	  level: "info"    # debug, info, warn, error
//	  format: "text"   # text or json
package config

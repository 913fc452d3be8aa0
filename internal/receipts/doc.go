// Package receipts coordinates read receipts and typing indicators.
//
// Opening a conversation shares the room manager's per-conversation lock
// with the relay, so an unread increment is never applied after the reset
// that should have cleared it.
package receipts

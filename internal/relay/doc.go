// Package relay implements the send-message pipeline.
//
// Record first, then act: the message, the unread increments and the
// conversation's last-message update are one store write, and nothing is
// broadcast until it commits. A failed write leaves no trace in storage or
// on other clients. Sends and opens of one conversation are serialised on
// the room manager's conversation lock so that the "is the recipient looking
// at the room" check and the unread update cannot interleave with a reset.
//
// A client that resends the same tempId within the retry window gets the
// original message back on its own connection instead of a duplicate.
package relay

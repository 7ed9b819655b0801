package realtime

import (
	"encoding/json"
	"fmt"
)

// Terminal stream errors. Each error below ends the affected stream and is
// delivered to every subscriber exactly once. None of these are retried
// internally except `ConnectionFailedError`, which the document store
// recovers from with backoff. See the propagation notes on each type.

// The underlying connection is permanently down and cannot auto-retry.
// Recoverable only by a full resubscribe with backoff at the caller.
type ConnectionFailedError struct {
	Err error
}

func (self *ConnectionFailedError) Error() string {
	return fmt.Sprintf("connection failed: %s", self.Err)
}

func (self *ConnectionFailedError) Unwrap() error {
	return self.Err
}

// The server rejected the subscription itself (malformed filter, bad
// subscription, forbidden resource). Not retryable without changing the
// request.
type ChannelError struct {
	Data json.RawMessage
}

func (self *ChannelError) Error() string {
	if description := errorDescription(self.Data); description != "" {
		return fmt.Sprintf("channel error: %s", description)
	}
	return "channel error"
}

// The server signaled an error as a message. May or may not be retryable
// depending on the payload, which is surfaced as-is.
type MessageError struct {
	Data json.RawMessage
}

func (self *MessageError) Error() string {
	if description := errorDescription(self.Data); description != "" {
		return fmt.Sprintf("message error: %s", description)
	}
	return "message error"
}

// A message payload could not be parsed. Signals a protocol or version
// mismatch rather than transient network trouble. Not retryable.
type MessageParseError struct {
	Err error
}

func (self *MessageParseError) Error() string {
	return fmt.Sprintf("message parse error: %s", self.Err)
}

func (self *MessageParseError) Unwrap() error {
	return self.Err
}

// Server-initiated disconnect (resource deleted, access revoked).
// Authoritative and final. Must not trigger a client-side reconnect.
type DisconnectEventError struct {
	Reason string
}

func (self *DisconnectEventError) Error() string {
	if self.Reason != "" {
		return fmt.Sprintf("server disconnected the channel: %s", self.Reason)
	}
	return "server disconnected the channel"
}

func errorDescription(data json.RawMessage) string {
	var payload struct {
		Description string `json:"description"`
		Message     string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return string(data)
	}
	if payload.Description != "" {
		return payload.Description
	}
	return payload.Message
}

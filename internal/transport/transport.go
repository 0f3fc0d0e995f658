// Package transport defines the normalized inbound/outbound contract every
// chat backend implements (spec §4.1), so the Router and Group Queue never
// know which wire protocol carried a given chat.
package transport

import "context"

// Inbound is one message observed on a transport, normalized to the shape
// the Message Store persists.
type Inbound struct {
	ChatID     string
	MessageID  string
	SenderID   string
	SenderName string
	Content    string
	IsGroup    bool
}

// Metadata describes a chat's identity as observed by a transport,
// independent of any particular message (spec §4.1 metadata callback).
type Metadata struct {
	ChatID      string
	DisplayName string
	Transport   string
	IsGroup     bool
}

// Callbacks is the set of host-provided hooks a Transport invokes as it
// observes activity. The host (not the transport) owns persistence and
// routing, so both callbacks are expected to return quickly.
type Callbacks struct {
	OnInbound  func(Inbound)
	OnMetadata func(Metadata)
}

// Transport is any source producing inbound messages and accepting
// outbound sends (spec §4.1). Implementations are independent collaborators
// selected by name at startup, not by dynamic dispatch inside the host.
type Transport interface {
	// Name identifies the transport, e.g. "telegram".
	Name() string

	// Connect starts the transport's read loop and begins invoking cb.
	// It returns once the transport is ready or has failed to start;
	// ongoing delivery happens on background goroutines until Disconnect.
	Connect(ctx context.Context, cb Callbacks) error

	// Disconnect stops the read loop. Best-effort; errors are logged by
	// the caller, not returned, since shutdown must proceed regardless.
	Disconnect(ctx context.Context)

	// Send delivers text to chatID, retried with backoff by the caller on
	// transport-level failure. At-least-once: a caller that times out
	// waiting for the result must assume the message may have landed.
	Send(ctx context.Context, chatID, text string) error

	// OwnsChatId reports whether chatID belongs to this transport's
	// namespace, so Multi can pick the right Transport for an
	// outbound send without each transport guessing at the others' ids.
	OwnsChatId(chatID string) bool

	// MaxMessageLength is the largest single Send this transport accepts
	// before truncating or rejecting, so the Outbound Splitter (spec
	// §4.7) knows where to cut.
	MaxMessageLength() int
}

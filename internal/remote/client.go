// Package remote defines the capability surface the synchronization core consumes from
// the remote chat service client. Transport, sign-in and wire encoding live behind it.
package remote

import (
	"context"
	"errors"
	"iter"

	"github.com/MarcoPoloResearchLab/chatsync/internal/cache"
)

// ErrClosed reports that the connection to the service has ended for good. No further
// updates will arrive on the Client that returned it.
var ErrClosed = errors.New("remote: connection closed")

// Client is the handshake-negotiated capability interface of the remote service.
type Client interface {
	// Conversations enumerates every conversation of the signed-in account.
	Conversations(ctx context.Context) iter.Seq2[cache.Conversation, error]
	// Messages enumerates the peer's messages newest first, fetching pageSize per round trip.
	Messages(ctx context.Context, peer cache.Peer, pageSize int) iter.Seq2[cache.Message, error]
	// NextUpdate blocks until the service pushes the next update or ctx is done. It
	// returns an error wrapping ErrClosed once the connection is gone.
	NextUpdate(ctx context.Context) (Update, error)
}

// Dialer builds an authenticated Client from previously stored session material.
// A nil session requests a fresh one. The returned material must be persisted.
type Dialer interface {
	Dial(ctx context.Context, session []byte) (Client, []byte, error)
}

// UpdateKind enumerates the pushed update variants.
type UpdateKind string

const (
	// UpdateKindNewMessage carries a freshly received message.
	UpdateKindNewMessage UpdateKind = "new_message"
	// UpdateKindMessageEdited carries the new revision of an existing message.
	UpdateKindMessageEdited UpdateKind = "message_edited"
	// UpdateKindMessageDeleted carries the ids of removed messages.
	UpdateKindMessageDeleted UpdateKind = "message_deleted"
	// UpdateKindUnrecognized marks updates this core does not handle.
	UpdateKindUnrecognized UpdateKind = "unrecognized"
)

// Update is a pushed notification about a message lifecycle event.
type Update struct {
	Kind     UpdateKind
	Peer     cache.Peer
	Message  cache.Message
	Deletion cache.MessageDeletion
	// RawKind keeps the service's own name for unrecognized updates.
	RawKind string
}

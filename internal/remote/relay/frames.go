package relay

import (
	"encoding/json"

	"github.com/MarcoPoloResearchLab/chatsync/internal/cache"
	"github.com/MarcoPoloResearchLab/chatsync/internal/remote"
)

const (
	frameTypeHello   = "hello"
	frameTypeRequest = "request"
	frameTypeReply   = "reply"
	frameTypeUpdate  = "update"

	opConversations = "conversations"
	opMessages      = "messages"
)

// frame is the single envelope exchanged with the relay in both directions.
type frame struct {
	Type          string              `json:"type"`
	ID            string              `json:"id,omitempty"`
	Op            string              `json:"op,omitempty"`
	Session       string              `json:"session,omitempty"`
	Authorized    bool                `json:"authorized,omitempty"`
	Peer          *peerFrame          `json:"peer,omitempty"`
	Limit         int                 `json:"limit,omitempty"`
	OffsetID      int64               `json:"offset_id,omitempty"`
	Conversations []conversationFrame `json:"conversations,omitempty"`
	Messages      []messageFrame      `json:"messages,omitempty"`
	Update        *updateFrame        `json:"update,omitempty"`
	Error         string              `json:"error,omitempty"`
}

type peerFrame struct {
	Kind string `json:"kind"`
	ID   int64  `json:"id"`
}

type conversationFrame struct {
	Peer         peerFrame       `json:"peer"`
	Participant  json.RawMessage `json:"participant"`
	Conversation json.RawMessage `json:"conversation"`
}

type messageFrame struct {
	ID   int64           `json:"id"`
	Data json.RawMessage `json:"data"`
}

type updateFrame struct {
	Kind       string        `json:"kind"`
	Peer       *peerFrame    `json:"peer,omitempty"`
	Message    *messageFrame `json:"message,omitempty"`
	MessageIDs []int64       `json:"message_ids,omitempty"`
}

func newPeerFrame(peer cache.Peer) *peerFrame {
	return &peerFrame{Kind: string(peer.Kind), ID: peer.ID}
}

// peer is not validated here; the cache rejects out-of-range identities on write.
func (p peerFrame) peer() cache.Peer {
	return cache.Peer{Kind: cache.PeerKind(p.Kind), ID: p.ID}
}

func (c conversationFrame) conversation() cache.Conversation {
	return cache.Conversation{
		Participant: cache.Participant{Peer: c.Peer.peer(), Payload: []byte(c.Participant)},
		Payload:     []byte(c.Conversation),
	}
}

func (m messageFrame) message() cache.Message {
	return cache.Message{ID: m.ID, Payload: []byte(m.Data)}
}

func (u updateFrame) update() remote.Update {
	switch remote.UpdateKind(u.Kind) {
	case remote.UpdateKindNewMessage, remote.UpdateKindMessageEdited:
		if u.Peer == nil || u.Message == nil {
			break
		}
		return remote.Update{Kind: remote.UpdateKind(u.Kind), Peer: u.Peer.peer(), Message: u.Message.message()}
	case remote.UpdateKindMessageDeleted:
		deletion := cache.MessageDeletion{MessageIDs: u.MessageIDs}
		if u.Peer != nil {
			peer := u.Peer.peer()
			deletion.Peer = &peer
		}
		return remote.Update{Kind: remote.UpdateKindMessageDeleted, Deletion: deletion}
	}
	return remote.Update{Kind: remote.UpdateKindUnrecognized, RawKind: u.Kind}
}

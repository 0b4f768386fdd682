package cache

import (
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Codec inspects collaborator payloads just enough for the cache to index them.
type Codec interface {
	// ConversationPeer returns the participant referenced by a serialized conversation.
	ConversationPeer(payload []byte) (Peer, error)
	// ValidateParticipant reports whether payload is a decodable participant of kind.
	ValidateParticipant(kind PeerKind, payload []byte) error
}

const (
	jsonPathPeerKind = "peer.kind"
	jsonPathPeerID   = "peer.id"
)

var errUndecodablePayload = errors.New("undecodable payload")

// JSONCodec reads JSON payloads that carry the participant under "peer":{"kind","id"}.
type JSONCodec struct{}

// ConversationPeer extracts the peer reference without decoding the rest of the payload.
func (JSONCodec) ConversationPeer(payload []byte) (Peer, error) {
	if !gjson.ValidBytes(payload) {
		return Peer{}, fmt.Errorf("%w: invalid json", errUndecodablePayload)
	}
	kindResult := gjson.GetBytes(payload, jsonPathPeerKind)
	idResult := gjson.GetBytes(payload, jsonPathPeerID)
	if kindResult.Type != gjson.String || idResult.Type != gjson.Number {
		return Peer{}, fmt.Errorf("%w: missing peer reference", errUndecodablePayload)
	}
	kind, err := ParsePeerKind(kindResult.String())
	if err != nil {
		return Peer{}, err
	}
	return NewPeer(kind, idResult.Int())
}

// ValidateParticipant requires the payload to be a JSON object.
func (JSONCodec) ValidateParticipant(kind PeerKind, payload []byte) error {
	if !gjson.ValidBytes(payload) || !gjson.ParseBytes(payload).IsObject() {
		return fmt.Errorf("%w: %s payload is not a json object", errUndecodablePayload, kind)
	}
	return nil
}

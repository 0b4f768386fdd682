package cache

import (
	"errors"
	"fmt"
	"strings"
)

// PeerKind enumerates the remote participant id spaces.
type PeerKind string

const (
	// PeerKindIndividual identifies a single user.
	PeerKindIndividual PeerKind = "individual"
	// PeerKindGroup identifies a basic group.
	PeerKindGroup PeerKind = "group"
	// PeerKindChannel identifies a broadcast channel or supergroup.
	PeerKindChannel PeerKind = "channel"
)

const (
	maxIndividualID int64 = 1<<40 - 1
	maxGroupID      int64 = 999_999_999_999
	maxChannelID    int64 = 997_852_516_352
	channelOffset   int64 = 1_000_000_000_000
)

// ErrInvalidPeer indicates that a peer kind or native id is outside its documented range.
var ErrInvalidPeer = errors.New("cache: invalid peer")

// ParsePeerKind validates raw input and returns a PeerKind.
func ParsePeerKind(rawInput string) (PeerKind, error) {
	switch kind := PeerKind(strings.ToLower(strings.TrimSpace(rawInput))); kind {
	case PeerKindIndividual, PeerKindGroup, PeerKindChannel:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidPeer, rawInput)
	}
}

// String returns the kind name.
func (kind PeerKind) String() string {
	return string(kind)
}

// Peer references a participant by its native, kind-scoped identifier.
type Peer struct {
	Kind PeerKind
	ID   int64
}

// NewPeer validates the native id against the range of its kind.
func NewPeer(kind PeerKind, id int64) (Peer, error) {
	var low, high int64
	switch kind {
	case PeerKindIndividual:
		low, high = 0, maxIndividualID
	case PeerKindGroup:
		low, high = 1, maxGroupID
	case PeerKindChannel:
		low, high = 1, maxChannelID
	default:
		return Peer{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidPeer, kind)
	}
	if id < low || id > high {
		return Peer{}, fmt.Errorf("%w: %s id %d outside [%d, %d]", ErrInvalidPeer, kind, id, low, high)
	}
	return Peer{Kind: kind, ID: id}, nil
}

// String renders the peer as kind:id.
func (peer Peer) String() string {
	return fmt.Sprintf("%s:%d", peer.Kind, peer.ID)
}

// UnifiedID maps the three overlapping native id spaces into one signed key space:
// individuals keep their id, groups are negated and channels become -(10^12 + id).
// It panics when the peer was not built through NewPeer and is out of range.
func UnifiedID(peer Peer) int64 {
	if _, err := NewPeer(peer.Kind, peer.ID); err != nil {
		panic(err)
	}
	switch peer.Kind {
	case PeerKindIndividual:
		return peer.ID
	case PeerKindGroup:
		return -peer.ID
	default:
		return -(channelOffset + peer.ID)
	}
}

// PeerFromUnifiedID reverses UnifiedID.
func PeerFromUnifiedID(key int64) (Peer, error) {
	switch {
	case key >= 0:
		return NewPeer(PeerKindIndividual, key)
	case key >= -maxGroupID:
		return NewPeer(PeerKindGroup, -key)
	case key <= -(channelOffset + 1):
		return NewPeer(PeerKindChannel, -key-channelOffset)
	default:
		return Peer{}, fmt.Errorf("%w: unified id %d", ErrInvalidPeer, key)
	}
}

package domain

import (
	"strings"

	"github.com/google/uuid"
)

type ParticipantID string
type SessionKey string
type CallID string

const (
	channelPrefix = "peercall:"
	pairPrefix    = channelPrefix + "pair:"
	inboxPrefix   = channelPrefix + "inbox:"

	keySeparator = "|"
)

// NewSessionKey derives the key both sides of a call compute for the same
// unordered pair of participants.
func NewSessionKey(a, b ParticipantID) SessionKey {
	if b < a {
		a, b = b, a
	}
	return SessionKey(string(a) + keySeparator + string(b))
}

// Participants returns the two ids the key was built from, in sorted order.
func (k SessionKey) Participants() (ParticipantID, ParticipantID, bool) {
	a, b, ok := strings.Cut(string(k), keySeparator)
	if !ok || a == "" || b == "" {
		return "", "", false
	}
	return ParticipantID(a), ParticipantID(b), true
}

// Includes reports whether id is one of the two participants of the key.
func (k SessionKey) Includes(id ParticipantID) bool {
	a, b, ok := k.Participants()
	return ok && (a == id || b == id)
}

func (k SessionKey) String() string { return string(k) }

// PairChannel is the signaling channel shared by both participants of a session.
func PairChannel(key SessionKey) string {
	return pairPrefix + string(key)
}

// InboxChannel is the channel on which unsolicited offers for id are published.
func InboxChannel(id ParticipantID) string {
	return inboxPrefix + string(id)
}

// ParseChannel splits a channel name into its kind ("pair" or "inbox") and
// the key or participant id it addresses.
func ParseChannel(channel string) (kind string, target string, ok bool) {
	switch {
	case strings.HasPrefix(channel, pairPrefix):
		return "pair", strings.TrimPrefix(channel, pairPrefix), true
	case strings.HasPrefix(channel, inboxPrefix):
		return "inbox", strings.TrimPrefix(channel, inboxPrefix), true
	default:
		return "", "", false
	}
}

// ChannelPattern matches every channel used by peercall (Redis PSUBSCRIBE syntax).
const ChannelPattern = channelPrefix + "*"

func NewCallID() CallID {
	return CallID(uuid.New().String())
}

func (id CallID) String() string { return string(id) }

func (id ParticipantID) String() string { return string(id) }

package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalingMessage_OfferRoundTrip(t *testing.T) {
	msg := NewOffer("call-1", "alice", "bob", "v=0\r\n", CallMetadata{CallerName: "Alice", CallerAvatar: "https://a/img.png"})

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "offer", raw["kind"])
	assert.Equal(t, "call-1", raw["call_id"])
	assert.Contains(t, raw, "metadata")

	var decoded SignalingMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, *msg, decoded)
}

func TestSignalingMessage_IceCandidateOptionalFields(t *testing.T) {
	mid := "0"
	idx := uint16(1)
	msg := NewIceCandidate("call-1", "alice", "bob", IceCandidate{
		Candidate:     "candidate:1 1 udp 2122260223 10.0.0.1 54321 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded SignalingMessage
	require.NoError(t, json.Unmarshal(data, &decoded))
	p, ok := decoded.Payload.(IceCandidatePayload)
	require.True(t, ok)
	require.NotNil(t, p.Candidate.SDPMid)
	assert.Equal(t, "0", *p.Candidate.SDPMid)
	require.NotNil(t, p.Candidate.SDPMLineIndex)
	assert.Equal(t, uint16(1), *p.Candidate.SDPMLineIndex)
	assert.Nil(t, p.Candidate.UsernameFragment)
}

func TestSignalingMessage_EmptyPayloadKinds(t *testing.T) {
	for _, input := range []string{
		`{"kind":"call_ended","call_id":"c","from":"a","to":"b"}`,
		`{"kind":"call_ended","call_id":"c","from":"a","to":"b","payload":{}}`,
		`{"kind":"call_rejected","call_id":"c","from":"a","to":"b","payload":null}`,
	} {
		var msg SignalingMessage
		require.NoError(t, json.Unmarshal([]byte(input), &msg), input)
		assert.Contains(t, []MessageKind{KindCallEnded, KindCallRejected}, msg.Kind)
	}
}

func TestSignalingMessage_DecodeRejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"unknown kind", `{"kind":"ringing","call_id":"c","from":"a","to":"b"}`},
		{"offer with candidate payload", `{"kind":"offer","call_id":"c","from":"a","to":"b","payload":{"candidate":"x"}}`},
		{"answer with offer description", `{"kind":"answer","call_id":"c","from":"a","to":"b","payload":{"type":"offer","sdp":"v=0"}}`},
		{"offer without payload", `{"kind":"offer","call_id":"c","from":"a","to":"b"}`},
		{"empty sdp", `{"kind":"offer","call_id":"c","from":"a","to":"b","payload":{"type":"offer","sdp":""}}`},
		{"metadata on answer", `{"kind":"answer","call_id":"c","from":"a","to":"b","payload":{"type":"answer","sdp":"v=0"},"metadata":{"caller_name":"x"}}`},
		{"empty candidate", `{"kind":"ice_candidate","call_id":"c","from":"a","to":"b","payload":{"candidate":""}}`},
		{"payload on call_ended", `{"kind":"call_ended","call_id":"c","from":"a","to":"b","payload":{"type":"offer"}}`},
		{"missing call id", `{"kind":"call_ended","from":"a","to":"b"}`},
		{"missing to", `{"kind":"call_ended","call_id":"c","from":"a"}`},
		{"self addressed", `{"kind":"call_ended","call_id":"c","from":"a","to":"a"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg SignalingMessage
			err := json.Unmarshal([]byte(tt.input), &msg)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidMessage)
		})
	}
}

func TestSignalingMessage_MarshalRejectsMismatchedPayload(t *testing.T) {
	msg := &SignalingMessage{Kind: KindOffer, CallID: "c", From: "a", To: "b", Payload: CallEndedPayload{}}
	_, err := json.Marshal(msg)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestSessionKey(t *testing.T) {
	assert.Equal(t, NewSessionKey("alice", "bob"), NewSessionKey("bob", "alice"))
	assert.Equal(t, SessionKey("alice|bob"), NewSessionKey("bob", "alice"))

	a, b, ok := NewSessionKey("zed", "amy").Participants()
	require.True(t, ok)
	assert.Equal(t, ParticipantID("amy"), a)
	assert.Equal(t, ParticipantID("zed"), b)

	assert.True(t, NewSessionKey("amy", "zed").Includes("zed"))
	assert.False(t, NewSessionKey("amy", "zed").Includes("bob"))

	_, _, ok = SessionKey("broken").Participants()
	assert.False(t, ok)
}

func TestParseChannel(t *testing.T) {
	kind, target, ok := ParseChannel(PairChannel(NewSessionKey("a", "b")))
	require.True(t, ok)
	assert.Equal(t, "pair", kind)
	assert.Equal(t, "a|b", target)

	kind, target, ok = ParseChannel(InboxChannel("bob"))
	require.True(t, ok)
	assert.Equal(t, "inbox", kind)
	assert.Equal(t, "bob", target)

	_, _, ok = ParseChannel("other:thing")
	assert.False(t, ok)
}

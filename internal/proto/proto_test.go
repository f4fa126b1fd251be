package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := map[FrameType]Class{
		FrameAuth:      ClassControl,
		FrameAuthAck:   ClassControl,
		FrameOffer:     ClassCall,
		FrameAnswer:    ClassCall,
		FrameReject:    ClassCall,
		FrameEnd:       ClassCall,
		FrameCandidate: ClassCall,
		FrameContent:   ClassContent,
		FrameTyping:    ClassEphemeral,
		FramePresence:  ClassEphemeral,
		FrameType("x"): ClassUnknown,
	}
	for ft, want := range cases {
		assert.Equal(t, want, Classify(ft), "type %s", ft)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not json"))
	require.Error(t, err)

	// A valid envelope without a type is unroutable.
	_, err = Decode([]byte(`{"payload":{}}`))
	require.Error(t, err)
}

func TestCallSignalRoundTrip(t *testing.T) {
	f, err := NewFrame(FrameOffer, CallSignal{
		CallID: "c1", From: "alice", To: "bob", Video: true, SDP: "v=0",
	})
	require.NoError(t, err)

	data, err := f.Encode()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, FrameOffer, decoded.Type)

	sig, err := DecodeCallSignal(decoded)
	require.NoError(t, err)
	assert.Equal(t, "c1", sig.CallID)
	assert.Equal(t, "alice", sig.From)
	assert.True(t, sig.Video)
	assert.Equal(t, "v=0", sig.SDP)
}

func TestCallSignalRequiresCallID(t *testing.T) {
	f, err := NewFrame(FrameEnd, CallSignal{From: "alice"})
	require.NoError(t, err)

	// NewFrame does not police payloads; the decoder does.
	f.Payload = []byte(`{"from":"alice"}`)
	_, err = DecodeCallSignal(f)
	require.Error(t, err)
}

func TestNewContentStampsIdentity(t *testing.T) {
	f, err := NewContent("alice", "bob", "hello")
	require.NoError(t, err)

	c, err := DecodeContent(f)
	require.NoError(t, err)
	assert.NotEmpty(t, c.MessageID)
	assert.Equal(t, "alice", c.From)
	assert.Equal(t, "bob", c.To)
	assert.Equal(t, "hello", c.Body)
	assert.Positive(t, c.SentAt)
}

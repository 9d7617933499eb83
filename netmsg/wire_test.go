package netmsg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	raw, err := EncodeFrame(42, KindVote, []byte("vote body"))
	require.NoError(t, err)

	frame, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, ProtocolVersion, frame.Version)
	assert.Equal(t, uint64(42), frame.ValidatorID)

	env, err := DecodeEnvelope(frame.Inner)
	require.NoError(t, err)
	assert.Equal(t, KindVote, env.Kind)
	assert.Equal(t, []byte("vote body"), env.Body)
}

func TestDecodeFrameMalformed(t *testing.T) {
	_, err := DecodeFrame([]byte{0xff, 0xff, 0xff})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	_, err := DecodeEnvelope([]byte{0xff, 0xff, 0xff})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEveryKindRoundTrips(t *testing.T) {
	kinds := []Kind{KindPropose, KindVote, KindTimeout, KindSyncRequest, KindSyncReply, KindPartialSignature}
	for _, k := range kinds {
		raw, err := EncodeEnvelope(k, []byte("payload"))
		require.NoError(t, err)
		env, err := DecodeEnvelope(raw)
		require.NoError(t, err)
		assert.Equal(t, k, env.Kind)
	}
}

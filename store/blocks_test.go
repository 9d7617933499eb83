package store

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tos-network/dvfcore/consensus/bft"
)

func TestPutGetBlockRoundTrip(t *testing.T) {
	s := OpenMemory()
	defer s.Close()

	chainID := big.NewInt(7)
	b := &bft.Block{
		Round:   3,
		Author:  1,
		QC:      &bft.QC{Round: 2, BlockHash: bft.Digest{0x01}},
		Payload: []byte("sign me"),
	}
	digest, err := PutBlock(s, chainID, b)
	require.NoError(t, err)

	got, ok := GetBlock(s, digest)
	require.True(t, ok)
	assert.Equal(t, b.Round, got.Round)
	assert.Equal(t, b.Author, got.Author)
	assert.Equal(t, b.Payload, got.Payload)
	assert.Equal(t, b.QC.Round, got.QC.Round)
}

func TestGetBlockMissing(t *testing.T) {
	s := OpenMemory()
	defer s.Close()

	_, ok := GetBlock(s, Key{0x42})
	assert.False(t, ok)
}

func TestCommitIndexRoundTrip(t *testing.T) {
	s := OpenMemory()
	defer s.Close()

	assert.Equal(t, uint64(0), CommitIndex(s))
	require.NoError(t, PutCommitIndex(s, 99))
	assert.Equal(t, uint64(99), CommitIndex(s))
}

func TestHighQCRoundTrip(t *testing.T) {
	s := OpenMemory()
	defer s.Close()

	_, ok := HighQC(s)
	assert.False(t, ok)

	qc := &bft.QC{Round: 5, BlockHash: bft.Digest{0x09}}
	require.NoError(t, PutHighQC(s, qc))

	got, ok := HighQC(s)
	require.True(t, ok)
	assert.Equal(t, qc.Round, got.Round)
	assert.Equal(t, qc.BlockHash, got.BlockHash)
}

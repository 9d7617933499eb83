package store

import (
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/tos-network/dvfcore/consensus/bft"
)

// PutBlock persists b's canonical encoding under its own digest, per the
// data model's rule that a Block is immutable and referenced only by
// digest once stored.
func PutBlock(s *Store, chainID *big.Int, b *bft.Block) (Key, error) {
	digest, err := bft.BlockDigest(chainID, b.Round, b.Author, b.QC, b.Payload)
	if err != nil {
		return Key{}, err
	}
	encoded, err := rlp.EncodeToBytes(b)
	if err != nil {
		return Key{}, err
	}
	if err := s.Write(digest, encoded); err != nil {
		return Key{}, err
	}
	return digest, nil
}

// GetBlock decodes the block stored under digest, if present, and reports
// false when the key is missing or its bytes do not decode as a block. As
// a package-level function it does not itself satisfy bft.BlockReader;
// the engine's commit rule walks its in-memory block tree.
func GetBlock(s *Store, digest Key) (*bft.Block, bool) {
	raw, ok := s.Read(digest)
	if !ok {
		return nil, false
	}
	var b bft.Block
	if err := rlp.DecodeBytes(raw, &b); err != nil {
		return nil, false
	}
	return &b, true
}

// PutCommitIndex records the highest committed round under the reserved
// COMMIT_INDEX key, the persisted state the no-double-sign property
// depends on across restarts.
func PutCommitIndex(s *Store, round uint64) error {
	return s.Write(CommitIndexKey, encodeUint64(round))
}

// CommitIndex returns the last persisted commit round, or 0 if none has
// been written yet (a fresh node before its first commit).
func CommitIndex(s *Store) uint64 {
	raw, ok := s.Read(CommitIndexKey)
	if !ok {
		return 0
	}
	return decodeUint64(raw)
}

// PutHighQC records the highest known QC under the reserved HIGH_QC key.
func PutHighQC(s *Store, qc *bft.QC) error {
	encoded, err := rlp.EncodeToBytes(qc)
	if err != nil {
		return err
	}
	return s.Write(HighQCKey, encoded)
}

// HighQC returns the last persisted high QC, if any.
func HighQC(s *Store) (*bft.QC, bool) {
	raw, ok := s.Read(HighQCKey)
	if !ok {
		return nil, false
	}
	var qc bft.QC
	if err := rlp.DecodeBytes(raw, &qc); err != nil {
		return nil, false
	}
	return &qc, true
}

func encodeUint64(v uint64) []byte {
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = byte(v >> (8 * i))
	}
	return out
}

func decodeUint64(raw []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(raw); i++ {
		v |= uint64(raw[i]) << (8 * i)
	}
	return v
}

// Package bft implements a leader-based, chained, QC-driven BFT consensus
// engine ("HotStuff-style") that orders signing requests across the
// operators of a single threshold-signing validator.
package bft

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// OperatorId identifies one cluster operator. Operators are numbered
// densely from the committee definition; the value has no meaning outside
// a single committee.
type OperatorId uint64

// Digest is a 32-byte collision-resistant hash of the canonical encoding of
// whatever it identifies (a Block, a signing request, ...).
type Digest = common.Hash

var (
	ErrInvalidVote        = errors.New("bft: invalid vote")
	ErrInvalidTimeout     = errors.New("bft: invalid timeout")
	ErrEquivocation       = errors.New("bft: equivocation detected")
	ErrInsufficientQuorum = errors.New("bft: insufficient quorum")
	ErrUnknownAuthor      = errors.New("bft: unknown author")
	ErrBadRound           = errors.New("bft: block round does not extend its QC")
	ErrMalformed          = errors.New("bft: malformed message")
	ErrStaleVote          = errors.New("bft: vote round already processed by safety rule")
)

// Vote is cast by a replica for a proposed Block at a given round.
type Vote struct {
	Round     uint64
	BlockHash Digest
	Voter     OperatorId
	Signature []byte
}

// Attestation is one signer's contribution folded into a QC.
type Attestation struct {
	Signer    OperatorId
	Signature []byte
}

// QC (quorum certificate) proves that at least 2f+1 distinct operators
// voted for the same block at the same round.
type QC struct {
	Round        uint64
	BlockHash    Digest
	Attestations []Attestation
}

// Timeout is broadcast by a replica whose round timer expired before a QC
// formed; HighQC is the highest QC the replica knows of at the time.
type Timeout struct {
	Round     uint64
	HighQC    *QC
	Author    OperatorId
	Signature []byte
}

// TC (timeout certificate) proves that at least 2f+1 distinct operators
// timed out the same round. HighQC is the maximum high_qc among the
// witnesses, which is what the next leader must extend.
type TC struct {
	Round     uint64
	Witnesses []Timeout
	HighQC    *QC
}

// Block is one proposal in the chained HotStuff log. Its parent is
// resolved by digest lookup through qc.BlockHash, never by pointer.
type Block struct {
	Round     uint64
	Author    OperatorId
	QC        *QC
	Payload   []byte
	Signature []byte
}

// GenesisBlock is the hard-coded round-0 block every honest node agrees on
// byte-for-byte. It carries an empty QC (round 0 has no predecessor).
func GenesisBlock() *Block {
	return &Block{
		Round:   0,
		Author:  0,
		QC:      &QC{Round: 0, BlockHash: Digest{}},
		Payload: nil,
	}
}

// RequiredQuorumWeight returns the minimum vote/timeout count for a 2f+1
// quorum out of n equally-weighted operators, with f = floor((n-1)/3)
// per spec.md §4.4. Note this is 2*((n-1)/3)+1, not (2*n)/3+1 — the two
// only coincide when n ≡ 1 (mod 3); for n=5 the correct quorum is 3, not 4.
func RequiredQuorumWeight(n int) int {
	if n == 0 {
		return 1
	}
	f := (n - 1) / 3
	return 2*f + 1
}

// Verify performs structural validation of a QC: enough distinct signers,
// no duplicate signer entries. Signature verification against the
// committee's consensus keys is the caller's responsibility (see
// VerifyQCAttestations in codec.go), since it requires the committee
// definition.
func (qc *QC) Verify(n int) error {
	if qc == nil {
		return ErrInsufficientQuorum
	}
	if len(qc.Attestations) < RequiredQuorumWeight(n) {
		return ErrInsufficientQuorum
	}
	seen := make(map[OperatorId]struct{}, len(qc.Attestations))
	for _, a := range qc.Attestations {
		if len(a.Signature) == 0 {
			return ErrInvalidVote
		}
		if _, dup := seen[a.Signer]; dup {
			return ErrInvalidVote
		}
		seen[a.Signer] = struct{}{}
	}
	return nil
}

// Verify performs structural validation of a TC.
func (tc *TC) Verify(n int) error {
	if tc == nil {
		return ErrInsufficientQuorum
	}
	if len(tc.Witnesses) < RequiredQuorumWeight(n) {
		return ErrInsufficientQuorum
	}
	seen := make(map[OperatorId]struct{}, len(tc.Witnesses))
	for _, w := range tc.Witnesses {
		if w.Round != tc.Round {
			return ErrBadRound
		}
		if _, dup := seen[w.Author]; dup {
			return ErrInvalidTimeout
		}
		seen[w.Author] = struct{}{}
	}
	return nil
}

// HighestHighQC returns the maximum-round high_qc among a TC's witnesses,
// the QC the next leader must extend.
func (tc *TC) HighestHighQC() *QC {
	var best *QC
	for i := range tc.Witnesses {
		qc := tc.Witnesses[i].HighQC
		if qc == nil {
			continue
		}
		if best == nil || qc.Round > best.Round {
			best = qc
		}
	}
	return best
}

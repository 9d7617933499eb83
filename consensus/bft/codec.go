package bft

import (
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

var errInvalidSignature = errors.New("bft: invalid consensus signature")

// ConsensusKeyResolver maps an operator to the secp256k1 address its
// consensus key recovers to. config.CommitteeDefinition is the concrete
// implementation; bft only depends on this narrow interface to avoid an
// import cycle between consensus membership and consensus logic.
type ConsensusKeyResolver interface {
	ConsensusAddress(OperatorId) (common.Address, bool)
}

// blockDigest hashes the fields of a block that a vote commits to. The
// signature itself is excluded, and the QC is referenced by its own digest
// rather than inlined, mirroring how the teacher's voteDigestTOSv1 commits
// to (height, round, blockHash) rather than the full vote.
func blockDigest(chainID *big.Int, round uint64, author OperatorId, qc *QC, payload []byte) (Digest, error) {
	var qcHash Digest
	if qc != nil {
		h, err := qcDigest(qc)
		if err != nil {
			return Digest{}, err
		}
		qcHash = h
	}
	encoded, err := rlp.EncodeToBytes([]interface{}{
		"dvfcore-bft-block-v1",
		chainIDOrZero(chainID),
		round,
		uint64(author),
		qcHash,
		payload,
	})
	if err != nil {
		return Digest{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

func qcDigest(qc *QC) (Digest, error) {
	encoded, err := rlp.EncodeToBytes([]interface{}{qc.Round, qc.BlockHash})
	if err != nil {
		return Digest{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

func voteDigest(chainID *big.Int, round uint64, blockHash Digest) (Digest, error) {
	encoded, err := rlp.EncodeToBytes([]interface{}{
		"dvfcore-bft-vote-v1",
		chainIDOrZero(chainID),
		round,
		blockHash,
	})
	if err != nil {
		return Digest{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

func timeoutDigest(chainID *big.Int, round uint64, highQCRound uint64) (Digest, error) {
	encoded, err := rlp.EncodeToBytes([]interface{}{
		"dvfcore-bft-timeout-v1",
		chainIDOrZero(chainID),
		round,
		highQCRound,
	})
	if err != nil {
		return Digest{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

func chainIDOrZero(chainID *big.Int) *big.Int {
	if chainID == nil {
		return big.NewInt(0)
	}
	return chainID
}

func recoverSignerAddress(digest Digest, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, errInvalidSignature
	}
	sig := append([]byte(nil), signature...)
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil && sig[64] >= 27 {
		sig[64] -= 27
		pub, err = crypto.SigToPub(digest.Bytes(), sig)
	}
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignVote produces the consensus-key signature over the vote's digest.
func SignVote(priv *ecdsa.PrivateKey, chainID *big.Int, round uint64, blockHash Digest) ([]byte, error) {
	digest, err := voteDigest(chainID, round, blockHash)
	if err != nil {
		return nil, err
	}
	return crypto.Sign(digest.Bytes(), priv)
}

// SignTimeout produces the consensus-key signature over a round's timeout
// digest, extending highQC.
func SignTimeout(priv *ecdsa.PrivateKey, chainID *big.Int, round uint64, highQC *QC) ([]byte, error) {
	var highRound uint64
	if highQC != nil {
		highRound = highQC.Round
	}
	digest, err := timeoutDigest(chainID, round, highRound)
	if err != nil {
		return nil, err
	}
	return crypto.Sign(digest.Bytes(), priv)
}

// SignBlock produces the consensus-key signature over a proposal's digest.
func SignBlock(priv *ecdsa.PrivateKey, chainID *big.Int, b *Block) ([]byte, error) {
	digest, err := blockDigest(chainID, b.Round, b.Author, b.QC, b.Payload)
	if err != nil {
		return nil, err
	}
	return crypto.Sign(digest.Bytes(), priv)
}

// VerifyVoteSignature checks that Vote.Signature recovers to the address
// the committee has on file for Vote.Voter.
func VerifyVoteSignature(resolver ConsensusKeyResolver, chainID *big.Int, v Vote) error {
	want, ok := resolver.ConsensusAddress(v.Voter)
	if !ok {
		return ErrUnknownAuthor
	}
	digest, err := voteDigest(chainID, v.Round, v.BlockHash)
	if err != nil {
		return err
	}
	got, err := recoverSignerAddress(digest, v.Signature)
	if err != nil {
		return err
	}
	if got != want {
		return errInvalidSignature
	}
	return nil
}

// VerifyQCAttestations checks structural validity and every attestation's
// signature against the committee's consensus keys.
func VerifyQCAttestations(resolver ConsensusKeyResolver, chainID *big.Int, n int, qc *QC) error {
	if err := qc.Verify(n); err != nil {
		return err
	}
	for _, a := range qc.Attestations {
		v := Vote{Round: qc.Round, BlockHash: qc.BlockHash, Voter: a.Signer, Signature: a.Signature}
		if err := VerifyVoteSignature(resolver, chainID, v); err != nil {
			return err
		}
	}
	return nil
}

// VerifyTimeoutSignature checks a single Timeout's consensus signature.
func VerifyTimeoutSignature(resolver ConsensusKeyResolver, chainID *big.Int, t Timeout) error {
	want, ok := resolver.ConsensusAddress(t.Author)
	if !ok {
		return ErrUnknownAuthor
	}
	var highRound uint64
	if t.HighQC != nil {
		highRound = t.HighQC.Round
	}
	digest, err := timeoutDigest(chainID, t.Round, highRound)
	if err != nil {
		return err
	}
	got, err := recoverSignerAddress(digest, t.Signature)
	if err != nil {
		return err
	}
	if got != want {
		return errInvalidSignature
	}
	return nil
}

// VerifyTCWitnesses checks structural validity and every witness's
// timeout signature against the committee's consensus keys.
func VerifyTCWitnesses(resolver ConsensusKeyResolver, chainID *big.Int, n int, tc *TC) error {
	if err := tc.Verify(n); err != nil {
		return err
	}
	for _, w := range tc.Witnesses {
		if err := VerifyTimeoutSignature(resolver, chainID, w); err != nil {
			return err
		}
	}
	return nil
}

// BlockDigest exposes blockDigest for callers outside the package that
// need to hash a proposal before signing or verifying it (blocksync,
// store).
func BlockDigest(chainID *big.Int, round uint64, author OperatorId, qc *QC, payload []byte) (Digest, error) {
	return blockDigest(chainID, round, author, qc, payload)
}

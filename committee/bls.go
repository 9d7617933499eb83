package committee

import (
	"crypto/rand"
	"errors"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	blst "github.com/supranational/blst/bindings/go"
	"github.com/tos-network/dvfcore/consensus/bft"
)

// blsPrivateKeyLen, blsPubkeyLen and blsSignatureLen are the fixed sizes of
// the BLS12-381 values this package exchanges, adapted from the teacher's
// accountsigner signer-type table (trimmed to the one curve this domain
// needs).
const (
	blsPrivateKeyLen = 32
	blsPubkeyLen     = 48
	blsSignatureLen  = 96
)

// blsSignDst is the domain separation tag for BLS signatures over request
// fingerprints, mirroring the teacher's per-purpose DST convention.
var blsSignDst = []byte("DVFCORE_BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_")

var (
	ErrInvalidShare     = errors.New("committee: invalid BLS share bytes")
	ErrInvalidPubkey    = errors.New("committee: invalid BLS public key bytes")
	ErrInvalidPrivkey   = errors.New("committee: invalid BLS private key bytes")
	ErrEmptyAggregate   = errors.New("committee: cannot aggregate zero elements")
	ErrThresholdInvalid = errors.New("committee: threshold must be in [1, n]")
	ErrDuplicateShareID = errors.New("committee: duplicate operator id in share set")
	ErrZeroOperatorID   = errors.New("committee: operator id 0 cannot hold more than one of several Shamir shares")
)

// frOrder is the order r of the BLS12-381 scalar field. Shamir polynomial
// coefficients, share evaluations, and Lagrange coefficients all live in
// Z_r; this is the modulus every big.Int computation below reduces against.
var frOrder, _ = new(big.Int).SetString(
	"52435875175126190479447740508185965837690552500527637822603658699938581184513", 10)

// PublicShare is a compressed BLS12-381 G1 public key.
type PublicShare [blsPubkeyLen]byte

// Share is a compressed BLS12-381 G2 signature, i.e. one operator's partial
// signature over a fingerprint.
type Share [blsSignatureLen]byte

func blsSecretKeyFromBytes(priv []byte) (*blst.SecretKey, error) {
	if len(priv) != blsPrivateKeyLen {
		return nil, ErrInvalidPrivkey
	}
	sk := new(blst.SecretKey).Deserialize(priv)
	if sk == nil || !sk.Valid() {
		return nil, ErrInvalidPrivkey
	}
	return sk, nil
}

// GenerateBLSPrivateKey derives a fresh BLS12-381 secret key from r.
func GenerateBLSPrivateKey(r io.Reader) ([]byte, error) {
	ikm := make([]byte, blsPrivateKeyLen)
	if _, err := io.ReadFull(r, ikm); err != nil {
		return nil, err
	}
	sk := blst.KeyGen(ikm)
	if sk == nil {
		return nil, ErrInvalidPrivkey
	}
	out := append([]byte(nil), sk.Serialize()...)
	sk.Zeroize()
	return out, nil
}

// PublicShareFromPrivate derives the compressed public share for priv.
func PublicShareFromPrivate(priv []byte) (PublicShare, error) {
	sk, err := blsSecretKeyFromBytes(priv)
	if err != nil {
		return PublicShare{}, err
	}
	var out PublicShare
	copy(out[:], new(blst.P1Affine).From(sk).Compress())
	return out, nil
}

// SignShare produces this operator's partial signature over fp.
func SignShare(priv []byte, fp common.Hash) (Share, error) {
	sk, err := blsSecretKeyFromBytes(priv)
	if err != nil {
		return Share{}, err
	}
	var out Share
	copy(out[:], new(blst.P2Affine).Sign(sk, fp[:], blsSignDst).Compress())
	return out, nil
}

// VerifyShare checks that share is a valid BLS signature over fp under pub.
func VerifyShare(pub PublicShare, share Share, fp common.Hash) bool {
	var sig blst.P2Affine
	return sig.VerifyCompressed(share[:], true, pub[:], true, fp[:], blsSignDst)
}

// AggregatePublicShares fast-aggregates compressed public keys into their
// plain sum. This is the n-of-n BLS aggregate used nowhere in the
// threshold-signing path below; it exists for cross-checking that
// combination math against independent keys (see bls_test.go), not for
// deriving a committee's validator public key, which is always a
// GenerateThresholdShares master key instead.
func AggregatePublicShares(pubs []PublicShare) (PublicShare, error) {
	if len(pubs) == 0 {
		return PublicShare{}, ErrEmptyAggregate
	}
	raw := make([][]byte, len(pubs))
	for i, p := range pubs {
		b := p
		raw[i] = b[:]
	}
	agg := new(blst.P1Aggregate)
	if !agg.AggregateCompressed(raw, true) {
		return PublicShare{}, ErrInvalidPubkey
	}
	affine := agg.ToAffine()
	if affine == nil || !affine.KeyValidate() {
		return PublicShare{}, ErrInvalidPubkey
	}
	var out PublicShare
	copy(out[:], affine.Compress())
	return out, nil
}

// CombineShares reconstructs the validator's threshold signature from ≥ t
// Shamir partials on the same fingerprint, keyed by the operator id each
// share belongs to. The caller must have already verified each share
// individually against its operator's public share; this step only
// Lagrange-weights, sums, and range-checks the result.
//
// Each share is sig_i = H(m)^{f(x_i)} for the dealer's degree-(t-1)
// polynomial f, so Σ_{i∈S} λ_i(0)·sig_i = H(m)^{Σ λ_i(0)·f(x_i)} =
// H(m)^{f(0)}, the single signature under the master key g1^{f(0)} —
// regardless of which size-≥t subset S of operators contributed,
// unlike a plain (unweighted) fast-aggregate sum which only reconstructs
// f(0) when S is every share ever issued.
func CombineShares(shares map[bft.OperatorId]Share) ([]byte, error) {
	if len(shares) == 0 {
		return nil, ErrEmptyAggregate
	}
	ids := make([]bft.OperatorId, 0, len(shares))
	for id := range shares {
		ids = append(ids, id)
	}

	weighted := make([][]byte, 0, len(shares))
	for id, s := range shares {
		point, err := uncompressG2(s[:])
		if err != nil {
			return nil, err
		}
		lambda := lagrangeCoefficientAtZero(ids, id)
		scaled, err := scalarMultG2(point, lambda)
		if err != nil {
			return nil, err
		}
		weighted = append(weighted, scaled.Compress())
	}

	agg := new(blst.P2Aggregate)
	if !agg.AggregateCompressed(weighted, false) {
		return nil, ErrInvalidShare
	}
	affine := agg.ToAffine()
	if affine == nil || !affine.SigValidate(false) {
		return nil, ErrInvalidShare
	}
	return affine.Compress(), nil
}

// GenerateThresholdShares runs a trusted dealer for a (threshold, len(ids))
// Shamir-shared BLS12-381 key pair: it samples a random degree-(threshold-1)
// polynomial f over Z_r whose constant term f(0) is the validator's master
// secret, evaluates f once per operator id to produce that operator's
// share, and returns the master public key g1^{f(0)} alongside the raw
// 32-byte share bytes (the same serialization GenerateBLSPrivateKey and
// blsSecretKeyFromBytes use, so a share is a drop-in LocalOperator key).
// No example in this corpus ships a DKG/VSS library, so the polynomial and
// Lagrange arithmetic are hand-rolled over math/big; only the underlying
// scalar and group operations come from blst.
func GenerateThresholdShares(r io.Reader, ids []bft.OperatorId, threshold int) (PublicShare, map[bft.OperatorId][]byte, error) {
	if threshold <= 0 || threshold > len(ids) {
		return PublicShare{}, nil, ErrThresholdInvalid
	}
	seen := make(map[bft.OperatorId]struct{}, len(ids))
	zeroCount := 0
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			return PublicShare{}, nil, ErrDuplicateShareID
		}
		seen[id] = struct{}{}
		if id == 0 {
			zeroCount++
		}
	}
	if zeroCount > 0 && len(ids) > 1 {
		return PublicShare{}, nil, ErrZeroOperatorID
	}

	coeffs := make([]*big.Int, threshold)
	for i := range coeffs {
		c, err := rand.Int(r, frOrder)
		if err != nil {
			return PublicShare{}, nil, err
		}
		coeffs[i] = c
	}

	masterPriv := make([]byte, blsPrivateKeyLen)
	coeffs[0].FillBytes(masterPriv)
	masterPub, err := PublicShareFromPrivate(masterPriv)
	if err != nil {
		return PublicShare{}, nil, err
	}

	out := make(map[bft.OperatorId][]byte, len(ids))
	for _, id := range ids {
		x := new(big.Int).SetUint64(uint64(id))
		y := evalPolynomial(coeffs, x)
		share := make([]byte, blsPrivateKeyLen)
		y.FillBytes(share)
		out[id] = share
	}
	return masterPub, out, nil
}

// evalPolynomial computes f(x) mod r via Horner's method, coeffs ordered
// lowest-degree first (coeffs[0] is f's constant term).
func evalPolynomial(coeffs []*big.Int, x *big.Int) *big.Int {
	acc := new(big.Int)
	for i := len(coeffs) - 1; i >= 0; i-- {
		acc.Mul(acc, x)
		acc.Add(acc, coeffs[i])
		acc.Mod(acc, frOrder)
	}
	return acc
}

// lagrangeCoefficientAtZero returns λ_self(0) = Π_{j≠self} x_j/(x_j - x_self)
// mod r for the point set ids, the weight self's share contributes toward
// reconstructing f(0) from this particular subset.
func lagrangeCoefficientAtZero(ids []bft.OperatorId, self bft.OperatorId) *big.Int {
	num := big.NewInt(1)
	den := big.NewInt(1)
	xi := new(big.Int).SetUint64(uint64(self))
	for _, id := range ids {
		if id == self {
			continue
		}
		xj := new(big.Int).SetUint64(uint64(id))

		num.Mul(num, xj)
		num.Mod(num, frOrder)

		diff := new(big.Int).Sub(xj, xi)
		diff.Mod(diff, frOrder)
		den.Mul(den, diff)
		den.Mod(den, frOrder)
	}
	den.ModInverse(den, frOrder)
	return num.Mul(num, den).Mod(num, frOrder)
}

// uncompressG2 decodes a compressed G2 point, rejecting anything that
// fails the curve/subgroup check blst's VerifyCompressed would otherwise
// have caught at signature-verification time.
func uncompressG2(compressed []byte) (*blst.P2Affine, error) {
	p := new(blst.P2Affine).Uncompress(compressed)
	if p == nil || !p.SigValidate(false) {
		return nil, ErrInvalidShare
	}
	return p, nil
}

// scalarMultG2 computes scalar·point via double-and-add over the G2
// Jacobian group (Aggregate sums points with equal weight; this weights
// one share before handing it to that sum). scalar is a Lagrange
// coefficient, which is never zero for the distinct, nonzero operator ids
// GenerateThresholdShares assigns; a zero coefficient here indicates a
// malformed operator id set rather than a value to special-case.
func scalarMultG2(point *blst.P2Affine, scalar *big.Int) (*blst.P2Affine, error) {
	scalar = new(big.Int).Mod(scalar, frOrder)
	if scalar.Sign() == 0 {
		return nil, ErrZeroOperatorID
	}
	base := new(blst.P2)
	base.FromAffine(point)
	acc := new(blst.P2)
	acc.FromAffine(point)
	for i := scalar.BitLen() - 2; i >= 0; i-- {
		acc.AddAssign(acc)
		if scalar.Bit(i) == 1 {
			acc.AddAssign(base)
		}
	}
	return acc.ToAffine(), nil
}

// VerifyAggregate checks a combined signature against the validator's
// aggregate public key, the final soundness check before returning a
// signed result to the caller.
func VerifyAggregate(validatorPub PublicShare, signature []byte, fp common.Hash) bool {
	if len(signature) != blsSignatureLen {
		return false
	}
	var sig blst.P2Affine
	return sig.VerifyCompressed(signature, true, validatorPub[:], true, fp[:], blsSignDst)
}

package netmsg

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/tos-network/dvfcore/committee"
	"github.com/tos-network/dvfcore/consensus/bft"
)

// PartialSignature is the wire body for KindPartialSignature: one
// operator's share over a fingerprint, multicast once its message commits.
type PartialSignature struct {
	Fingerprint common.Hash
	Operator    bft.OperatorId
	Share       [96]byte
}

// PartialTransport adapts a PeerSet into signer.PartialBroadcaster,
// multicasting this node's share to every other committee member.
type PartialTransport struct {
	peers     *PeerSet
	self      bft.OperatorId
	committee Committee
}

// NewPartialTransport builds the DVF Signer's network-facing side.
func NewPartialTransport(peers *PeerSet, self bft.OperatorId, committee Committee) *PartialTransport {
	return &PartialTransport{peers: peers, self: self, committee: committee}
}

func (t *PartialTransport) BroadcastPartial(fp common.Hash, share committee.Share) error {
	body, err := rlp.EncodeToBytes(&PartialSignature{Fingerprint: fp, Operator: t.self, Share: share})
	if err != nil {
		return err
	}
	ops := toUint64s(t.committee.Operators())
	if err := t.peers.Broadcast(ops, KindPartialSignature, body); err != nil {
		return err
	}
	t.peers.Flush(ops)
	return nil
}

// DecodePartialSignature decodes an Envelope body known to carry
// KindPartialSignature.
func DecodePartialSignature(env *Envelope) (*PartialSignature, error) {
	var p PartialSignature
	if err := rlp.DecodeBytes(env.Body, &p); err != nil {
		return nil, bft.ErrMalformed
	}
	return &p, nil
}

package netmsg

import (
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/tos-network/dvfcore/consensus/bft"
)

// Committee lists the operators a broadcast must reach; node's
// committeeView satisfies it by wrapping the committee definition.
type Committee interface {
	Operators() []bft.OperatorId
}

// BFTTransport adapts a PeerSet into bft.Transport, RLP-encoding each
// consensus message into the appropriate envelope kind before handing it
// to the peer queues.
type BFTTransport struct {
	peers     *PeerSet
	committee Committee
}

// NewBFTTransport builds the consensus engine's network-facing side.
func NewBFTTransport(peers *PeerSet, committee Committee) *BFTTransport {
	return &BFTTransport{peers: peers, committee: committee}
}

func (t *BFTTransport) SendProposal(to bft.OperatorId, b *bft.Block) error {
	body, err := rlp.EncodeToBytes(b)
	if err != nil {
		return err
	}
	if err := t.peers.Unicast(uint64(to), KindPropose, body); err != nil {
		return err
	}
	t.peers.Flush([]uint64{uint64(to)})
	return nil
}

func (t *BFTTransport) BroadcastProposal(b *bft.Block) error {
	body, err := rlp.EncodeToBytes(b)
	if err != nil {
		return err
	}
	ops := toUint64s(t.committee.Operators())
	if err := t.peers.Broadcast(ops, KindPropose, body); err != nil {
		return err
	}
	t.peers.Flush(ops)
	return nil
}

func (t *BFTTransport) SendVote(to bft.OperatorId, v bft.Vote) error {
	body, err := rlp.EncodeToBytes(&v)
	if err != nil {
		return err
	}
	if err := t.peers.Unicast(uint64(to), KindVote, body); err != nil {
		return err
	}
	t.peers.Flush([]uint64{uint64(to)})
	return nil
}

func (t *BFTTransport) BroadcastTimeout(timeout bft.Timeout) error {
	body, err := rlp.EncodeToBytes(&timeout)
	if err != nil {
		return err
	}
	ops := toUint64s(t.committee.Operators())
	if err := t.peers.Broadcast(ops, KindTimeout, body); err != nil {
		return err
	}
	t.peers.Flush(ops)
	return nil
}

// DecodeBlock decodes an Envelope body known to carry KindPropose.
func DecodeBlock(env *Envelope) (*bft.Block, error) {
	var b bft.Block
	if err := rlp.DecodeBytes(env.Body, &b); err != nil {
		return nil, bft.ErrMalformed
	}
	return &b, nil
}

// DecodeVote decodes an Envelope body known to carry KindVote.
func DecodeVote(env *Envelope) (*bft.Vote, error) {
	var v bft.Vote
	if err := rlp.DecodeBytes(env.Body, &v); err != nil {
		return nil, bft.ErrMalformed
	}
	return &v, nil
}

// DecodeTimeout decodes an Envelope body known to carry KindTimeout.
func DecodeTimeout(env *Envelope) (*bft.Timeout, error) {
	var to bft.Timeout
	if err := rlp.DecodeBytes(env.Body, &to); err != nil {
		return nil, bft.ErrMalformed
	}
	return &to, nil
}

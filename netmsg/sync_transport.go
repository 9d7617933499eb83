package netmsg

import (
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/tos-network/dvfcore/consensus/bft"
)

// SyncRequest asks the recipient for the block identified by Parent.
// Requester names the operator to reply to (normally the sender, but kept
// explicit since a request may be relayed).
type SyncRequest struct {
	Parent    bft.Digest
	Requester bft.OperatorId
}

// SyncReply carries the requested block back to whoever asked for it.
type SyncReply struct {
	Block *bft.Block
}

// SyncRequester adapts a PeerSet into blocksync.Requester.
type SyncRequester struct {
	peers     *PeerSet
	self      bft.OperatorId
	committee Committee
}

// NewSyncRequester builds the synchronizer's network-facing side.
func NewSyncRequester(peers *PeerSet, self bft.OperatorId, committee Committee) *SyncRequester {
	return &SyncRequester{peers: peers, self: self, committee: committee}
}

func (r *SyncRequester) SendSyncRequest(to bft.OperatorId, parent bft.Digest) error {
	body, err := rlp.EncodeToBytes(&SyncRequest{Parent: parent, Requester: r.self})
	if err != nil {
		return err
	}
	return r.peers.Unicast(uint64(to), KindSyncRequest, body)
}

func (r *SyncRequester) BroadcastSyncRequest(parent bft.Digest) error {
	body, err := rlp.EncodeToBytes(&SyncRequest{Parent: parent, Requester: r.self})
	if err != nil {
		return err
	}
	return r.peers.Broadcast(toUint64s(r.committee.Operators()), KindSyncRequest, body)
}

func (r *SyncRequester) Flush() {
	r.peers.Flush(toUint64s(r.committee.Operators()))
}

// SendSyncReply answers a SyncRequest with the block the requester asked
// for.
func (r *SyncRequester) SendSyncReply(to bft.OperatorId, b *bft.Block) error {
	body, err := rlp.EncodeToBytes(&SyncReply{Block: b})
	if err != nil {
		return err
	}
	if err := r.peers.Unicast(uint64(to), KindSyncReply, body); err != nil {
		return err
	}
	r.peers.Flush([]uint64{uint64(to)})
	return nil
}

func toUint64s(ops []bft.OperatorId) []uint64 {
	out := make([]uint64, len(ops))
	for i, op := range ops {
		out[i] = uint64(op)
	}
	return out
}

// DecodeSyncRequest decodes an Envelope body known to carry KindSyncRequest.
func DecodeSyncRequest(env *Envelope) (*SyncRequest, error) {
	var req SyncRequest
	if err := rlp.DecodeBytes(env.Body, &req); err != nil {
		return nil, bft.ErrMalformed
	}
	return &req, nil
}

// DecodeSyncReply decodes an Envelope body known to carry KindSyncReply.
func DecodeSyncReply(env *Envelope) (*SyncReply, error) {
	var rep SyncReply
	if err := rlp.DecodeBytes(env.Body, &rep); err != nil {
		return nil, bft.ErrMalformed
	}
	return &rep, nil
}

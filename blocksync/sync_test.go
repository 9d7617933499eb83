package blocksync

import (
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tos-network/dvfcore/consensus/bft"
	"github.com/tos-network/dvfcore/store"
)

type fakeRequester struct {
	mu       sync.Mutex
	sent     []bft.Digest
	rebroad  []bft.Digest
	flushed  int
}

func (f *fakeRequester) SendSyncRequest(to bft.OperatorId, parent bft.Digest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, parent)
	return nil
}

func (f *fakeRequester) BroadcastSyncRequest(parent bft.Digest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebroad = append(f.rebroad, parent)
	return nil
}

func (f *fakeRequester) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed++
}

func (f *fakeRequester) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeCommittee struct{ ops []bft.OperatorId }

func (c fakeCommittee) Operators() []bft.OperatorId { return c.ops }

func childBlock(parentDigest bft.Digest, round uint64) *bft.Block {
	return &bft.Block{
		Round:  round,
		Author: 1,
		QC:     &bft.QC{Round: round - 1, BlockHash: parentDigest},
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	s := store.OpenMemory()
	defer s.Close()
	req := &fakeRequester{}
	delivered := make(chan *bft.Block, 10)

	sync := New(Config{
		Store:      s,
		ChainID:    big.NewInt(1),
		Requester:  req,
		Committee:  fakeCommittee{ops: []bft.OperatorId{1, 2, 3}},
		Deliver:    func(b *bft.Block) { delivered <- b },
		RetryDelay: 50 * time.Millisecond,
	})
	defer sync.Stop()

	missingParent := bft.Digest{0x77}
	block := childBlock(missingParent, 5)

	sync.Enqueue(block)
	sync.Enqueue(block)
	sync.Enqueue(block)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, req.sentCount(), "enqueueing the same block repeatedly must issue at most one request")
}

func TestEnqueueDeliversOnceParentArrives(t *testing.T) {
	s := store.OpenMemory()
	defer s.Close()
	req := &fakeRequester{}
	delivered := make(chan *bft.Block, 1)

	sync := New(Config{
		Store:      s,
		ChainID:    big.NewInt(1),
		Requester:  req,
		Committee:  fakeCommittee{ops: []bft.OperatorId{1}},
		Deliver:    func(b *bft.Block) { delivered <- b },
		RetryDelay: 50 * time.Millisecond,
	})
	defer sync.Stop()

	missingParent := bft.Digest{0x55}
	block := childBlock(missingParent, 5)
	sync.Enqueue(block)

	require.NoError(t, s.Write(missingParent, []byte("parent bytes")))

	select {
	case got := <-delivered:
		assert.Equal(t, block.Round, got.Round)
	case <-time.After(2 * time.Second):
		t.Fatal("block was never delivered once parent arrived")
	}
}

func TestGetParentBlockReturnsGenesisForGenesisQC(t *testing.T) {
	s := store.OpenMemory()
	defer s.Close()
	req := &fakeRequester{}

	chainID := big.NewInt(1)
	sync := New(Config{
		Store:      s,
		ChainID:    chainID,
		Requester:  req,
		Committee:  fakeCommittee{ops: []bft.OperatorId{1}},
		Deliver:    func(b *bft.Block) {},
		RetryDelay: 50 * time.Millisecond,
	})
	defer sync.Stop()

	genesis := bft.GenesisBlock()
	genesisDigest, err := bft.BlockDigest(chainID, genesis.Round, genesis.Author, genesis.QC, genesis.Payload)
	require.NoError(t, err)

	block := &bft.Block{Round: 1, Author: 1, QC: &bft.QC{Round: 0, BlockHash: genesisDigest}}
	parent, ok := sync.GetParentBlock(block)
	require.True(t, ok)
	assert.Equal(t, genesis.Round, parent.Round)
}

func TestGetParentBlockFoundLocally(t *testing.T) {
	s := store.OpenMemory()
	defer s.Close()
	req := &fakeRequester{}

	chainID := big.NewInt(1)
	sync := New(Config{
		Store:      s,
		ChainID:    chainID,
		Requester:  req,
		Committee:  fakeCommittee{ops: []bft.OperatorId{1}},
		Deliver:    func(b *bft.Block) {},
		RetryDelay: 50 * time.Millisecond,
	})
	defer sync.Stop()

	parentDigest, err := store.PutBlock(s, chainID, &bft.Block{Round: 1, Author: 1, QC: &bft.QC{Round: 0, BlockHash: bft.Digest{0x33}}})
	require.NoError(t, err)
	block := childBlock(parentDigest, 2)

	_, ok := sync.GetParentBlock(block)
	assert.True(t, ok)
	assert.Equal(t, 0, req.sentCount(), "a locally present parent must not trigger a sync request")
}

func TestRetryRebroadcastsAfterDelayWhenNotPending(t *testing.T) {
	s := store.OpenMemory()
	defer s.Close()
	req := &fakeRequester{}

	sync := New(Config{
		Store:      s,
		ChainID:    big.NewInt(1),
		Requester:  req,
		Committee:  fakeCommittee{ops: []bft.OperatorId{1, 2}},
		Deliver:    func(b *bft.Block) {},
		RetryDelay: 10 * time.Millisecond,
	})
	defer sync.Stop()

	parent := bft.Digest{0x21}
	sync.mu.Lock()
	sync.requests[parent] = time.Now().Add(-time.Hour)
	sync.mu.Unlock()

	sync.tick()

	req.mu.Lock()
	defer req.mu.Unlock()
	assert.Contains(t, req.rebroad, parent)
}

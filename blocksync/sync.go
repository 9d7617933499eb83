// Package blocksync implements the synchronizer: given a block whose
// parent is missing from the Store, it fetches the missing ancestor from
// peers and re-delivers the original block to the consensus loop once the
// parent lands.
package blocksync

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tos-network/dvfcore/consensus/bft"
	"github.com/tos-network/dvfcore/store"
	"golang.org/x/sync/errgroup"
)

// waiterTimeout bounds how long a single enqueued block waits for its
// parent before giving up; a fresh consensus event may re-enqueue it.
const waiterTimeout = 20 * time.Second

// tickInterval drives the periodic retry/flush sweep.
const tickInterval = 5 * time.Second

// flushTimeout guards the tick's network flush so a stuck socket cannot
// wedge the loop.
const flushTimeout = 5 * time.Second

// DefaultRetryDelay is how long an outstanding SyncRequest must have gone
// unanswered before it is retried, absent an explicit configuration.
const DefaultRetryDelay = 2 * time.Second

// Requester is the narrow network surface the synchronizer needs: send a
// request to a single peer, or rebroadcast to the whole committee.
type Requester interface {
	SendSyncRequest(to bft.OperatorId, parent bft.Digest) error
	BroadcastSyncRequest(parent bft.Digest) error
	Flush()
}

// Deliverer re-enters a block into the consensus loop once its parent has
// landed in the Store.
type Deliverer func(b *bft.Block)

// Committee lists every operator the retry sweep may rebroadcast to.
type Committee interface {
	Operators() []bft.OperatorId
}

type pendingEntry struct {
	block  *bft.Block
	parent bft.Digest
}

// Synchronizer tracks blocks that are buffered on a missing parent and
// drives the request/retry/timeout state machine described in the
// component design. Its zero value is not usable; build one with New.
type Synchronizer struct {
	store      *store.Store
	chainID    *big.Int
	requester  Requester
	committee  Committee
	deliver    Deliverer
	retryDelay time.Duration
	log        *logrus.Entry

	mu       sync.Mutex
	pending  map[bft.Digest]*pendingEntry // block digest -> entry waiting on its parent
	requests map[bft.Digest]time.Time     // parent digest -> last request time

	stop chan struct{}
	done chan struct{}

	// group supervises the tick loop and every per-block waiter this
	// Synchronizer spawns, so Stop can join all of them instead of
	// merely the tick loop, the same teardown shape the teacher gives
	// its supervised background workers.
	group *errgroup.Group
}

// Config bundles Synchronizer construction parameters.
type Config struct {
	Store      *store.Store
	ChainID    *big.Int
	Requester  Requester
	Committee  Committee
	Deliver    Deliverer
	RetryDelay time.Duration
	Log        *logrus.Entry
}

// New builds a Synchronizer and starts its background tick loop.
func New(cfg Config) *Synchronizer {
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Synchronizer{
		store:      cfg.Store,
		chainID:    cfg.ChainID,
		requester:  cfg.Requester,
		committee:  cfg.Committee,
		deliver:    cfg.Deliver,
		retryDelay: retryDelay,
		log:        log,
		pending:    make(map[bft.Digest]*pendingEntry),
		requests:   make(map[bft.Digest]time.Time),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		group:      &errgroup.Group{},
	}
	s.group.Go(func() error {
		s.tickLoop()
		return nil
	})
	return s
}

// Stop terminates the synchronizer's tick loop and joins every waiter
// goroutine it spawned. Per the shutdown semantics, in-flight waiters are
// abandoned (their context is not cancelled early) rather than drained;
// Stop only waits for them to reach their own timeout or success.
func (s *Synchronizer) Stop() {
	close(s.stop)
	<-s.done
	s.group.Wait()
}

// blockDigest recomputes the digest of b the same way the engine and
// store do, so the synchronizer can key its pending set consistently.
func (s *Synchronizer) blockDigest(b *bft.Block) (bft.Digest, error) {
	return bft.BlockDigest(s.chainID, b.Round, b.Author, b.QC, b.Payload)
}

// GetParentBlock resolves b's parent: if it is already in the Store,
// returns it immediately. If b's QC references the genesis digest, the
// deterministic genesis block is returned. Otherwise the block is
// enqueued for sync and (nil, false) is returned — "not yet" — and b will
// be delivered back to the caller's loop once the parent lands.
func (s *Synchronizer) GetParentBlock(b *bft.Block) (*bft.Block, bool) {
	if b.QC == nil {
		return nil, false
	}
	genesis := bft.GenesisBlock()
	genesisDigest, err := s.blockDigest(genesis)
	if err == nil && b.QC.BlockHash == genesisDigest {
		return genesis, true
	}
	if parent, ok := store.GetBlock(s.store, b.QC.BlockHash); ok {
		return parent, true
	}
	s.Enqueue(b)
	return nil, false
}

// GetAncestors resolves both b's parent and grandparent transitively,
// returning "not yet" (ok=false) if either is missing.
func (s *Synchronizer) GetAncestors(b *bft.Block) (grandparent, parent *bft.Block, ok bool) {
	parent, ok = s.GetParentBlock(b)
	if !ok {
		return nil, nil, false
	}
	grandparent, ok = s.GetParentBlock(parent)
	if !ok {
		return nil, nil, false
	}
	return grandparent, parent, true
}

// Enqueue registers b as waiting on its parent. Enqueueing the same block
// digest more than once is a no-op: at most one waiter and one
// outstanding request exist per digest, which is what makes repeated
// enqueues idempotent.
func (s *Synchronizer) Enqueue(b *bft.Block) {
	digest, err := s.blockDigest(b)
	if err != nil {
		return
	}
	parent := b.QC.BlockHash

	s.mu.Lock()
	if _, exists := s.pending[digest]; exists {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), waiterTimeout)
	s.pending[digest] = &pendingEntry{block: b, parent: parent}
	_, alreadyRequested := s.requests[parent]
	if !alreadyRequested {
		s.requests[parent] = time.Now()
	}
	s.mu.Unlock()

	if !alreadyRequested {
		if err := s.requester.SendSyncRequest(b.Author, parent); err != nil {
			s.log.WithError(err).WithField("parent", parent).Warn("blocksync: initial sync request failed")
		}
		s.requester.Flush()
	}

	s.group.Go(func() error {
		s.wait(ctx, cancel, digest, parent)
		return nil
	})
}

func (s *Synchronizer) wait(ctx context.Context, cancel context.CancelFunc, digest, parent bft.Digest) {
	defer cancel()
	val, err := s.store.NotifyRead(ctx, parent)

	s.mu.Lock()
	entry, exists := s.pending[digest]
	if exists {
		delete(s.pending, digest)
		delete(s.requests, parent)
	}
	s.mu.Unlock()
	if !exists {
		return
	}

	if err != nil {
		s.log.WithField("parent", parent).WithField("block", digest).Debug("blocksync: waiter timed out")
		return
	}
	_ = val // the parent's bytes; the re-delivered block is looked up by digest, not reconstructed here
	s.deliver(entry.block)
}

// tickLoop retries outstanding requests every tickInterval and flushes
// queued network traffic, bounded by flushTimeout so a stuck socket
// cannot wedge the loop.
func (s *Synchronizer) tickLoop() {
	defer close(s.done)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Synchronizer) tick() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.requester.Flush()
		s.retryStale()
		s.requester.Flush()
	}()
	select {
	case <-done:
	case <-time.After(flushTimeout):
		s.log.Warn("blocksync: tick flush exceeded timeout")
	}
}

// retryStale rebroadcasts any outstanding request whose last send is
// older than retryDelay and whose parent digest is not itself a key of
// pending. pending is keyed by block digests, so this skips a request
// only when its parent is also a block waiting on its own parent; a
// request whose parent has a live waiter is still retried. See DESIGN.md
// for the Open Question this carve-out raises.
func (s *Synchronizer) retryStale() {
	now := time.Now()
	var stale []bft.Digest

	s.mu.Lock()
	for parent, last := range s.requests {
		if now.Sub(last) < s.retryDelay {
			continue
		}
		if _, waiting := s.pending[parent]; waiting {
			continue
		}
		stale = append(stale, parent)
	}
	for _, parent := range stale {
		s.requests[parent] = now
	}
	s.mu.Unlock()

	for _, parent := range stale {
		if err := s.requester.BroadcastSyncRequest(parent); err != nil {
			s.log.WithError(err).WithField("parent", parent).Warn("blocksync: retry broadcast failed")
		}
	}
}

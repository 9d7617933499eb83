// Package signer implements the DVF Signer: the per-validator orchestrator
// that binds one consensus Engine and one Operator Committee so that a
// request is signed only once it has been totally ordered by consensus,
// per spec §4.6.
package signer

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/tos-network/dvfcore/committee"
	"github.com/tos-network/dvfcore/mempool"
)

// Fingerprint computes the canonical request fingerprint the committee
// aggregates partials under.
func Fingerprint(msg []byte) common.Hash {
	return crypto.Keccak256Hash(msg)
}

// PartialBroadcaster multicasts this node's partial signature to peer
// committees once the underlying request has committed, per spec §4.6
// step 3b.
type PartialBroadcaster interface {
	BroadcastPartial(fp common.Hash, share committee.Share) error
}

// commitWaiter is signaled exactly once, when the orchestrator's onCommit
// hook observes fp's message land in a committed block.
type commitWaiter struct {
	done chan struct{}
}

// Signer binds a committee and a mempool feeding the caller's consensus
// engine; wire its OnCommitted method as the engine's OnCommit callback.
type Signer struct {
	mempool   *mempool.Mempool
	committee *committee.Committee
	transport PartialBroadcaster
	log       *logrus.Entry

	mu       sync.Mutex
	waiting  map[common.Hash]*commitWaiter
	combined map[common.Hash][]byte // cached result, makes duplicate Sign calls for the same fingerprint idempotent (spec S6)
}

// Config bundles Signer construction parameters.
type Config struct {
	Mempool   *mempool.Mempool
	Committee *committee.Committee
	Transport PartialBroadcaster
	Log       *logrus.Entry
}

// New builds a DVF Signer.
func New(cfg Config) *Signer {
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Signer{
		mempool:   cfg.Mempool,
		committee: cfg.Committee,
		transport: cfg.Transport,
		log:       log,
		waiting:   make(map[common.Hash]*commitWaiter),
		combined:  make(map[common.Hash][]byte),
	}
}

// OnCommitted is wired as the consensus engine's OnCommit callback. It
// inspects the committed block's payload and, if some in-flight Sign call
// is waiting on that fingerprint, wakes it.
func (s *Signer) OnCommitted(payload []byte) {
	fp := Fingerprint(payload)
	s.mu.Lock()
	w, ok := s.waiting[fp]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-w.done:
	default:
		close(w.done)
	}
}

// Sign executes the DVF Signer's sign(msg) flow: submit into the mempool,
// wait for consensus to commit it, generate and multicast this node's
// partial, then await the committee's combined signature.
func (s *Signer) Sign(ctx context.Context, msg []byte) ([]byte, error) {
	fp := Fingerprint(msg)

	s.mu.Lock()
	if cached, ok := s.combined[fp]; ok {
		s.mu.Unlock()
		return cached, nil
	}
	w, alreadyWaiting := s.waiting[fp]
	if !alreadyWaiting {
		w = &commitWaiter{done: make(chan struct{})}
		s.waiting[fp] = w
	}
	s.mu.Unlock()

	if !alreadyWaiting {
		if err := s.mempool.Submit(ctx, msg); err != nil {
			s.mu.Lock()
			delete(s.waiting, fp)
			s.mu.Unlock()
			return nil, err
		}
	}

	select {
	case <-w.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	localShare, err := s.committee.LocalShare(fp)
	if err != nil {
		return nil, err
	}
	if err := s.transport.BroadcastPartial(fp, localShare); err != nil {
		s.log.WithError(err).WithField("fingerprint", fp.Hex()).Warn("signer: partial broadcast failed")
	}

	combined, err := s.committee.Sign(ctx, fp)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.combined[fp] = combined
	delete(s.waiting, fp)
	s.mu.Unlock()

	return combined, nil
}

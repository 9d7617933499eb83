// Package committee implements the Operator Committee: the per-validator
// threshold-signing façade described in the component design. It holds one
// local operator (this node's BLS share) and the remote operators' public
// shares, collects partial signatures for a fingerprint, and combines them
// once a threshold is met.
package committee

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/tos-network/dvfcore/consensus/bft"
)

// DefaultSignDeadline bounds how long Sign waits for enough partials
// before giving up, absent an explicit configuration.
const DefaultSignDeadline = 20 * time.Second

// defaultMailboxCapacity bounds the per-fingerprint partial-signature
// mailbox; a slow or wedged sign() must not let an unbounded number of
// pushed partials accumulate in memory.
const defaultMailboxCapacity = 64

var (
	// ErrUnknownOperator is returned by Operator lookups for an id the
	// committee definition does not contain.
	ErrUnknownOperator = errors.New("committee: unknown operator id")
	// ErrInvalidPartial is returned when a pushed share fails to verify
	// under the emitting operator's public share.
	ErrInvalidPartial = errors.New("committee: partial signature failed to verify")
	// ErrClosed is returned by operations on a committee whose mailbox
	// for a fingerprint has already been finalized or dropped.
	ErrClosed = errors.New("committee: pending signing state closed")
)

// InsufficientShares is returned when Sign's deadline elapses before a
// threshold number of distinct, verified partials have arrived.
type InsufficientShares struct {
	Received int
	Required int
}

func (e *InsufficientShares) Error() string {
	return fmt.Sprintf("committee: insufficient shares: got %d, need %d", e.Received, e.Required)
}

// CombineFailed indicates the aggregator produced a signature that does
// not verify under the validator's aggregate public key. Per the
// component design this should not happen if every partial verified
// individually; it signals a broken operator implementation.
type CombineFailed struct {
	Fingerprint common.Hash
}

func (e *CombineFailed) Error() string {
	return fmt.Sprintf("committee: combined signature for %s failed to verify", e.Fingerprint.Hex())
}

// Operator is the capability every committee member exposes:
// sign_partial(fp) and its public share, per spec §4.5. LocalOperator and
// RemoteOperator are its two variants — a tagged union rather than an
// inheritance hierarchy, since sign_partial is the only polymorphic
// operation.
type Operator interface {
	ID() bft.OperatorId
	PublicShare() PublicShare
	SignPartial(ctx context.Context, fp common.Hash) (Share, error)
}

// LocalOperator signs locally with this node's BLS secret share.
type LocalOperator struct {
	id   bft.OperatorId
	priv []byte
	pub  PublicShare
}

// NewLocalOperator builds the local committee member from its BLS secret
// key bytes.
func NewLocalOperator(id bft.OperatorId, priv []byte) (*LocalOperator, error) {
	pub, err := PublicShareFromPrivate(priv)
	if err != nil {
		return nil, err
	}
	return &LocalOperator{id: id, priv: priv, pub: pub}, nil
}

func (l *LocalOperator) ID() bft.OperatorId       { return l.id }
func (l *LocalOperator) PublicShare() PublicShare { return l.pub }

// SignPartial is a pure local computation; ctx is accepted only to satisfy
// the Operator interface uniformly with RemoteOperator.
func (l *LocalOperator) SignPartial(ctx context.Context, fp common.Hash) (Share, error) {
	return SignShare(l.priv, fp)
}

// RemotePartialRequester is the RPC surface a RemoteOperator calls to ask
// a peer for its partial signature over fp.
type RemotePartialRequester interface {
	RequestPartial(ctx context.Context, operator bft.OperatorId, fp common.Hash) (Share, error)
}

// RemoteOperator represents a peer committee member; sign_partial is an
// RPC that returns the peer's share or times out.
type RemoteOperator struct {
	id        bft.OperatorId
	pub       PublicShare
	requester RemotePartialRequester
}

// NewRemoteOperator builds a stub for a peer committee member.
func NewRemoteOperator(id bft.OperatorId, pub PublicShare, requester RemotePartialRequester) *RemoteOperator {
	return &RemoteOperator{id: id, pub: pub, requester: requester}
}

func (r *RemoteOperator) ID() bft.OperatorId       { return r.id }
func (r *RemoteOperator) PublicShare() PublicShare { return r.pub }

func (r *RemoteOperator) SignPartial(ctx context.Context, fp common.Hash) (Share, error) {
	return r.requester.RequestPartial(ctx, r.id, fp)
}

// pendingSign tracks one fingerprint's in-flight partial collection.
type pendingSign struct {
	mailbox  chan partialMsg
	seen     map[bft.OperatorId]Share
	mu       sync.Mutex
	closed   bool
}

type partialMsg struct {
	operator bft.OperatorId
	share    Share
}

// Committee is the per-validator threshold-signing façade: one local
// operator, N-1 remote operators, and a combiner bound to the validator's
// aggregate public key.
type Committee struct {
	local        *LocalOperator
	remotes      map[bft.OperatorId]*RemoteOperator
	threshold    int
	validatorPub PublicShare
	deadline     time.Duration
	log          *logrus.Entry

	mu      sync.Mutex
	pending map[common.Hash]*pendingSign
}

// Config bundles Committee construction parameters.
type Config struct {
	Local        *LocalOperator
	Remotes      []*RemoteOperator
	Threshold    int
	ValidatorPub PublicShare
	Deadline     time.Duration
	Log          *logrus.Entry
}

// New builds an Operator Committee.
func New(cfg Config) *Committee {
	deadline := cfg.Deadline
	if deadline <= 0 {
		deadline = DefaultSignDeadline
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	remotes := make(map[bft.OperatorId]*RemoteOperator, len(cfg.Remotes))
	for _, r := range cfg.Remotes {
		remotes[r.ID()] = r
	}
	return &Committee{
		local:        cfg.Local,
		remotes:      remotes,
		threshold:    cfg.Threshold,
		validatorPub: cfg.ValidatorPub,
		deadline:     deadline,
		log:          log,
		pending:      make(map[common.Hash]*pendingSign),
	}
}

// Operator looks up a committee member's public share by id, satisfying
// the control interface's lookup_operator(operator_id).
func (c *Committee) Operator(id bft.OperatorId) (PublicShare, bool) {
	if c.local != nil && c.local.ID() == id {
		return c.local.PublicShare(), true
	}
	if r, ok := c.remotes[id]; ok {
		return r.PublicShare(), true
	}
	return PublicShare{}, false
}

// N returns the committee size including the local operator.
func (c *Committee) N() int { return len(c.remotes) + 1 }

func (c *Committee) getOrCreatePending(fp common.Hash) *pendingSign {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[fp]
	if !ok {
		p = &pendingSign{
			mailbox: make(chan partialMsg, defaultMailboxCapacity),
			seen:    make(map[bft.OperatorId]Share),
		}
		c.pending[fp] = p
	}
	return p
}

func (c *Committee) dropPending(fp common.Hash) {
	c.mu.Lock()
	p, ok := c.pending[fp]
	if ok {
		delete(c.pending, fp)
	}
	c.mu.Unlock()
	if ok {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
	}
}

// PushPartial installs a remote (or re-delivered local) partial signature
// for fp, verifying it under the claimed operator's public share first.
// It is safe to call from the network receive loop concurrently with an
// in-flight Sign for the same fingerprint, and is a no-op once that
// fingerprint's pending state has been dropped.
func (c *Committee) PushPartial(operator bft.OperatorId, fp common.Hash, share Share) error {
	pub, ok := c.Operator(operator)
	if !ok {
		return ErrUnknownOperator
	}
	if !VerifyShare(pub, share, fp) {
		return ErrInvalidPartial
	}

	c.mu.Lock()
	p, ok := c.pending[fp]
	c.mu.Unlock()
	if !ok {
		// No Sign is currently waiting on this fingerprint (it may not
		// have started yet, or already finished); the push is
		// harmlessly dropped. The request will be re-collected on the
		// next Sign(fp) in this slot window, if any.
		return nil
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil
	}

	select {
	case p.mailbox <- partialMsg{operator: operator, share: share}:
	default:
		c.log.WithField("fingerprint", fp.Hex()).Warn("committee: partial mailbox full, dropping")
	}
	return nil
}

// LocalShare computes this node's own partial signature over fp without
// waiting on any remote operator, so a caller (the DVF Signer) can
// multicast it to peers before or while calling Sign.
func (c *Committee) LocalShare(fp common.Hash) (Share, error) {
	return c.local.SignPartial(context.Background(), fp)
}

// Sign produces the validator's combined threshold signature over fp, per
// spec §4.5's algorithm: the local partial is installed first, then
// distinct verified partials are collected until the threshold is met or
// the deadline elapses.
func (c *Committee) Sign(ctx context.Context, fp common.Hash) ([]byte, error) {
	p := c.getOrCreatePending(fp)
	defer c.dropPending(fp)

	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	localShare, err := c.local.SignPartial(ctx, fp)
	if err != nil {
		return nil, err
	}
	p.seen[c.local.ID()] = localShare

	for id, r := range c.remotes {
		r := r
		id := id
		go func() {
			share, err := r.SignPartial(ctx, fp)
			if err != nil {
				return
			}
			select {
			case p.mailbox <- partialMsg{operator: id, share: share}:
			case <-ctx.Done():
			}
		}()
	}

	for len(p.seen) < c.threshold {
		select {
		case msg := <-p.mailbox:
			if _, dup := p.seen[msg.operator]; dup {
				continue
			}
			pub, ok := c.Operator(msg.operator)
			if !ok || !VerifyShare(pub, msg.share, fp) {
				continue
			}
			p.seen[msg.operator] = msg.share
		case <-ctx.Done():
			return nil, &InsufficientShares{Received: len(p.seen), Required: c.threshold}
		}
	}

	combined, err := CombineShares(p.seen)
	if err != nil {
		return nil, &CombineFailed{Fingerprint: fp}
	}
	if !VerifyAggregate(c.validatorPub, combined, fp) {
		return nil, &CombineFailed{Fingerprint: fp}
	}
	return combined, nil
}

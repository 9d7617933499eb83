package bft

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
)

// Transport is the narrow send-side surface the engine needs from the
// networking layer. netmsg.PeerSet implements it by RLP-encoding each
// value into the tagged-union wire frame and handing it to the right
// peer queue(s).
type Transport interface {
	SendProposal(to OperatorId, b *Block) error
	BroadcastProposal(b *Block) error
	SendVote(to OperatorId, v Vote) error
	BroadcastTimeout(t Timeout) error
}

// LeaderSchedule resolves the proposer for a round. A simple
// round-robin over the committee membership satisfies it.
type LeaderSchedule func(round uint64) OperatorId

// RoundRobin builds the default leader schedule: operator (round mod n).
func RoundRobin(n int) LeaderSchedule {
	return func(round uint64) OperatorId {
		if n <= 0 {
			return 0
		}
		return OperatorId(round % uint64(n))
	}
}

// blockTree is the engine's in-memory index of blocks it has seen,
// keyed by digest, satisfying BlockReader for the commit rule.
type blockTree struct {
	mu     sync.RWMutex
	blocks map[Digest]*Block
}

func newBlockTree() *blockTree {
	return &blockTree{blocks: make(map[Digest]*Block)}
}

func (t *blockTree) GetBlock(digest Digest) (*Block, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.blocks[digest]
	return b, ok
}

func (t *blockTree) Put(digest Digest, b *Block) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocks[digest] = b
}

// Engine drives one replica's participation in the chained HotStuff
// protocol: proposing when it leads a round, voting on valid proposals,
// assembling QCs/TCs, advancing rounds, and emitting commits via the
// 3-chain rule.
type Engine struct {
	mu sync.Mutex

	self    OperatorId
	n       int
	chainID *big.Int
	priv    *ecdsa.PrivateKey

	resolver  ConsensusKeyResolver
	transport Transport
	leader    LeaderSchedule

	aggregator *Aggregator
	safety     *SafetyRule
	timer      *RoundTimer
	tree       *blockTree
	commitRule *CommitRule

	round  uint64
	highQC *QC

	onCommit func(*Block)
	onHighQC func(*QC)
}

// EngineConfig bundles Engine construction parameters.
type EngineConfig struct {
	Self       OperatorId
	N          int
	ChainID    *big.Int
	PrivateKey *ecdsa.PrivateKey
	Resolver   ConsensusKeyResolver
	Transport  Transport
	Leader     LeaderSchedule
	Timer      *RoundTimer
	OnCommit   func(*Block)

	// CommitIndex is the highest round this replica has already committed
	// and persisted, recovered from the reserved COMMIT_INDEX store key at
	// startup. Zero means a fresh node with nothing committed yet. The
	// safety rule is seeded so it refuses to vote at or below this round,
	// which is what keeps a restarted replica from signing a slot it
	// already certified in a prior process lifetime.
	CommitIndex uint64
	// HighQC is the highest QC this replica knew of before the current
	// process started, recovered from the reserved HIGH_QC store key. Nil
	// boots from the genesis QC, as a fresh node does.
	HighQC *QC
	// OnHighQC is invoked with every QC that raises the engine's high_qc,
	// whether formed locally via onQCFormed, carried by an accepted
	// proposal, or taken from a timeout certificate's witness; the caller is expected to persist it under
	// the HIGH_QC store key so the next restart can recover it.
	OnHighQC func(*QC)
}

// NewEngine builds an Engine, resuming from cfg.CommitIndex/cfg.HighQC if
// given (a restart) or from the genesis block otherwise (a fresh node).
func NewEngine(cfg EngineConfig) *Engine {
	tree := newBlockTree()
	genesis := GenesisBlock()
	genesisDigest, _ := BlockDigest(cfg.ChainID, genesis.Round, genesis.Author, genesis.QC, genesis.Payload)
	tree.Put(genesisDigest, genesis)

	leader := cfg.Leader
	if leader == nil {
		leader = RoundRobin(cfg.N)
	}

	highQC := cfg.HighQC
	if highQC == nil {
		highQC = &QC{Round: 0, BlockHash: genesisDigest}
	}
	round := highQC.Round + 1
	if cfg.CommitIndex+1 > round {
		round = cfg.CommitIndex + 1
	}

	safety := &SafetyRule{}
	if cfg.CommitIndex > 0 {
		safety.RecordVote(cfg.CommitIndex)
		safety.UpdatePreferredRound(cfg.CommitIndex)
	}

	e := &Engine{
		self:       cfg.Self,
		n:          cfg.N,
		chainID:    cfg.ChainID,
		priv:       cfg.PrivateKey,
		resolver:   cfg.Resolver,
		transport:  cfg.Transport,
		leader:     leader,
		aggregator: NewAggregator(cfg.N),
		safety:     safety,
		timer:      cfg.Timer,
		tree:       tree,
		commitRule: NewCommitRule(tree),
		round:      round,
		highQC:     highQC,
		onCommit:   cfg.OnCommit,
		onHighQC:   cfg.OnHighQC,
	}
	return e
}

// Round returns the engine's current round.
func (e *Engine) Round() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.round
}

// StartRound arms the round timer and, if self is the round's leader,
// proposes a block extending the highest known QC.
func (e *Engine) StartRound(round uint64, payload []byte) error {
	e.mu.Lock()
	isLeader := e.leader(round) == e.self
	highQC := e.highQC
	e.mu.Unlock()

	if e.timer != nil {
		e.timer.Start(round)
	}
	if !isLeader {
		return nil
	}
	b := &Block{Round: round, Author: e.self, QC: highQC, Payload: payload}
	sig, err := SignBlock(e.priv, e.chainID, b)
	if err != nil {
		return fmt.Errorf("bft: sign proposal: %w", err)
	}
	b.Signature = sig
	digest, err := BlockDigest(e.chainID, b.Round, b.Author, b.QC, b.Payload)
	if err != nil {
		return err
	}
	e.tree.Put(digest, b)
	return e.transport.BroadcastProposal(b)
}

// HandleProposal processes a proposal from the round's leader: verifies
// its signature and QC, checks the safety rule, and if safe casts a vote
// to the next round's leader.
func (e *Engine) HandleProposal(b *Block) error {
	if b.QC == nil {
		return ErrMalformed
	}
	if e.leader(b.Round) != b.Author {
		return ErrUnknownAuthor
	}
	digest, err := BlockDigest(e.chainID, b.Round, b.Author, b.QC, b.Payload)
	if err != nil {
		return err
	}
	authorAddr, ok := e.resolver.ConsensusAddress(b.Author)
	if !ok {
		return ErrUnknownAuthor
	}
	got, err := recoverSignerAddress(digest, b.Signature)
	if err != nil || got != authorAddr {
		return errInvalidSignature
	}
	// The genesis QC carries no attestations by construction; every
	// honest node derives it identically, so it is trusted without a
	// quorum check. Any other round must clear the normal quorum bar.
	if b.QC.Round != 0 {
		if err := VerifyQCAttestations(e.resolver, e.chainID, e.n, b.QC); err != nil {
			return err
		}
	}

	e.mu.Lock()
	if err := e.safety.CanVote(b.Round, b.QC); err != nil {
		e.mu.Unlock()
		return err
	}
	e.tree.Put(digest, b)
	e.safety.RecordVote(b.Round)
	e.safety.UpdatePreferredRound(b.QC.Round)
	raisedHighQC := false
	if b.QC.Round > e.highQC.Round {
		e.highQC = b.QC
		raisedHighQC = true
	}
	if next := b.QC.Round + 1; next > e.round {
		e.round = next
	}
	e.mu.Unlock()
	if raisedHighQC && e.onHighQC != nil {
		e.onHighQC(b.QC)
	}

	sig, err := SignVote(e.priv, e.chainID, b.Round, digest)
	if err != nil {
		return err
	}
	v := Vote{Round: b.Round, BlockHash: digest, Voter: e.self, Signature: sig}
	return e.transport.SendVote(e.leader(b.Round+1), v)
}

// HandleVote folds an incoming vote into the aggregator and, once quorum
// forms, emits the resulting QC's effects: raised high_qc, advanced
// round, and a commit if the 3-chain rule is satisfied.
func (e *Engine) HandleVote(v Vote) (*QC, error) {
	if err := VerifyVoteSignature(e.resolver, e.chainID, v); err != nil {
		return nil, err
	}
	if _, err := e.aggregator.AddVote(v); err != nil {
		return nil, err
	}
	qc, ready := e.aggregator.TryBuildQC(v.Round, v.BlockHash)
	if !ready {
		return nil, nil
	}
	e.onQCFormed(qc)
	return qc, nil
}

// HandleTimeout folds an incoming timeout into the aggregator and, once
// quorum forms, advances the round using the certificate's highest QC.
func (e *Engine) HandleTimeout(t Timeout) (*TC, error) {
	if err := VerifyTimeoutSignature(e.resolver, e.chainID, t); err != nil {
		return nil, err
	}
	if _, err := e.aggregator.AddTimeout(t); err != nil {
		return nil, err
	}
	tc, ready := e.aggregator.TryBuildTC(t.Round)
	if !ready {
		return nil, nil
	}
	e.mu.Lock()
	raisedHighQC := false
	if tc.HighQC != nil && tc.HighQC.Round > e.highQC.Round {
		e.highQC = tc.HighQC
		raisedHighQC = true
	}
	next := t.Round + 1
	if next > e.round {
		e.round = next
	}
	e.mu.Unlock()
	if raisedHighQC && e.onHighQC != nil {
		e.onHighQC(tc.HighQC)
	}
	return tc, nil
}

// OnTimerFired is invoked by the caller's run loop when the round timer
// for `round` expires without a QC forming; it broadcasts this replica's
// own Timeout message carrying its current high_qc.
func (e *Engine) OnTimerFired(round uint64) error {
	e.mu.Lock()
	highQC := e.highQC
	e.mu.Unlock()
	sig, err := SignTimeout(e.priv, e.chainID, round, highQC)
	if err != nil {
		return err
	}
	t := Timeout{Round: round, HighQC: highQC, Author: e.self, Signature: sig}
	return e.transport.BroadcastTimeout(t)
}

func (e *Engine) onQCFormed(qc *QC) {
	// block.QC already points at its parent from proposal time; it must
	// not be overwritten with qc (which certifies block itself), or the
	// parent chain the commit rule walks would be destroyed.
	block, found := e.tree.GetBlock(qc.BlockHash)
	if !found {
		return
	}

	e.mu.Lock()
	raisedHighQC := false
	if qc.Round > e.highQC.Round {
		e.highQC = qc
		raisedHighQC = true
	}
	e.safety.UpdatePreferredRound(qc.Round)
	next := qc.Round + 1
	if next > e.round {
		e.round = next
	}
	e.mu.Unlock()

	if raisedHighQC && e.onHighQC != nil {
		e.onHighQC(qc)
	}
	if e.timer != nil {
		e.timer.Succeeded()
	}
	// Genesis (round 0) is agreed on by construction and is never emitted
	// as a commit.
	if committed, ok := e.commitRule.Evaluate(block); ok && committed.Round > 0 && e.onCommit != nil {
		e.onCommit(committed)
	}
	e.aggregator.PruneBelow(qc.Round)
}

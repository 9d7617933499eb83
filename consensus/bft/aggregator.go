package bft

import "sync"

type voteTarget struct {
	round     uint64
	blockHash Digest
}

// Aggregator collects votes and timeouts per round and folds them into a
// QC or TC once 2f+1 distinct operators have contributed, generalizing the
// teacher's VotePool (which tallied weighted votes per height+round+block)
// to the equal-weight, round-only, chained-HotStuff shape this engine
// needs.
type Aggregator struct {
	mu sync.Mutex

	n int

	votesByTarget map[voteTarget]map[OperatorId]Vote
	votedRound    map[OperatorId]voteTarget

	timeoutsByRound map[uint64]map[OperatorId]Timeout
}

func NewAggregator(n int) *Aggregator {
	return &Aggregator{
		n:               n,
		votesByTarget:   make(map[voteTarget]map[OperatorId]Vote),
		votedRound:      make(map[OperatorId]voteTarget),
		timeoutsByRound: make(map[uint64]map[OperatorId]Timeout),
	}
}

// AddVote records v and reports whether it was newly added. Equivocation
// (the same voter voting for two different block hashes in the same
// round) is rejected outright rather than silently ignored.
func (a *Aggregator) AddVote(v Vote) (bool, error) {
	if len(v.Signature) == 0 {
		return false, ErrInvalidVote
	}
	target := voteTarget{round: v.Round, blockHash: v.BlockHash}

	a.mu.Lock()
	defer a.mu.Unlock()

	if prev, ok := a.votedRound[v.Voter]; ok && prev.round == v.Round {
		if prev.blockHash != v.BlockHash {
			return false, ErrEquivocation
		}
		if _, exists := a.votesByTarget[target][v.Voter]; exists {
			return false, nil
		}
	}
	a.votedRound[v.Voter] = target
	if a.votesByTarget[target] == nil {
		a.votesByTarget[target] = make(map[OperatorId]Vote)
	}
	a.votesByTarget[target][v.Voter] = v
	return true, nil
}

// TryBuildQC returns a QC for (round, blockHash) once quorum is reached.
func (a *Aggregator) TryBuildQC(round uint64, blockHash Digest) (*QC, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	votes := a.votesByTarget[voteTarget{round: round, blockHash: blockHash}]
	if len(votes) < RequiredQuorumWeight(a.n) {
		return nil, false
	}
	att := make([]Attestation, 0, len(votes))
	for _, v := range votes {
		att = append(att, Attestation{Signer: v.Voter, Signature: append([]byte(nil), v.Signature...)})
	}
	return &QC{Round: round, BlockHash: blockHash, Attestations: att}, true
}

// AddTimeout records t and reports whether it was newly added.
func (a *Aggregator) AddTimeout(t Timeout) (bool, error) {
	if len(t.Signature) == 0 {
		return false, ErrInvalidTimeout
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timeoutsByRound[t.Round] == nil {
		a.timeoutsByRound[t.Round] = make(map[OperatorId]Timeout)
	}
	if _, exists := a.timeoutsByRound[t.Round][t.Author]; exists {
		return false, nil
	}
	a.timeoutsByRound[t.Round][t.Author] = t
	return true, nil
}

// TryBuildTC returns a TC for round once quorum is reached.
func (a *Aggregator) TryBuildTC(round uint64) (*TC, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	timeouts := a.timeoutsByRound[round]
	if len(timeouts) < RequiredQuorumWeight(a.n) {
		return nil, false
	}
	witnesses := make([]Timeout, 0, len(timeouts))
	var highQC *QC
	for _, t := range timeouts {
		witnesses = append(witnesses, t)
		if t.HighQC != nil && (highQC == nil || t.HighQC.Round > highQC.Round) {
			highQC = t.HighQC
		}
	}
	return &TC{Round: round, Witnesses: witnesses, HighQC: highQC}, true
}

// PruneBelow discards vote and timeout state for rounds strictly below
// minRound, bounding memory as consensus advances (mirrors the teacher's
// VotePool.PruneBelow, keyed by round instead of height).
func (a *Aggregator) PruneBelow(minRound uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for target := range a.votesByTarget {
		if target.round < minRound {
			delete(a.votesByTarget, target)
		}
	}
	for voter, target := range a.votedRound {
		if target.round < minRound {
			delete(a.votedRound, voter)
		}
	}
	for round := range a.timeoutsByRound {
		if round < minRound {
			delete(a.timeoutsByRound, round)
		}
	}
}

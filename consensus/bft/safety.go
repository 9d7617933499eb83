package bft

import "sync"

// SafetyRule enforces the HotStuff voting invariants locally: a replica
// never votes for a round at or below the highest round it has already
// voted for (so never twice in the same round), and never votes for a
// block whose QC is behind its locked (preferred) round.
type SafetyRule struct {
	mu             sync.Mutex
	lastVotedRound uint64
	preferredRound uint64
}

// CanVote reports whether voting for a block proposed at round, extending
// qc, is safe: the block's round must exceed every round voted so far, and
// its QC's round must not be behind the locked (preferred) round.
func (s *SafetyRule) CanVote(round uint64, qc *QC) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if round <= s.lastVotedRound {
		return ErrStaleVote
	}
	if qc != nil && qc.Round < s.preferredRound {
		return ErrStaleVote
	}
	return nil
}

// RecordVote advances last_voted_round after a vote for round is cast.
func (s *SafetyRule) RecordVote(round uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if round > s.lastVotedRound {
		s.lastVotedRound = round
	}
}

// UpdatePreferredRound raises the locked round to qcRound when qcRound
// exceeds the current one. The lock moves to the round of the QC itself,
// not to the round of the certified block's parent.
func (s *SafetyRule) UpdatePreferredRound(qcRound uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if qcRound > s.preferredRound {
		s.preferredRound = qcRound
	}
}

// LastVotedRound returns the highest round this replica has voted in.
func (s *SafetyRule) LastVotedRound() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastVotedRound
}

// PreferredRound returns the current locked round.
func (s *SafetyRule) PreferredRound() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preferredRound
}

package bft

import "testing"

type fakeReader map[Digest]*Block

func (f fakeReader) GetBlock(d Digest) (*Block, bool) {
	b, ok := f[d]
	return b, ok
}

func TestCommitRuleCommitsOnConsecutiveThreeChain(t *testing.T) {
	grandparent := Digest{1}
	parentHash := Digest{2}
	headHash := Digest{3}

	reader := fakeReader{
		grandparent: {Round: 1},
		parentHash:  {Round: 2, QC: &QC{Round: 1, BlockHash: grandparent}},
	}
	head := &Block{Round: 3, QC: &QC{Round: 2, BlockHash: parentHash}}
	reader[headHash] = head

	rule := NewCommitRule(reader)
	committed, ok := rule.Evaluate(head)
	if !ok {
		t.Fatalf("expected commit on consecutive three-chain")
	}
	if committed.Round != 1 {
		t.Fatalf("expected grandparent (round 1) committed, got round %d", committed.Round)
	}
}

func TestCommitRuleSkipsOnGap(t *testing.T) {
	grandparent := Digest{1}
	parentHash := Digest{2}

	reader := fakeReader{
		grandparent: {Round: 1},
		parentHash:  {Round: 2, QC: &QC{Round: 1, BlockHash: grandparent}},
	}
	// Head skips a round relative to parent: not a consecutive three-chain.
	head := &Block{Round: 4, QC: &QC{Round: 2, BlockHash: parentHash}}

	rule := NewCommitRule(reader)
	if _, ok := rule.Evaluate(head); ok {
		t.Fatalf("expected no commit when rounds are not consecutive")
	}
}

func TestCommitRuleSkipsWhenAncestryMissing(t *testing.T) {
	rule := NewCommitRule(fakeReader{})
	head := &Block{Round: 3, QC: &QC{Round: 2, BlockHash: Digest{9}}}
	if _, ok := rule.Evaluate(head); ok {
		t.Fatalf("expected no commit when parent is unknown")
	}
}

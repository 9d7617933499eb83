package bft

// BlockReader resolves a block by its digest. The engine's in-memory
// block tree and the persisted Store both satisfy it.
type BlockReader interface {
	GetBlock(digest Digest) (*Block, bool)
}

// CommitRule evaluates the 3-chain commit condition: a newly certified
// block commits its grandparent once three QCs in a row certify
// three blocks at strictly consecutive rounds. This is the standard
// chained-HotStuff finality rule: a one-chain (QC) gives a block's
// proposer justification, a two-chain locks it, and a three-chain with
// consecutive rounds commits it irreversibly.
type CommitRule struct {
	reader BlockReader
}

func NewCommitRule(reader BlockReader) *CommitRule {
	return &CommitRule{reader: reader}
}

// Evaluate takes the block a freshly formed QC certifies (the new head)
// and walks its QC-linked ancestry. It returns the block that should now
// be committed, or ok=false if the chain isn't long enough yet or the
// three rounds are not consecutive.
func (c *CommitRule) Evaluate(head *Block) (committed *Block, ok bool) {
	if head == nil || head.QC == nil {
		return nil, false
	}
	parent, found := c.reader.GetBlock(head.QC.BlockHash)
	if !found || parent.QC == nil {
		return nil, false
	}
	grandparent, found := c.reader.GetBlock(parent.QC.BlockHash)
	if !found {
		return nil, false
	}
	if head.Round != parent.Round+1 {
		return nil, false
	}
	if parent.Round != grandparent.Round+1 {
		return nil, false
	}
	return grandparent, true
}

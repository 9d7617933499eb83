package committee

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tos-network/dvfcore/consensus/bft"
)

// memberFixture generates n BLS key pairs alongside their operator ids.
type memberFixture struct {
	id   bft.OperatorId
	priv []byte
	pub  PublicShare
}

// buildMembers deals a genuine (threshold, n) Shamir-shared BLS key: every
// member's priv is a polynomial evaluation, not an independent key, so any
// threshold-size subset of their signatures reconstructs the single
// validator key returned alongside them.
func buildMembers(t *testing.T, n int, threshold int) ([]memberFixture, PublicShare) {
	t.Helper()
	ids := make([]bft.OperatorId, n)
	for i := range ids {
		ids[i] = bft.OperatorId(i + 1)
	}
	validatorPub, shares, err := GenerateThresholdShares(rand.Reader, ids, threshold)
	require.NoError(t, err)

	out := make([]memberFixture, n)
	for i, id := range ids {
		priv := shares[id]
		pub, err := PublicShareFromPrivate(priv)
		require.NoError(t, err)
		out[i] = memberFixture{id: id, priv: priv, pub: pub}
	}
	return out, validatorPub
}

// directRequester answers SignPartial immediately using the member's own
// private key, modeling an always-responsive remote operator in-process.
type directRequester struct {
	members map[bft.OperatorId]memberFixture
	refuse  map[bft.OperatorId]bool
}

func (d *directRequester) RequestPartial(ctx context.Context, operator bft.OperatorId, fp common.Hash) (Share, error) {
	if d.refuse[operator] {
		<-ctx.Done()
		return Share{}, ctx.Err()
	}
	m := d.members[operator]
	return SignShare(m.priv, fp)
}

func buildCommittee(t *testing.T, members []memberFixture, validatorPub PublicShare, threshold int, refuse map[bft.OperatorId]bool) *Committee {
	t.Helper()
	local, err := NewLocalOperator(members[0].id, members[0].priv)
	require.NoError(t, err)

	byID := make(map[bft.OperatorId]memberFixture, len(members))
	for _, m := range members {
		byID[m.id] = m
	}

	req := &directRequester{members: byID, refuse: refuse}
	remotes := make([]*RemoteOperator, 0, len(members)-1)
	for _, m := range members[1:] {
		remotes = append(remotes, NewRemoteOperator(m.id, m.pub, req))
	}

	return New(Config{
		Local:        local,
		Remotes:      remotes,
		Threshold:    threshold,
		ValidatorPub: validatorPub,
		Deadline:     2 * time.Second,
	})
}

func TestSignSucceedsWithThresholdPartials(t *testing.T) {
	members, validatorPub := buildMembers(t, 4, 3)
	c := buildCommittee(t, members, validatorPub, 3, nil)

	fp := common.HexToHash("0x1234")
	sig, err := c.Sign(context.Background(), fp)
	require.NoError(t, err)
	assert.True(t, VerifyAggregate(c.validatorPub, sig, fp))
}

// TestSignSucceedsWithAnyThresholdSubset checks the scheme's defining
// property: two independent runs that happen to collect different
// 3-of-4 subsets both reconstruct a signature valid under the same
// validator key, not just the subset that collected every share.
func TestSignSucceedsWithAnyThresholdSubset(t *testing.T) {
	members, validatorPub := buildMembers(t, 4, 3)
	fp := common.HexToHash("0x2222")

	refuseLast := map[bft.OperatorId]bool{members[3].id: true}
	c1 := buildCommittee(t, members, validatorPub, 3, refuseLast)
	sig1, err := c1.Sign(context.Background(), fp)
	require.NoError(t, err)

	refuseMiddle := map[bft.OperatorId]bool{members[1].id: true}
	c2 := buildCommittee(t, members, validatorPub, 3, refuseMiddle)
	sig2, err := c2.Sign(context.Background(), fp)
	require.NoError(t, err)

	assert.True(t, VerifyAggregate(validatorPub, sig1, fp))
	assert.True(t, VerifyAggregate(validatorPub, sig2, fp))
}

func TestSignTimesOutWithoutEnoughShares(t *testing.T) {
	members, validatorPub := buildMembers(t, 4, 3)
	refuse := map[bft.OperatorId]bool{members[1].id: true, members[2].id: true, members[3].id: true}
	c := buildCommittee(t, members, validatorPub, 3, refuse)
	c.deadline = 100 * time.Millisecond

	fp := common.HexToHash("0x5678")
	_, err := c.Sign(context.Background(), fp)
	require.Error(t, err)
	var insufficient *InsufficientShares
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 3, insufficient.Required)
	assert.Equal(t, 1, insufficient.Received)
}

func TestPushPartialRejectsInvalidShare(t *testing.T) {
	members, validatorPub := buildMembers(t, 4, 3)
	c := buildCommittee(t, members, validatorPub, 3, nil)

	fp := common.HexToHash("0xabcd")
	c.getOrCreatePending(fp)

	forged := Share{}
	err := c.PushPartial(members[1].id, fp, forged)
	assert.ErrorIs(t, err, ErrInvalidPartial)
}

func TestPushPartialUnknownOperator(t *testing.T) {
	members, validatorPub := buildMembers(t, 4, 3)
	c := buildCommittee(t, members, validatorPub, 3, nil)

	fp := common.HexToHash("0xabcd")
	err := c.PushPartial(bft.OperatorId(999), fp, Share{})
	assert.ErrorIs(t, err, ErrUnknownOperator)
}

func TestOperatorLookup(t *testing.T) {
	members, validatorPub := buildMembers(t, 3, 2)
	c := buildCommittee(t, members, validatorPub, 2, nil)

	pub, ok := c.Operator(members[0].id)
	require.True(t, ok)
	assert.Equal(t, members[0].pub, pub)

	_, ok = c.Operator(bft.OperatorId(42))
	assert.False(t, ok)
}

package netmsg

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tos-network/dvfcore/consensus/bft"
)

type staticCommittee []bft.OperatorId

func (c staticCommittee) Operators() []bft.OperatorId { return c }

func TestBroadcastPartialDeliversToHandler(t *testing.T) {
	received := make(chan *PartialSignature, 1)

	serverRes := staticResolver{1: "listener"}
	server := NewPeerSet(2, serverRes, nil)
	server.SetHandler(func(from uint64, env *Envelope) error {
		if env.Kind != KindPartialSignature {
			return nil
		}
		p, err := DecodePartialSignature(env)
		if err != nil {
			return err
		}
		received <- p
		return nil
	})
	ln, err := server.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	clientRes := staticResolver{2: ln.Addr().String()}
	client := NewPeerSet(1, clientRes, nil)
	tr := NewPartialTransport(client, bft.OperatorId(1), staticCommittee{bft.OperatorId(2)})

	fp := common.HexToHash("0xdead")
	var share [96]byte
	share[0] = 0x42
	require.NoError(t, tr.BroadcastPartial(fp, share))

	select {
	case got := <-received:
		assert.Equal(t, fp, got.Fingerprint)
		assert.Equal(t, bft.OperatorId(1), got.Operator)
		assert.Equal(t, share, got.Share)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never received partial signature")
	}
}

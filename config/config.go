// Package config loads the two TOML-encoded, read-only inputs a node is
// supplied at startup: the committee definition (validator identity,
// threshold, and every operator's keys/address) and the node's own local
// configuration. Both are parsed once into immutable structs, per the
// teacher's "global state is an immutable config struct threaded into
// constructors" design note.
package config

import (
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/naoina/toml"
	"github.com/tos-network/dvfcore/committee"
	"github.com/tos-network/dvfcore/consensus/bft"
)

// tomlSettings mirrors the teacher's cmd/geth config loader: field names
// are matched verbatim and unknown fields are rejected so a typo'd key
// fails fast instead of being silently ignored.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("config: field %q is not defined in %s", field, rt.String())
	},
}

// OperatorEntry describes one committee member as seen by every node:
// its consensus (secp256k1) address, its BLS public share, and the
// network address to dial it at.
type OperatorEntry struct {
	ID               uint64
	ConsensusAddress string // hex-encoded 20-byte address
	BLSPublicShare   string // hex-encoded compressed G1 point
	NetworkAddress   string // host:port
}

// CommitteeDefinition is the read-only description of one validator's
// threshold group, loaded once at startup.
type CommitteeDefinition struct {
	ValidatorID        uint64
	ValidatorPublicKey string // hex-encoded aggregate BLS public key
	Threshold          int
	Total              int
	Operators          []OperatorEntry

	byID map[uint64]OperatorEntry
}

// NodeConfig is this node's local configuration: which operator it is,
// where to store data, and the tunables the component design exposes.
type NodeConfig struct {
	Self             uint64
	DataDir          string
	CommitteeFile    string
	Listen           string
	BaseTimeout      time.Duration
	SyncRetryDelay   time.Duration
	StoreBackend     string // "leveldb" or "memory"
	LogLevel         string
	MempoolCapacity  int
}

// LoadCommitteeDefinition reads and parses a committee-definition TOML
// file, indexing operators by id for fast lookup.
func LoadCommitteeDefinition(path string) (*CommitteeDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var def CommitteeDefinition
	if err := tomlSettings.NewDecoder(f).Decode(&def); err != nil {
		return nil, fmt.Errorf("config: parsing committee definition: %w", err)
	}
	if def.Threshold <= 0 || def.Threshold > def.Total {
		return nil, fmt.Errorf("config: invalid threshold %d for total %d", def.Threshold, def.Total)
	}
	def.byID = make(map[uint64]OperatorEntry, len(def.Operators))
	for _, op := range def.Operators {
		def.byID[op.ID] = op
	}
	return &def, nil
}

// LoadNodeConfig reads and parses a node's local configuration file.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := defaultNodeConfig()
	if err := tomlSettings.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: parsing node config: %w", err)
	}
	return cfg, nil
}

func defaultNodeConfig() *NodeConfig {
	return &NodeConfig{
		BaseTimeout:     time.Second,
		SyncRetryDelay:  2 * time.Second,
		StoreBackend:    "leveldb",
		LogLevel:        "info",
		MempoolCapacity: 1000,
	}
}

// ConsensusAddress implements bft.ConsensusKeyResolver.
func (d *CommitteeDefinition) ConsensusAddress(id bft.OperatorId) (common.Address, bool) {
	op, ok := d.byID[uint64(id)]
	if !ok {
		return common.Address{}, false
	}
	return common.HexToAddress(op.ConsensusAddress), true
}

// NodeAddress implements netmsg.Resolver.
func (d *CommitteeDefinition) NodeAddress(id uint64) (string, bool) {
	op, ok := d.byID[id]
	if !ok || op.NetworkAddress == "" {
		return "", false
	}
	return op.NetworkAddress, true
}

// OperatorsExcluding lists every operator id except self, since
// broadcasts should not loop back to the sender. node's committeeView
// wraps it to satisfy netmsg.Committee and blocksync.Committee.
func (d *CommitteeDefinition) OperatorsExcluding(self bft.OperatorId) []bft.OperatorId {
	out := make([]bft.OperatorId, 0, len(d.Operators))
	for _, op := range d.Operators {
		if bft.OperatorId(op.ID) == self {
			continue
		}
		out = append(out, bft.OperatorId(op.ID))
	}
	return out
}

// PublicShare decodes the BLS public share for operator id.
func (d *CommitteeDefinition) PublicShare(id uint64) (committee.PublicShare, bool) {
	op, ok := d.byID[id]
	if !ok {
		return committee.PublicShare{}, false
	}
	raw := common.FromHex(op.BLSPublicShare)
	var out committee.PublicShare
	if len(raw) != len(out) {
		return committee.PublicShare{}, false
	}
	copy(out[:], raw)
	return out, true
}

// ValidatorAggregatePublicKey decodes the validator's aggregate BLS public
// key, the key the combined signature must verify under.
func (d *CommitteeDefinition) ValidatorAggregatePublicKey() (committee.PublicShare, error) {
	raw := common.FromHex(d.ValidatorPublicKey)
	var out committee.PublicShare
	if len(raw) != len(out) {
		return committee.PublicShare{}, fmt.Errorf("config: validator public key has wrong length %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// deriveConsensusAddress is a convenience helper for building committee
// definitions from raw secp256k1 public keys in tooling/tests.
func deriveConsensusAddress(pub []byte) (common.Address, error) {
	key, err := crypto.UnmarshalPubkey(pub)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*key), nil
}

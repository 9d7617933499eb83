// Command dvfnode runs one operator's participation in a distributed
// validator: it loads a committee definition and local key material,
// then drives the consensus engine, synchronizer, operator committee,
// and DVF signer for as long as the process lives.
package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/tos-network/dvfcore/config"
	"github.com/tos-network/dvfcore/node"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "dvfnode",
		Usage: "distributed validator operator node",
		Flags: []cli.Flag{
			dataDirFlag,
			committeeFlag,
			selfFlag,
			listenFlag,
			baseTimeoutFlag,
			syncRetryDelayFlag,
			storeBackendFlag,
			mempoolCapacityFlag,
			consensusKeyFlag,
			blsKeyFlag,
			verbosityFlag,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	log := logrus.New()
	level, err := logrus.ParseLevel(c.String(verbosityFlag.Name))
	if err != nil {
		return fmt.Errorf("dvfnode: invalid verbosity: %w", err)
	}
	log.SetLevel(level)
	entry := logrus.NewEntry(log)

	committeeDef, err := config.LoadCommitteeDefinition(c.String(committeeFlag.Name))
	if err != nil {
		return fmt.Errorf("dvfnode: loading committee definition: %w", err)
	}

	consensusPriv, err := loadECDSAKey(c.String(consensusKeyFlag.Name))
	if err != nil {
		return fmt.Errorf("dvfnode: loading consensus key: %w", err)
	}
	blsPriv, err := loadHexFile(c.String(blsKeyFlag.Name))
	if err != nil {
		return fmt.Errorf("dvfnode: loading BLS key: %w", err)
	}

	nodeCfg := &config.NodeConfig{
		Self:            c.Uint64(selfFlag.Name),
		DataDir:         c.String(dataDirFlag.Name),
		CommitteeFile:   c.String(committeeFlag.Name),
		Listen:          c.String(listenFlag.Name),
		BaseTimeout:     c.Duration(baseTimeoutFlag.Name),
		SyncRetryDelay:  c.Duration(syncRetryDelayFlag.Name),
		StoreBackend:    c.String(storeBackendFlag.Name),
		LogLevel:        c.String(verbosityFlag.Name),
		MempoolCapacity: c.Int(mempoolCapacityFlag.Name),
	}

	n, err := node.New(node.Config{
		Node:             nodeCfg,
		Committee:        committeeDef,
		ConsensusPrivKey: consensusPriv,
		BLSPrivKey:       blsPriv,
		Log:              entry,
	})
	if err != nil {
		return fmt.Errorf("dvfnode: building node: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	entry.WithFields(logrus.Fields{
		"self":    nodeCfg.Self,
		"listen":  nodeCfg.Listen,
		"backend": nodeCfg.StoreBackend,
	}).Info("dvfnode: starting")

	if err := n.Run(ctx); err != nil && err != context.Canceled {
		return fmt.Errorf("dvfnode: run: %w", err)
	}
	return nil
}

func loadHexFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(strings.TrimSpace(string(raw)))
}

func loadECDSAKey(path string) (*ecdsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return crypto.HexToECDSA(strings.TrimSpace(string(raw)))
}

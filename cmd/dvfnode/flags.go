package main

import (
	"time"

	"github.com/tos-network/dvfcore/internal/flags"
	"github.com/urfave/cli/v2"
)

var (
	dataDirFlag = &cli.StringFlag{
		Name:     "datadir",
		Usage:    "Data directory for the node's persisted block store",
		Value:    "./dvfdata",
		Category: flags.DVFCategory,
	}
	committeeFlag = &cli.StringFlag{
		Name:     "committee",
		Usage:    "Path to the TOML committee-definition file",
		Required: true,
		Category: flags.DVFCategory,
	}
	selfFlag = &cli.Uint64Flag{
		Name:     "self",
		Usage:    "This node's operator id within the committee definition",
		Required: true,
		Category: flags.DVFCategory,
	}
	listenFlag = &cli.StringFlag{
		Name:     "listen",
		Usage:    "Address to listen on for operator-to-operator traffic",
		Value:    ":30700",
		Category: flags.NetworkingCategory,
	}
	baseTimeoutFlag = &cli.DurationFlag{
		Name:     "base-timeout",
		Usage:    "Base round-timer duration before exponential backoff",
		Value:    time.Second,
		Category: flags.DVFCategory,
	}
	syncRetryDelayFlag = &cli.DurationFlag{
		Name:     "sync-retry-delay",
		Usage:    "Minimum delay before an outstanding sync request is retried",
		Value:    2 * time.Second,
		Category: flags.DVFCategory,
	}
	storeBackendFlag = &cli.StringFlag{
		Name:     "store-backend",
		Usage:    "Block store backend: leveldb or memory",
		Value:    "leveldb",
		Category: flags.DVFCategory,
	}
	mempoolCapacityFlag = &cli.IntFlag{
		Name:     "mempool-capacity",
		Usage:    "Bounded capacity of the pending-request mempool",
		Value:    1000,
		Category: flags.DVFCategory,
	}
	consensusKeyFlag = &cli.StringFlag{
		Name:     "consensus-key",
		Usage:    "Path to a file holding this operator's raw hex-encoded secp256k1 consensus key",
		Required: true,
		Category: flags.AccountCategory,
	}
	blsKeyFlag = &cli.StringFlag{
		Name:     "bls-key",
		Usage:    "Path to a file holding this operator's raw hex-encoded BLS12-381 signing share",
		Required: true,
		Category: flags.AccountCategory,
	}
	verbosityFlag = &cli.StringFlag{
		Name:     "verbosity",
		Usage:    "Log level: panic, fatal, error, warn, info, debug, trace",
		Value:    "info",
		Category: flags.LoggingCategory,
	}
)

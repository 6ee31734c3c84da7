package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/wnt/tokensync/internal/chain"
	"github.com/wnt/tokensync/internal/checkpoint"
	"github.com/wnt/tokensync/internal/database"
	"github.com/wnt/tokensync/internal/eventlog"
	"github.com/wnt/tokensync/internal/ledger"
	"github.com/wnt/tokensync/internal/logger"
	"github.com/wnt/tokensync/internal/reconcile"
	"github.com/wnt/tokensync/internal/rpc"
	"github.com/wnt/tokensync/internal/syncer"
	"github.com/wnt/tokensync/internal/token"
)

type assetOutput struct {
	TokenID string `json:"token_id"`
	Balance string `json:"balance"`
}

type holdingOutput struct {
	Target  string        `json:"target"`
	Balance string        `json:"balance"`
	Assets  []assetOutput `json:"assets,omitempty"`
	Slots   []string      `json:"slots,omitempty"`
}

func main() {
	var (
		chainID  = flag.Int64("chain", 1, "Chain id")
		contract = flag.String("contract", "", "Token contract address (required)")
		wallet   = flag.String("wallet", "", "Wallet address (required)")
		standard = flag.String("standard", "erc721", "Token standard")
		rpcURLs  = flag.String("rpc", "", "Comma separated RPC endpoint URLs (required)")
		dbPath   = flag.String("db", "tokensync.db", "SQLite database path")
		resync   = flag.Bool("resync", false, "Forget the checkpoint and scan from scratch")
		slots    = flag.String("slots", "", "Comma separated token ids to store as the inventory of an index-array holding")
		timeout  = flag.Duration("timeout", 5*time.Minute, "Overall timeout")
		level    = flag.String("log-level", "info", "Log level")
	)
	flag.Parse()

	if *contract == "" || *wallet == "" || *rpcURLs == "" {
		fmt.Fprintln(os.Stderr, "Usage: syncone -contract <address> -wallet <address> -rpc <url>[,<url>] [-chain 1] [-standard erc721]")
		os.Exit(2)
	}

	log := logger.New(*level)

	target, err := token.ParseTarget(fmt.Sprintf("%d:%s:%s:%s", *chainID, *contract, *wallet, *standard))
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid target")
	}

	db, err := database.OpenSQLite(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}

	pool := rpc.NewPool(map[int64][]string{*chainID: splitList(*rpcURLs)}, 10, log)
	client := chain.NewEthClient(*chainID, pool, rpc.NewFetcher(pool, log), log)

	s, err := syncer.New(
		map[int64]chain.Client{*chainID: client},
		checkpoint.NewManager(db, 0, log),
		eventlog.NewFetcher(chain.DefaultMaxNarrowingDepth, log),
		reconcile.New(chain.NewBatchPolicy(chain.DefaultBatchLimit), log),
		ledger.NewStore(db, log),
		syncer.Options{CacheSize: 1},
		log,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create syncer")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	holding, err := run(ctx, s, target, *resync, *slots)
	if err != nil {
		log.Fatal().Err(err).Msg("Sync failed")
	}

	if err := printHolding(target, holding); err != nil {
		log.Fatal().Err(err).Msg("Failed to print holding")
	}
}

func run(ctx context.Context, s *syncer.Syncer, target token.Target, resync bool, slots string) (*token.Holding, error) {
	if slots != "" {
		ids, err := parseIDs(slots)
		if err != nil {
			return nil, err
		}
		return s.SeedInventory(ctx, target, ids)
	}
	if resync {
		return s.Resync(ctx, target)
	}
	return s.UpdateBalance(ctx, target)
}

func printHolding(target token.Target, h *token.Holding) error {
	out := holdingOutput{
		Target:  target.String(),
		Balance: h.Balance().String(),
	}
	for _, id := range h.HeldIDs() {
		out.Assets = append(out.Assets, assetOutput{TokenID: id.String(), Balance: h.BalanceOf(id).String()})
	}
	for _, id := range h.Slots {
		out.Slots = append(out.Slots, id.String())
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseIDs(s string) ([]*big.Int, error) {
	var ids []*big.Int
	for _, part := range splitList(s) {
		id, ok := token.ParseID(part)
		if !ok {
			return nil, fmt.Errorf("invalid token id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

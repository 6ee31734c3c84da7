package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/wnt/tokensync/internal/token"
)

// New creates and configures a new zerolog logger
func New(logLevel string) zerolog.Logger {
	return NewWithWriter(logLevel, output())
}

// NewWithWriter builds the service logger on top of w
func NewWithWriter(logLevel string, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(logLevel))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", "tokensync").
		Logger()
}

// output selects human-readable console output in development
func output() io.Writer {
	if os.Getenv("API_ENV") == "development" {
		return zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}
	return os.Stdout
}

// WithWorker adds worker ID to logger context
func WithWorker(logger zerolog.Logger, workerID string) zerolog.Logger {
	return logger.With().Str("worker_id", workerID).Logger()
}

// WithWallet adds wallet address to logger context
func WithWallet(logger zerolog.Logger, wallet string) zerolog.Logger {
	return logger.With().Str("wallet", wallet).Logger()
}

// WithContract adds contract address to logger context
func WithContract(logger zerolog.Logger, contract string) zerolog.Logger {
	return logger.With().Str("contract", contract).Logger()
}

// WithChain adds chain ID to logger context
func WithChain(logger zerolog.Logger, chainID int64) zerolog.Logger {
	return logger.With().Int64("chain_id", chainID).Logger()
}

// WithTarget adds every field of a sync target to logger context
func WithTarget(logger zerolog.Logger, target token.Target) zerolog.Logger {
	return logger.With().
		Int64("chain_id", target.ChainID).
		Str("contract", token.LowerHex(target.Contract)).
		Str("wallet", token.LowerHex(target.Wallet)).
		Str("standard", target.Standard.String()).
		Logger()
}

// WithRPCEndpoint adds RPC endpoint to logger context
func WithRPCEndpoint(logger zerolog.Logger, endpoint string) zerolog.Logger {
	return logger.With().Str("rpc_endpoint", endpoint).Logger()
}

// Package config handles configuration loading and validation.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gateway-fm/leaderprobe/internal/slots"
	"github.com/gateway-fm/leaderprobe/internal/txbuilder"
	"github.com/gateway-fm/leaderprobe/pkg/types"
)

// Config holds leader probe configuration.
type Config struct {
	WSRPCURL     string // websocket endpoint for slotsUpdatesSubscribe
	HTTPRPCURL   string // read endpoint for blockhashes and signature statuses
	SenderRPCURL string // forwarding path under test; probes are submitted here
	KeypairPath  string
	ScheduleURL  string

	// Run bounds. At least one must be set; whichever is hit first ends dispatch.
	NumLeaders  int
	RunDuration time.Duration

	CUPrice       uint64 // micro-lamports per compute unit
	CULimit       uint32
	MemoPrefix    string
	MemoRandomLen int

	SlotPolicy   string
	LeaderWindow uint64

	BlockhashRefresh    time.Duration
	SettleDelay         time.Duration
	StatusBatchSize     int
	StatusBatchInterval time.Duration
	MaxInFlight         int // 0 = unbounded

	ListenAddr         string // empty disables the HTTP API
	DatabasePath       string // empty disables run history
	CORSAllowedOrigins string
	LogLevel           string
}

// Defaults
const (
	DefaultCULimit             = txbuilder.DefaultComputeUnitLimit
	DefaultMemoPrefix          = txbuilder.DefaultMemoPrefix
	DefaultMemoRandomLen       = txbuilder.DefaultMemoRandomLen
	DefaultSlotPolicy          = string(types.PolicyWindowStart)
	DefaultLeaderWindow        = slots.DefaultWindowLength
	DefaultBlockhashRefresh    = 30 * time.Second
	DefaultSettleDelay         = 10 * time.Second
	DefaultStatusBatchSize     = 10
	DefaultStatusBatchInterval = 200 * time.Millisecond
	DefaultCORSAllowedOrigins  = "*"
	DefaultLogLevel            = "info"
	MaxStatusBatchSize         = 256 // getSignatureStatuses limit
)

// Default returns a Config with every optional field at its default.
func Default() *Config {
	return &Config{
		CULimit:             DefaultCULimit,
		MemoPrefix:          DefaultMemoPrefix,
		MemoRandomLen:       DefaultMemoRandomLen,
		SlotPolicy:          DefaultSlotPolicy,
		LeaderWindow:        DefaultLeaderWindow,
		BlockhashRefresh:    DefaultBlockhashRefresh,
		SettleDelay:         DefaultSettleDelay,
		StatusBatchSize:     DefaultStatusBatchSize,
		StatusBatchInterval: DefaultStatusBatchInterval,
		CORSAllowedOrigins:  DefaultCORSAllowedOrigins,
		LogLevel:            DefaultLogLevel,
	}
}

// Load reads configuration from environment variables and command-line flags.
// Command-line flags take precedence over environment variables.
func Load(args []string) (*Config, error) {
	return load(args, os.Getenv)
}

func load(args []string, getenv func(string) string) (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}

	fs := flag.NewFlagSet("leaderprobe", flag.ContinueOnError)
	fs.StringVar(&cfg.WSRPCURL, "ws-rpc", cfg.WSRPCURL, "Websocket RPC URL for slot updates")
	fs.StringVar(&cfg.HTTPRPCURL, "http-rpc", cfg.HTTPRPCURL, "HTTP RPC URL for blockhashes and statuses")
	fs.StringVar(&cfg.SenderRPCURL, "sender-rpc", cfg.SenderRPCURL, "RPC URL probes are submitted to")
	fs.StringVar(&cfg.KeypairPath, "keypair", cfg.KeypairPath, "Path to a solana-keygen keypair file")
	fs.StringVar(&cfg.ScheduleURL, "schedule-url", cfg.ScheduleURL, "Leader schedule document URL")
	fs.IntVar(&cfg.NumLeaders, "num-leaders", cfg.NumLeaders, "Stop after this many qualifying slots (0 = no limit)")
	fs.DurationVar(&cfg.RunDuration, "duration", cfg.RunDuration, "Stop dispatching after this long (0 = no limit)")
	fs.Uint64Var(&cfg.CUPrice, "cu-price", cfg.CUPrice, "Compute unit price in micro-lamports")
	cuLimit := fs.Uint("cu-limit", uint(cfg.CULimit), "Compute unit limit")
	fs.StringVar(&cfg.MemoPrefix, "memo-prefix", cfg.MemoPrefix, "Memo prefix")
	fs.IntVar(&cfg.MemoRandomLen, "memo-random-len", cfg.MemoRandomLen, "Random characters appended to the memo")
	fs.StringVar(&cfg.SlotPolicy, "slot-policy", cfg.SlotPolicy, "Slot policy (window-start, any)")
	fs.Uint64Var(&cfg.LeaderWindow, "leader-window", cfg.LeaderWindow, "Consecutive slots per leader window")
	fs.DurationVar(&cfg.BlockhashRefresh, "blockhash-refresh", cfg.BlockhashRefresh, "Blockhash refresh interval")
	fs.DurationVar(&cfg.SettleDelay, "settle-delay", cfg.SettleDelay, "Wait before auditing landings")
	fs.IntVar(&cfg.StatusBatchSize, "status-batch-size", cfg.StatusBatchSize, "Signatures per status query")
	fs.DurationVar(&cfg.StatusBatchInterval, "status-batch-interval", cfg.StatusBatchInterval, "Delay between status queries")
	fs.IntVar(&cfg.MaxInFlight, "max-in-flight", cfg.MaxInFlight, "Cap on concurrent submissions (0 = unbounded)")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address (empty disables the API)")
	fs.StringVar(&cfg.DatabasePath, "db", cfg.DatabasePath, "SQLite run history path (empty disables history)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *cuLimit > uint(^uint32(0)) {
		return nil, fmt.Errorf("cu-limit %d out of range", *cuLimit)
	}
	cfg.CULimit = uint32(*cuLimit)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables. A malformed value is an error
// rather than being ignored.
func (c *Config) applyEnv(getenv func(string) string) error {
	strs := map[string]*string{
		"WS_RPC":               &c.WSRPCURL,
		"HTTP_RPC":             &c.HTTPRPCURL,
		"SENDER_RPC":           &c.SenderRPCURL,
		"KEYPAIR_PATH":         &c.KeypairPath,
		"SCHEDULE_URL":         &c.ScheduleURL,
		"MEMO_PREFIX":          &c.MemoPrefix,
		"SLOT_POLICY":          &c.SlotPolicy,
		"LISTEN_ADDR":          &c.ListenAddr,
		"DATABASE_PATH":        &c.DatabasePath,
		"CORS_ALLOWED_ORIGINS": &c.CORSAllowedOrigins,
		"LOG_LEVEL":            &c.LogLevel,
	}
	for key, dst := range strs {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	var errs []error
	parseInt := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	parseUint := func(key string, bits int, set func(uint64)) {
		if v := getenv(key); v != "" {
			n, err := strconv.ParseUint(v, 10, bits)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			set(n)
		}
	}
	parseDuration := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	parseInt("NUM_LEADERS", &c.NumLeaders)
	parseInt("MEMO_RANDOM_LEN", &c.MemoRandomLen)
	parseInt("STATUS_BATCH_SIZE", &c.StatusBatchSize)
	parseInt("MAX_IN_FLIGHT", &c.MaxInFlight)
	parseUint("CU_PRICE_MICRO_LAMPORTS", 64, func(n uint64) { c.CUPrice = n })
	parseUint("CU_LIMIT", 32, func(n uint64) { c.CULimit = uint32(n) })
	parseUint("LEADER_WINDOW", 64, func(n uint64) { c.LeaderWindow = n })
	parseDuration("RUN_DURATION", &c.RunDuration)
	parseDuration("BLOCKHASH_REFRESH", &c.BlockhashRefresh)
	parseDuration("SETTLE_DELAY", &c.SettleDelay)
	parseDuration("STATUS_BATCH_INTERVAL", &c.StatusBatchInterval)

	return errors.Join(errs...)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.WSRPCURL == "" {
		return fmt.Errorf("websocket RPC URL is required (WS_RPC)")
	}
	if c.HTTPRPCURL == "" {
		return fmt.Errorf("HTTP RPC URL is required (HTTP_RPC)")
	}
	if c.SenderRPCURL == "" {
		return fmt.Errorf("sender RPC URL is required (SENDER_RPC)")
	}
	if c.KeypairPath == "" {
		return fmt.Errorf("keypair path is required (KEYPAIR_PATH)")
	}
	if c.ScheduleURL == "" {
		return fmt.Errorf("schedule URL is required (SCHEDULE_URL)")
	}
	if c.NumLeaders < 0 {
		return fmt.Errorf("num leaders cannot be negative")
	}
	if c.RunDuration < 0 {
		return fmt.Errorf("run duration cannot be negative")
	}
	if c.NumLeaders == 0 && c.RunDuration == 0 {
		return fmt.Errorf("either NUM_LEADERS or RUN_DURATION must be set")
	}
	if c.CULimit == 0 {
		return fmt.Errorf("compute unit limit must be positive")
	}
	if c.MemoRandomLen <= 0 {
		return fmt.Errorf("memo random length must be positive")
	}
	if _, err := slots.ParsePolicy(c.SlotPolicy, c.LeaderWindow); err != nil {
		return err
	}
	if c.BlockhashRefresh <= 0 {
		return fmt.Errorf("blockhash refresh interval must be positive")
	}
	if c.SettleDelay < 0 {
		return fmt.Errorf("settle delay cannot be negative")
	}
	if c.StatusBatchSize <= 0 || c.StatusBatchSize > MaxStatusBatchSize {
		return fmt.Errorf("status batch size must be between 1 and %d", MaxStatusBatchSize)
	}
	if c.StatusBatchInterval < 0 {
		return fmt.Errorf("status batch interval cannot be negative")
	}
	if c.MaxInFlight < 0 {
		return fmt.Errorf("max in-flight cannot be negative")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Policy returns the parsed slot policy. Only valid after Validate.
func (c *Config) Policy() slots.Policy {
	p, _ := slots.ParsePolicy(c.SlotPolicy, c.LeaderWindow)
	return p
}

// ParseLogLevel maps a level name to a slog.Level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", s)
	}
}

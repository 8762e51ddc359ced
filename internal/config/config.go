package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"gotothemoon/internal/broker"
	"gotothemoon/internal/domain"
	"gotothemoon/internal/util"
)

// DefaultPath is used when neither a flag nor GOTOTHEMOON_CONFIG names a file.
const DefaultPath = "config/gotothemoon.yaml"

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for gotothemoon. It is loaded once
// and passed by value; nothing mutates it afterwards.
type Config struct {
	Logging   Logging   `yaml:"logging"`
	Storage   Storage   `yaml:"storage"`
	Server    Server    `yaml:"server"`
	Alpaca    Alpaca    `yaml:"alpaca"`
	Broker    Broker    `yaml:"broker"`
	Risk      Risk      `yaml:"risk"`
	Execution Execution `yaml:"execution"`
	Decision  Decision  `yaml:"decision"`
	Backtest  Backtest  `yaml:"backtest"`
	Feed      Feed      `yaml:"feed"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// Server holds the trader's network listeners.
type Server struct {
	GRPCAddr    string `yaml:"grpc_addr"`
	MetricsAddr string `yaml:"metrics_addr"` // also serves the /ws event feed
}

// Alpaca holds credentials and endpoints for the Alpaca APIs.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
}

// Broker selects and wraps the brokerage adapter.
type Broker struct {
	Kind        string        `yaml:"kind"` // alpaca or simulator
	DedupWindow time.Duration `yaml:"dedup_window"`
	Throttle    bool          `yaml:"throttle"`
	// Shadow mirrors every live order into a simulator and alerts when the
	// two venues disagree.
	Shadow bool `yaml:"shadow"`
	// InitialCash seeds the simulator and the ledger of a fresh journal.
	InitialCash float64 `yaml:"initial_cash"`
}

// Risk are the pre-trade limits. Zero disables a limit.
type Risk struct {
	MaxPositionPerSymbol float64 `yaml:"max_position_per_symbol"`
	MaxOrderNotional     float64 `yaml:"max_order_notional"`
	MaxDailyLoss         float64 `yaml:"max_daily_loss"`
}

// Execution tunes the orchestrator.
type Execution struct {
	OrderType       string        `yaml:"order_type"` // market or limit
	AllowOverlap    bool          `yaml:"allow_overlap"`
	Window          int           `yaml:"window"`
	DecisionTimeout time.Duration `yaml:"decision_timeout"`
	SyncInterval    time.Duration `yaml:"sync_interval"`
	QueueSize       int           `yaml:"queue_size"`
	Retry           Retry         `yaml:"retry"`
}

// Retry bounds adapter retries.
type Retry struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// Decision selects the decision model.
type Decision struct {
	// Model is a registered built-in name, "remote" or "onnx".
	Model  string            `yaml:"model"`
	Params map[string]string `yaml:"params"`
	URL    string            `yaml:"url"`
	ONNX   ONNX              `yaml:"onnx"`
}

// ONNX configures a local ONNX classifier.
type ONNX struct {
	ModelPath   string  `yaml:"model_path"`
	LibraryPath string  `yaml:"library_path"`
	Lookback    int     `yaml:"lookback"`
	Threshold   float32 `yaml:"threshold"`
	Size        float64 `yaml:"size"`
}

// Backtest configures gtm-backtest.
type Backtest struct {
	Symbols        []string `yaml:"symbols"`
	Start          string   `yaml:"start"` // YYYY-MM-DD
	End            string   `yaml:"end"`
	InitialCapital float64  `yaml:"initial_capital"`
	CSVPath        string   `yaml:"csv_path"` // reads parquet bars when empty
	Participation  float64  `yaml:"participation"`
	AllowShort     bool     `yaml:"allow_short"`
	OutputDir      string   `yaml:"output_dir"` // <data_dir>/backtests when empty
	Costs          Costs    `yaml:"costs"`
}

// Costs is the simulated slippage and fee model.
type Costs struct {
	SlippageBps float64 `yaml:"slippage_bps"`
	FeePerShare float64 `yaml:"fee_per_share"`
	FeeBps      float64 `yaml:"fee_bps"`
	MinFee      float64 `yaml:"min_fee"`
}

// Feed selects the live market data source.
type Feed struct {
	Kind        string        `yaml:"kind"` // poller or websocket
	Symbols     []string      `yaml:"symbols"`
	Interval    time.Duration `yaml:"interval"`
	DataFeed    string        `yaml:"data_feed"` // iex or sip
	SessionOnly bool          `yaml:"session_only"`
	URL         string        `yaml:"url"` // websocket relay
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Path resolves the configuration file: flagValue when set, then
// GOTOTHEMOON_CONFIG, then DefaultPath.
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv("GOTOTHEMOON_CONFIG"); v != "" {
		return v
	}
	return DefaultPath
}

// Load reads the YAML configuration file at the given path, applies
// environment variable overrides and defaults, and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse is Load for configuration already in memory.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	applyEnvOverrides(&cfg)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	// The SDK's canonical names win.
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}

func (c *Config) applyDefaults() {
	setDefault(&c.Logging.Level, "info")
	setDefault(&c.Logging.Format, "json")
	setDefault(&c.Storage.DataDir, "data")
	setDefault(&c.Storage.SQLitePath, "data/gotothemoon.db")
	setDefault(&c.Server.GRPCAddr, ":9090")
	setDefault(&c.Server.MetricsAddr, ":9100")
	setDefault(&c.Alpaca.BaseURL, "https://paper-api.alpaca.markets")
	setDefault(&c.Broker.Kind, "simulator")
	setDefault(&c.Execution.OrderType, string(domain.OrderTypeMarket))
	c.Execution.OrderType = strings.ToLower(c.Execution.OrderType)
	setDefault(&c.Decision.Model, "hold")
	setDefault(&c.Feed.Kind, "poller")
	setDefault(&c.Feed.DataFeed, "iex")

	if c.Broker.DedupWindow == 0 {
		c.Broker.DedupWindow = 10 * time.Minute
	}
	if c.Broker.InitialCash == 0 {
		c.Broker.InitialCash = 100000
	}
	if c.Backtest.InitialCapital == 0 {
		c.Backtest.InitialCapital = 100000
	}
	if c.Execution.Retry.MaxAttempts == 0 {
		c.Execution.Retry = Retry{
			MaxAttempts:    util.DefaultRetryPolicy.MaxAttempts,
			InitialBackoff: util.DefaultRetryPolicy.InitialBackoff,
			MaxBackoff:     util.DefaultRetryPolicy.MaxBackoff,
		}
	}
	if c.Feed.Interval == 0 {
		c.Feed.Interval = time.Minute
	}
	if len(c.Feed.Symbols) == 0 {
		c.Feed.Symbols = c.Backtest.Symbols
	}
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

// Validate reports every inconsistency in the configuration at once.
func (c Config) Validate() error {
	var errs []error
	switch c.Broker.Kind {
	case "simulator":
	case "alpaca":
		if c.Alpaca.APIKey == "" || c.Alpaca.APISecret == "" {
			errs = append(errs, errors.New("broker.kind alpaca needs alpaca api_key and api_secret"))
		}
	default:
		errs = append(errs, fmt.Errorf("broker.kind %q: want alpaca or simulator", c.Broker.Kind))
	}
	if c.Broker.Shadow && c.Broker.Kind != "alpaca" {
		errs = append(errs, errors.New("broker.shadow requires broker.kind alpaca"))
	}
	switch domain.OrderType(c.Execution.OrderType) {
	case domain.OrderTypeMarket, domain.OrderTypeLimit:
	default:
		errs = append(errs, fmt.Errorf("execution.order_type %q: want market or limit", c.Execution.OrderType))
	}
	if c.Risk.MaxPositionPerSymbol < 0 || c.Risk.MaxOrderNotional < 0 || c.Risk.MaxDailyLoss < 0 {
		errs = append(errs, errors.New("risk limits must not be negative"))
	}
	if c.Execution.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("execution.retry.max_attempts must be positive"))
	}
	if c.Backtest.Participation < 0 || c.Backtest.Participation > 1 {
		errs = append(errs, errors.New("backtest.participation must be within [0, 1]"))
	}
	if _, _, err := c.BacktestRange(); err != nil {
		errs = append(errs, err)
	}
	switch c.Decision.Model {
	case "remote":
		if c.Decision.URL == "" {
			errs = append(errs, errors.New("decision.model remote needs decision.url"))
		}
	case "onnx":
		if c.Decision.ONNX.ModelPath == "" || c.Decision.ONNX.Lookback < 1 {
			errs = append(errs, errors.New("decision.model onnx needs onnx.model_path and a positive onnx.lookback"))
		}
	}
	switch c.Feed.Kind {
	case "poller":
	case "websocket":
		if c.Feed.URL == "" {
			errs = append(errs, errors.New("feed.kind websocket needs feed.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("feed.kind %q: want poller or websocket", c.Feed.Kind))
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// RiskLimits converts the risk section to domain limits.
func (c Config) RiskLimits() domain.RiskLimits {
	return domain.RiskLimits{
		MaxPositionPerSymbol: decimal.NewFromFloat(c.Risk.MaxPositionPerSymbol),
		MaxOrderNotional:     decimal.NewFromFloat(c.Risk.MaxOrderNotional),
		MaxDailyLoss:         decimal.NewFromFloat(c.Risk.MaxDailyLoss),
	}
}

// RetryPolicy converts the retry section.
func (c Config) RetryPolicy() util.RetryPolicy {
	return util.RetryPolicy{
		MaxAttempts:    c.Execution.Retry.MaxAttempts,
		InitialBackoff: c.Execution.Retry.InitialBackoff,
		MaxBackoff:     c.Execution.Retry.MaxBackoff,
	}
}

// BacktestRange parses the backtest dates. An empty bound is returned as the
// zero time, meaning unbounded. End is inclusive of the whole day.
func (c Config) BacktestRange() (start, end time.Time, err error) {
	if c.Backtest.Start != "" {
		if start, err = time.Parse(time.DateOnly, c.Backtest.Start); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("backtest.start: %w", err)
		}
	}
	if c.Backtest.End != "" {
		if end, err = time.Parse(time.DateOnly, c.Backtest.End); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("backtest.end: %w", err)
		}
		end = end.Add(24*time.Hour - time.Nanosecond)
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("backtest range %s..%s is empty", c.Backtest.Start, c.Backtest.End)
	}
	return start, end, nil
}

// CostModel converts the backtest cost section.
func (c Config) CostModel() broker.CostModel {
	return broker.CostModel{
		SlippageBps: decimal.NewFromFloat(c.Backtest.Costs.SlippageBps),
		FeePerShare: decimal.NewFromFloat(c.Backtest.Costs.FeePerShare),
		FeeBps:      decimal.NewFromFloat(c.Backtest.Costs.FeeBps),
		MinFee:      decimal.NewFromFloat(c.Backtest.Costs.MinFee),
	}
}

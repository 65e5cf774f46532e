package ops

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"tradecore/internal/chaos"
	"tradecore/internal/frontier"
	"tradecore/internal/og"
	"tradecore/internal/risk"
	"tradecore/internal/runloop"
	"tradecore/internal/schema"
	"tradecore/pkg/conn"
)

// FileConfig mirrors the JSON and YAML config layout.
type FileConfig struct {
	Mode          string               `json:"mode" yaml:"mode"`
	Registry      RegistryConfig       `json:"registry" yaml:"registry"`
	Subscriptions []SubscriptionConfig `json:"subscriptions" yaml:"subscriptions"`
	Data          DataConfig           `json:"data" yaml:"data"`
	Run           RunConfig            `json:"run" yaml:"run"`
	Risk          *RiskConfig          `json:"risk" yaml:"risk"`
	Fill          FillConfig           `json:"fill" yaml:"fill"`
	Broker        BrokerConfig         `json:"broker" yaml:"broker"`
	Orders        []OrderConfig        `json:"orders" yaml:"orders"`
	Sinks         SinkConfig           `json:"sinks" yaml:"sinks"`
	Features      FeatureFlagsConfig   `json:"features" yaml:"features"`
	Chaos         ChaosConfig          `json:"chaos" yaml:"chaos"`
}

// RegistryConfig defines venue and symbol mappings.
type RegistryConfig struct {
	Venues  []VenueConfig  `json:"venues" yaml:"venues"`
	Symbols []SymbolConfig `json:"symbols" yaml:"symbols"`
}

// VenueConfig describes a venue entry.
type VenueConfig struct {
	Name string `json:"name" yaml:"name"`
}

// SymbolConfig describes a symbol entry.
type SymbolConfig struct {
	Name  string           `json:"name" yaml:"name"`
	Venue string           `json:"venue" yaml:"venue"`
	Scale schema.ScaleSpec `json:"scale" yaml:"scale"`
}

// SubscriptionConfig describes one subscription opened at startup.
type SubscriptionConfig struct {
	Symbol        string `json:"symbol" yaml:"symbol"`
	Resolution    string `json:"resolution" yaml:"resolution"`
	Kind          string `json:"kind" yaml:"kind"`
	TimeZone      string `json:"timeZone" yaml:"timeZone"`
	Session       string `json:"session" yaml:"session"`
	FillForward   bool   `json:"fillForward" yaml:"fillForward"`
	ExtendedHours bool   `json:"extendedHours" yaml:"extendedHours"`
	// Source is wal, store or live. Empty picks wal for backtests and live otherwise.
	Source string `json:"source" yaml:"source"`
	// History is replayed before a live source takes over.
	History string `json:"history" yaml:"history"`
}

// DataConfig locates historical data and the live feed.
type DataConfig struct {
	WALDir          string           `json:"walDir" yaml:"walDir"`
	DisableChecksum bool             `json:"disableChecksum" yaml:"disableChecksum"`
	MaxPayloadSize  int              `json:"maxPayloadSize" yaml:"maxPayloadSize"`
	PageSize        int              `json:"pageSize" yaml:"pageSize"`
	Database        *DatabaseConfig  `json:"database" yaml:"database"`
	Feed            string           `json:"feed" yaml:"feed"`
	URL             string           `json:"url" yaml:"url"`
	LiveQueue       int              `json:"liveQueue" yaml:"liveQueue"`
	GraceWindow     string           `json:"graceWindow" yaml:"graceWindow"`
	PollInterval    string           `json:"pollInterval" yaml:"pollInterval"`
	CorruptPolicy   string           `json:"corruptPolicy" yaml:"corruptPolicy"`
	MaxCorruptRun   int              `json:"maxCorruptRun" yaml:"maxCorruptRun"`
	Synthetic       *SyntheticConfig `json:"synthetic" yaml:"synthetic"`
}

// DatabaseConfig mirrors conn.Option.
type DatabaseConfig struct {
	Driver     string            `json:"driver" yaml:"driver"`
	Path       string            `json:"path" yaml:"path"`
	Host       string            `json:"host" yaml:"host"`
	Port       int               `json:"port" yaml:"port"`
	User       string            `json:"user" yaml:"user"`
	Password   string            `json:"password" yaml:"password"`
	Database   string            `json:"database" yaml:"database"`
	SSLMode    string            `json:"sslMode" yaml:"sslMode"`
	Params     map[string]string `json:"params" yaml:"params"`
	ConnString string            `json:"connString" yaml:"connString"`
	// MaxOpenConns and MaxIdleConns bound the postgres pool.
	MaxOpenConns int `json:"maxOpenConns" yaml:"maxOpenConns"`
	MaxIdleConns int `json:"maxIdleConns" yaml:"maxIdleConns"`
}

// SyntheticConfig drives the in-process feed with generated bars.
type SyntheticConfig struct {
	Seed      int64  `json:"seed" yaml:"seed"`
	BasePrice string `json:"basePrice" yaml:"basePrice"`
	Volume    string `json:"volume" yaml:"volume"`
	StepBps   int64  `json:"stepBps" yaml:"stepBps"`
	Interval  string `json:"interval" yaml:"interval"`
	Bars      int    `json:"bars" yaml:"bars"`
}

// RunConfig tunes the run loop.
type RunConfig struct {
	TimeBudget    string `json:"timeBudget" yaml:"timeBudget"`
	MaxNoProgress int    `json:"maxNoProgress" yaml:"maxNoProgress"`
	WarmupSlices  int    `json:"warmupSlices" yaml:"warmupSlices"`
	WarmupUntil   string `json:"warmupUntil" yaml:"warmupUntil"`
	StopTimeout   string `json:"stopTimeout" yaml:"stopTimeout"`
}

// RiskConfig defines pre-trade limits in scaled units.
type RiskConfig struct {
	KillSwitch           bool   `json:"killSwitch" yaml:"killSwitch"`
	MaxOrderQty          int64  `json:"maxOrderQty" yaml:"maxOrderQty"`
	MaxOrderNotional     int64  `json:"maxOrderNotional" yaml:"maxOrderNotional"`
	MaxPosition          int64  `json:"maxPosition" yaml:"maxPosition"`
	OrderRateLimit       int    `json:"orderRateLimit" yaml:"orderRateLimit"`
	OrderRateWindow      string `json:"orderRateWindow" yaml:"orderRateWindow"`
	MaxPriceDeviationBps int64  `json:"maxPriceDeviationBps" yaml:"maxPriceDeviationBps"`
}

// FillConfig tunes the default fill model. Rates are decimal strings.
type FillConfig struct {
	SlippageBps int64  `json:"slippageBps" yaml:"slippageBps"`
	FeeRate     string `json:"feeRate" yaml:"feeRate"`
	VolumeRatio string `json:"volumeRatio" yaml:"volumeRatio"`
}

// BrokerConfig tunes the brokered engine and the paper gateway.
type BrokerConfig struct {
	MaxAttempts       int    `json:"maxAttempts" yaml:"maxAttempts"`
	BaseDelay         string `json:"baseDelay" yaml:"baseDelay"`
	MaxDelay          string `json:"maxDelay" yaml:"maxDelay"`
	EventQueue        int    `json:"eventQueue" yaml:"eventQueue"`
	Session           string `json:"session" yaml:"session"`
	ResendOnReconnect bool   `json:"resendOnReconnect" yaml:"resendOnReconnect"`
}

// OrderConfig describes one scripted order. Prices and quantities are
// decimal strings in the symbol's units.
type OrderConfig struct {
	Symbol      string `json:"symbol" yaml:"symbol"`
	Side        string `json:"side" yaml:"side"`
	Type        string `json:"type" yaml:"type"`
	TimeInForce string `json:"timeInForce" yaml:"timeInForce"`
	Expiry      string `json:"expiry" yaml:"expiry"`
	Qty         string `json:"qty" yaml:"qty"`
	LimitPrice  string `json:"limitPrice" yaml:"limitPrice"`
	StopPrice   string `json:"stopPrice" yaml:"stopPrice"`
	Tag         string `json:"tag" yaml:"tag"`
	// At submits on the first slice at or after this time (RFC3339).
	At string `json:"at" yaml:"at"`
	// AfterSlices submits on this slice number, counting from 1.
	AfterSlices int `json:"afterSlices" yaml:"afterSlices"`
	// CancelAfterSlices cancels the order this many slices after submission.
	CancelAfterSlices int         `json:"cancelAfterSlices" yaml:"cancelAfterSlices"`
	Legs              []LegConfig `json:"legs" yaml:"legs"`
}

// LegConfig describes one combo leg.
type LegConfig struct {
	Symbol string `json:"symbol" yaml:"symbol"`
	Ratio  int64  `json:"ratio" yaml:"ratio"`
}

// SinkConfig selects the result sinks.
type SinkConfig struct {
	JSONL        string `json:"jsonl" yaml:"jsonl"`
	JournalDir   string `json:"journalDir" yaml:"journalDir"`
	Store        bool   `json:"store" yaml:"store"`
	StoreBatch   int    `json:"storeBatch" yaml:"storeBatch"`
	Queue        int    `json:"queue" yaml:"queue"`
	SnapshotPath string `json:"snapshotPath" yaml:"snapshotPath"`
	// RecordDir, when set, records every live point into WAL segments that a
	// later backtest can replay.
	RecordDir string `json:"recordDir" yaml:"recordDir"`
}

// ChaosConfig injects faults into the live feed and the broker gateway.
type ChaosConfig struct {
	Feed    *ChaosRates `json:"feed" yaml:"feed"`
	Gateway *ChaosRates `json:"gateway" yaml:"gateway"`
}

// ChaosRates are probabilities within [0, 1].
type ChaosRates struct {
	Seed          int64   `json:"seed" yaml:"seed"`
	DropRate      float64 `json:"dropRate" yaml:"dropRate"`
	DuplicateRate float64 `json:"duplicateRate" yaml:"duplicateRate"`
	ReorderWindow int     `json:"reorderWindow" yaml:"reorderWindow"`
	FailRate      float64 `json:"failRate" yaml:"failRate"`
}

// FeatureFlagsConfig captures optional runtime flags.
type FeatureFlagsConfig struct {
	Reconcile *bool `json:"reconcile" yaml:"reconcile"`
	Snapshot  *bool `json:"snapshot" yaml:"snapshot"`
}

// FeatureFlags are resolved runtime flags.
type FeatureFlags struct {
	Reconcile bool
	Snapshot  bool
}

// Mode selects the adapter and engine variants of a run.
type Mode string

const (
	ModeBacktest Mode = "backtest"
	ModePaper    Mode = "paper"
	ModeLive     Mode = "live"
)

// ParseMode accepts backtest, paper and live. Empty means backtest.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeBacktest:
		return ModeBacktest, nil
	case ModePaper:
		return ModePaper, nil
	case ModeLive:
		return ModeLive, nil
	default:
		return "", fmt.Errorf("unknown mode: %q", s)
	}
}

// Frontier returns the synchronization mode of a run mode.
func (m Mode) Frontier() frontier.Mode {
	if m == ModeBacktest {
		return frontier.ModeBacktest
	}
	return frontier.ModeLive
}

// FeedKind selects the live MarketDataSource.
type FeedKind string

const (
	FeedWebsocket FeedKind = "ws"
	FeedSynthetic FeedKind = "sim"
)

// Loaded is the resolved configuration ready for use.
type Loaded struct {
	Mode          Mode
	Registry      *schema.Registry
	Subscriptions []schema.Subscription
	Data          DataSpec
	Frontier      frontier.Config
	Run           runloop.Config
	// Risk is nil when no limits are configured.
	Risk     *risk.Config
	Fill     og.FillConfig
	Brokered og.BrokeredConfig
	Paper    og.PaperConfig
	Orders   []OrderSpec
	Sinks    SinkConfig
	Features FeatureFlags
	Chaos    ChaosSpec
}

// ChaosSpec holds the resolved fault injection. Nil disables a wrapper.
type ChaosSpec struct {
	Feed    *chaos.Config
	Gateway *chaos.Config
}

// DataSpec is the resolved data section.
type DataSpec struct {
	WALDir          string
	DisableChecksum bool
	MaxPayloadSize  int
	PageSize        int
	// Database is nil when no SQL store is configured.
	Database  *conn.Option
	Feed      FeedKind
	URL       string
	LiveQueue int
	Synthetic SyntheticSpec
}

// SyntheticSpec is the resolved synthetic feed section.
type SyntheticSpec struct {
	Seed      int64
	BasePrice decimal.Decimal
	Volume    decimal.Decimal
	StepBps   int64
	Interval  time.Duration
	Bars      int
}

// OrderSpec is a resolved scripted order.
type OrderSpec struct {
	Request           schema.OrderRequest
	At                int64
	AfterSlices       int
	CancelAfterSlices int
}

// Load reads a JSON or YAML config file and resolves it.
func Load(path string) (Loaded, error) {
	cfg, err := Read(path)
	if err != nil {
		return Loaded{}, err
	}
	return cfg.Resolve()
}

// Read decodes a config file. Files ending in .yaml or .yml are YAML; any
// other extension is JSON.
func Read(path string) (FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, err
	}
	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		err = sonic.Unmarshal(data, &cfg)
	}
	if err != nil {
		return FileConfig{}, fmt.Errorf("decode config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadRegistry reads a config file and only builds the registry.
func LoadRegistry(path string) (*schema.Registry, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	return buildRegistry(cfg.Registry)
}

// Resolve validates the config and builds the values the run needs.
func (cfg FileConfig) Resolve() (Loaded, error) {
	mode, err := ParseMode(cfg.Mode)
	if err != nil {
		return Loaded{}, err
	}
	registry, err := buildRegistry(cfg.Registry)
	if err != nil {
		return Loaded{}, err
	}
	subs, err := resolveSubscriptions(cfg.Subscriptions, registry, mode)
	if err != nil {
		return Loaded{}, err
	}
	data, err := resolveData(cfg.Data, subs)
	if err != nil {
		return Loaded{}, err
	}
	fcfg, err := resolveFrontier(cfg.Data, mode)
	if err != nil {
		return Loaded{}, err
	}
	rcfg, err := resolveRun(cfg.Run, mode)
	if err != nil {
		return Loaded{}, err
	}
	riskCfg, err := resolveRisk(cfg.Risk)
	if err != nil {
		return Loaded{}, err
	}
	fill, err := resolveFill(cfg.Fill, registry)
	if err != nil {
		return Loaded{}, err
	}
	brokered, paper, err := resolveBroker(cfg.Broker, fill)
	if err != nil {
		return Loaded{}, err
	}
	orders := make([]OrderSpec, 0, len(cfg.Orders))
	for i, o := range cfg.Orders {
		spec, err := resolveOrderSpec(o, registry)
		if err != nil {
			return Loaded{}, fmt.Errorf("order %d: %w", i+1, err)
		}
		orders = append(orders, spec)
	}
	if cfg.Sinks.StoreBatch < 0 || cfg.Sinks.Queue < 0 {
		return Loaded{}, fmt.Errorf("sink sizes must be >= 0")
	}
	if cfg.Sinks.Store && data.Database == nil {
		return Loaded{}, fmt.Errorf("store sink needs data.database")
	}
	chaosSpec, err := resolveChaos(cfg.Chaos, mode)
	if err != nil {
		return Loaded{}, err
	}
	return Loaded{
		Mode:          mode,
		Registry:      registry,
		Subscriptions: subs,
		Data:          data,
		Frontier:      fcfg,
		Run:           rcfg,
		Risk:          riskCfg,
		Fill:          fill,
		Brokered:      brokered,
		Paper:         paper,
		Orders:        orders,
		Sinks:         cfg.Sinks,
		Features:      resolveFeatures(cfg.Features),
		Chaos:         chaosSpec,
	}, nil
}

func buildRegistry(cfg RegistryConfig) (*schema.Registry, error) {
	reg := schema.NewRegistry()
	for _, venue := range cfg.Venues {
		if _, err := reg.AddVenue(venue.Name); err != nil {
			return nil, err
		}
	}
	for _, sym := range cfg.Symbols {
		venueID, ok := reg.VenueIDByName(sym.Venue)
		if !ok {
			return nil, fmt.Errorf("venue not found: %s", sym.Venue)
		}
		if _, err := reg.AddSymbol(sym.Name, venueID, sym.Scale); err != nil {
			return nil, err
		}
	}
	if len(reg.Symbols()) == 0 {
		return nil, fmt.Errorf("registry has no symbols")
	}
	return reg, nil
}

func resolveSubscriptions(cfgs []SubscriptionConfig, reg *schema.Registry, mode Mode) ([]schema.Subscription, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("no subscriptions configured")
	}
	subs := make([]schema.Subscription, 0, len(cfgs))
	for _, c := range cfgs {
		symbolID, ok := reg.SymbolIDByName(c.Symbol)
		if !ok {
			return nil, fmt.Errorf("subscription symbol not found: %s", c.Symbol)
		}
		res, err := schema.ParseResolution(c.Resolution)
		if err != nil {
			return nil, fmt.Errorf("subscription %s: %w", c.Symbol, err)
		}
		kind, err := parseDataKind(c.Kind, res)
		if err != nil {
			return nil, fmt.Errorf("subscription %s: %w", c.Symbol, err)
		}
		session, err := schema.ParseSessionHours(c.Session)
		if err != nil {
			return nil, fmt.Errorf("subscription %s: %w", c.Symbol, err)
		}
		loc := time.UTC
		if c.TimeZone != "" {
			if loc, err = time.LoadLocation(c.TimeZone); err != nil {
				return nil, fmt.Errorf("subscription %s: %w", c.Symbol, err)
			}
		}
		src, err := parseSource(c.Source, mode)
		if err != nil {
			return nil, fmt.Errorf("subscription %s: %w", c.Symbol, err)
		}
		if c.History != "" {
			hist, err := parseSource(c.History, mode)
			if err != nil || hist == schema.SourceLive {
				return nil, fmt.Errorf("subscription %s: history must be wal or store", c.Symbol)
			}
			if src != schema.SourceLive {
				return nil, fmt.Errorf("subscription %s: history needs a live source", c.Symbol)
			}
		}
		if mode == ModeBacktest && src == schema.SourceLive {
			return nil, fmt.Errorf("subscription %s: live source in backtest mode", c.Symbol)
		}
		subs = append(subs, schema.Subscription{
			Symbol:        symbolID,
			Resolution:    res,
			Kind:          kind,
			TimeZone:      c.TimeZone,
			Location:      loc,
			FillForward:   c.FillForward,
			ExtendedHours: c.ExtendedHours,
			Session:       session,
			Source:        src,
			History:       schema.SourceKind(strings.ToLower(c.History)),
		})
	}
	return subs, nil
}

func parseDataKind(s string, res schema.Resolution) (schema.DataKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		if res == schema.ResolutionTick {
			return schema.DataTrade, nil
		}
		return schema.DataBar, nil
	case "bar":
		return schema.DataBar, nil
	case "trade":
		return schema.DataTrade, nil
	case "quote":
		return schema.DataQuote, nil
	default:
		return schema.DataUnknown, fmt.Errorf("unknown data kind: %q", s)
	}
}

func parseSource(s string, mode Mode) (schema.SourceKind, error) {
	switch kind := schema.SourceKind(strings.ToLower(strings.TrimSpace(s))); kind {
	case "":
		if mode == ModeBacktest {
			return schema.SourceWAL, nil
		}
		return schema.SourceLive, nil
	case schema.SourceWAL, schema.SourceStore, schema.SourceLive:
		return kind, nil
	default:
		return "", fmt.Errorf("unknown source: %q", s)
	}
}

func resolveData(cfg DataConfig, subs []schema.Subscription) (DataSpec, error) {
	spec := DataSpec{
		WALDir:          cfg.WALDir,
		DisableChecksum: cfg.DisableChecksum,
		MaxPayloadSize:  cfg.MaxPayloadSize,
		PageSize:        cfg.PageSize,
		URL:             cfg.URL,
		LiveQueue:       cfg.LiveQueue,
	}
	if cfg.PageSize < 0 || cfg.LiveQueue < 0 || cfg.MaxPayloadSize < 0 {
		return DataSpec{}, fmt.Errorf("data sizes must be >= 0")
	}
	switch FeedKind(strings.ToLower(cfg.Feed)) {
	case "", FeedWebsocket:
		spec.Feed = FeedWebsocket
	case FeedSynthetic:
		spec.Feed = FeedSynthetic
	default:
		return DataSpec{}, fmt.Errorf("unknown feed: %q", cfg.Feed)
	}
	if cfg.Database != nil {
		opt := cfg.Database.Option()
		spec.Database = &opt
	}
	synth, err := resolveSynthetic(cfg.Synthetic)
	if err != nil {
		return DataSpec{}, err
	}
	spec.Synthetic = synth

	for _, sub := range subs {
		for _, kind := range []schema.SourceKind{sub.Source, sub.History} {
			switch kind {
			case schema.SourceWAL:
				if spec.WALDir == "" {
					return DataSpec{}, fmt.Errorf("wal source needs data.walDir")
				}
			case schema.SourceStore:
				if spec.Database == nil {
					return DataSpec{}, fmt.Errorf("store source needs data.database")
				}
			}
		}
	}
	return spec, nil
}

// Option converts the database section into connection options.
func (c DatabaseConfig) Option() conn.Option {
	return conn.Option{
		Driver:     conn.Driver(strings.ToLower(c.Driver)),
		Path:       c.Path,
		Host:       c.Host,
		Port:       c.Port,
		User:       c.User,
		Password:   c.Password,
		Database:   c.Database,
		SSLMode:    c.SSLMode,
		Params:     c.Params,
		ConnString: c.ConnString,

		MaxOpenConns: c.MaxOpenConns,
		MaxIdleConns: c.MaxIdleConns,
	}
}

const (
	defaultSyntheticBars     = 390
	defaultSyntheticInterval = 100 * time.Millisecond
	defaultSyntheticStepBps  = 10
)

var (
	defaultSyntheticPrice  = decimal.NewFromInt(100)
	defaultSyntheticVolume = decimal.NewFromInt(1000)
)

func resolveSynthetic(cfg *SyntheticConfig) (SyntheticSpec, error) {
	spec := SyntheticSpec{
		BasePrice: defaultSyntheticPrice,
		Volume:    defaultSyntheticVolume,
		StepBps:   defaultSyntheticStepBps,
		Interval:  defaultSyntheticInterval,
		Bars:      defaultSyntheticBars,
	}
	if cfg == nil {
		return spec, nil
	}
	spec.Seed = cfg.Seed
	var err error
	if cfg.BasePrice != "" {
		if spec.BasePrice, err = parsePositive("synthetic basePrice", cfg.BasePrice); err != nil {
			return SyntheticSpec{}, err
		}
	}
	if cfg.Volume != "" {
		if spec.Volume, err = parsePositive("synthetic volume", cfg.Volume); err != nil {
			return SyntheticSpec{}, err
		}
	}
	if cfg.StepBps < 0 || cfg.Bars < 0 {
		return SyntheticSpec{}, fmt.Errorf("synthetic stepBps and bars must be >= 0")
	}
	if cfg.StepBps > 0 {
		spec.StepBps = cfg.StepBps
	}
	if cfg.Bars > 0 {
		spec.Bars = cfg.Bars
	}
	if spec.Interval, err = parseDuration("synthetic interval", cfg.Interval, defaultSyntheticInterval); err != nil {
		return SyntheticSpec{}, err
	}
	if spec.Interval == 0 {
		return SyntheticSpec{}, fmt.Errorf("synthetic interval must be > 0")
	}
	return spec, nil
}

func resolveFrontier(cfg DataConfig, mode Mode) (frontier.Config, error) {
	policy, err := frontier.ParseCorruptPolicy(cfg.CorruptPolicy)
	if err != nil {
		return frontier.Config{}, err
	}
	grace, err := parseDuration("graceWindow", cfg.GraceWindow, 0)
	if err != nil {
		return frontier.Config{}, err
	}
	poll, err := parseDuration("pollInterval", cfg.PollInterval, 0)
	if err != nil {
		return frontier.Config{}, err
	}
	if cfg.MaxCorruptRun < 0 {
		return frontier.Config{}, fmt.Errorf("maxCorruptRun must be >= 0")
	}
	return frontier.Config{
		Mode:          mode.Frontier(),
		GraceWindow:   grace,
		PollInterval:  poll,
		CorruptPolicy: policy,
		MaxCorruptRun: cfg.MaxCorruptRun,
	}, nil
}

func resolveRun(cfg RunConfig, mode Mode) (runloop.Config, error) {
	budget, err := parseDuration("timeBudget", cfg.TimeBudget, 0)
	if err != nil {
		return runloop.Config{}, err
	}
	stop, err := parseDuration("stopTimeout", cfg.StopTimeout, 0)
	if err != nil {
		return runloop.Config{}, err
	}
	var until int64
	if cfg.WarmupUntil != "" {
		t, err := time.Parse(time.RFC3339, cfg.WarmupUntil)
		if err != nil {
			return runloop.Config{}, fmt.Errorf("invalid warmupUntil %q: %w", cfg.WarmupUntil, err)
		}
		until = t.UnixNano()
	}
	out := runloop.Config{
		Mode:          mode.Frontier(),
		TimeBudget:    budget,
		MaxNoProgress: cfg.MaxNoProgress,
		WarmupSlices:  cfg.WarmupSlices,
		WarmupUntil:   until,
		StopTimeout:   stop,
	}
	if err := out.Validate(); err != nil {
		return runloop.Config{}, err
	}
	return out, nil
}

func resolveRisk(cfg *RiskConfig) (*risk.Config, error) {
	if cfg == nil {
		return nil, nil
	}
	window, err := parseDuration("orderRateWindow", cfg.OrderRateWindow, 0)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOrderQty < 0 || cfg.MaxOrderNotional < 0 || cfg.MaxPosition < 0 ||
		cfg.OrderRateLimit < 0 || cfg.MaxPriceDeviationBps < 0 {
		return nil, fmt.Errorf("risk limits must be >= 0")
	}
	if cfg.OrderRateLimit > 0 && window == 0 {
		return nil, fmt.Errorf("risk orderRateLimit needs orderRateWindow")
	}
	return &risk.Config{
		KillSwitch:           cfg.KillSwitch,
		MaxOrderQty:          schema.Quantity(cfg.MaxOrderQty),
		MaxOrderNotional:     cfg.MaxOrderNotional,
		MaxPosition:          schema.Quantity(cfg.MaxPosition),
		OrderRateLimit:       cfg.OrderRateLimit,
		OrderRateWindow:      window,
		MaxPriceDeviationBps: cfg.MaxPriceDeviationBps,
	}, nil
}

func resolveFill(cfg FillConfig, reg *schema.Registry) (og.FillConfig, error) {
	if cfg.SlippageBps < 0 {
		return og.FillConfig{}, fmt.Errorf("slippageBps must be >= 0")
	}
	out := og.FillConfig{SlippageBps: cfg.SlippageBps, Scales: reg.ScaleOf}
	var err error
	if cfg.FeeRate != "" {
		if out.FeeRate, err = parseRate("feeRate", cfg.FeeRate); err != nil {
			return og.FillConfig{}, err
		}
	}
	if cfg.VolumeRatio != "" {
		if out.VolumeRatio, err = parseRate("volumeRatio", cfg.VolumeRatio); err != nil {
			return og.FillConfig{}, err
		}
	}
	return out, nil
}

func resolveBroker(cfg BrokerConfig, fill og.FillConfig) (og.BrokeredConfig, og.PaperConfig, error) {
	base, err := parseDuration("broker baseDelay", cfg.BaseDelay, 0)
	if err != nil {
		return og.BrokeredConfig{}, og.PaperConfig{}, err
	}
	maxDelay, err := parseDuration("broker maxDelay", cfg.MaxDelay, 0)
	if err != nil {
		return og.BrokeredConfig{}, og.PaperConfig{}, err
	}
	if cfg.MaxAttempts < 0 || cfg.EventQueue < 0 {
		return og.BrokeredConfig{}, og.PaperConfig{}, fmt.Errorf("broker sizes must be >= 0")
	}
	if base > 0 && maxDelay > 0 && maxDelay < base {
		return og.BrokeredConfig{}, og.PaperConfig{}, fmt.Errorf("broker maxDelay must be >= baseDelay")
	}
	brokered := og.BrokeredConfig{
		Retry:      og.RetryConfig{MaxAttempts: cfg.MaxAttempts, BaseDelay: base, MaxDelay: maxDelay},
		EventQueue: cfg.EventQueue,
	}
	paper := og.PaperConfig{
		Session:           cfg.Session,
		ResendOnReconnect: cfg.ResendOnReconnect,
		FeeRate:           fill.FeeRate,
		Scales:            fill.Scales,
	}
	return brokered, paper, nil
}

func resolveOrderSpec(cfg OrderConfig, reg *schema.Registry) (OrderSpec, error) {
	side, err := parseSide(cfg.Side)
	if err != nil {
		return OrderSpec{}, err
	}
	typ, err := parseOrderType(cfg.Type)
	if err != nil {
		return OrderSpec{}, err
	}
	tif, err := parseTimeInForce(cfg.TimeInForce)
	if err != nil {
		return OrderSpec{}, err
	}
	req := schema.OrderRequest{
		Kind:        schema.RequestSubmit,
		Side:        side,
		Type:        typ,
		TimeInForce: tif,
		Tag:         cfg.Tag,
	}

	var scale schema.ScaleSpec
	if typ == schema.OrderTypeCombo {
		if len(cfg.Legs) == 0 {
			return OrderSpec{}, fmt.Errorf("combo order has no legs")
		}
		for _, leg := range cfg.Legs {
			id, ok := reg.SymbolIDByName(leg.Symbol)
			if !ok {
				return OrderSpec{}, fmt.Errorf("leg symbol not found: %s", leg.Symbol)
			}
			if leg.Ratio == 0 {
				return OrderSpec{}, fmt.Errorf("leg %s: ratio must not be 0", leg.Symbol)
			}
			req.Legs = append(req.Legs, schema.Leg{Symbol: id, Ratio: leg.Ratio})
		}
		req.Symbol = req.Legs[0].Symbol
		scale = reg.ScaleOf(req.Symbol)
	} else {
		if cfg.Symbol == "" {
			return OrderSpec{}, fmt.Errorf("order symbol is empty")
		}
		id, ok := reg.SymbolIDByName(cfg.Symbol)
		if !ok {
			return OrderSpec{}, fmt.Errorf("order symbol not found: %s", cfg.Symbol)
		}
		req.Symbol = id
		scale = reg.ScaleOf(id)
	}

	qty, err := scaled("qty", cfg.Qty, scale.QuantityScale)
	if err != nil {
		return OrderSpec{}, err
	}
	if qty <= 0 {
		return OrderSpec{}, fmt.Errorf("order qty must be > 0")
	}
	req.Qty = schema.Quantity(qty)

	if typ.NeedsLimit() {
		px, err := scaled("limitPrice", cfg.LimitPrice, scale.PriceScale)
		if err != nil {
			return OrderSpec{}, err
		}
		if px <= 0 {
			return OrderSpec{}, fmt.Errorf("order limitPrice must be > 0 for %s orders", typ)
		}
		req.LimitPrice = schema.Price(px)
	}
	if typ.NeedsStop() {
		px, err := scaled("stopPrice", cfg.StopPrice, scale.PriceScale)
		if err != nil {
			return OrderSpec{}, err
		}
		if px <= 0 {
			return OrderSpec{}, fmt.Errorf("order stopPrice must be > 0 for %s orders", typ)
		}
		req.StopPrice = schema.Price(px)
	}
	if tif == schema.TimeInForceGoodTilDate {
		if cfg.Expiry == "" {
			return OrderSpec{}, fmt.Errorf("gtd order needs expiry")
		}
		t, err := time.Parse(time.RFC3339, cfg.Expiry)
		if err != nil {
			return OrderSpec{}, fmt.Errorf("invalid expiry %q: %w", cfg.Expiry, err)
		}
		req.Expiry = t.UnixNano()
	}

	spec := OrderSpec{Request: req, AfterSlices: cfg.AfterSlices, CancelAfterSlices: cfg.CancelAfterSlices}
	if cfg.AfterSlices < 0 || cfg.CancelAfterSlices < 0 {
		return OrderSpec{}, fmt.Errorf("order slice counts must be >= 0")
	}
	if cfg.At != "" {
		t, err := time.Parse(time.RFC3339, cfg.At)
		if err != nil {
			return OrderSpec{}, fmt.Errorf("invalid at %q: %w", cfg.At, err)
		}
		spec.At = t.UnixNano()
	}
	if spec.At == 0 && spec.AfterSlices == 0 {
		spec.AfterSlices = 1
	}
	return spec, nil
}

func parseSide(s string) (schema.OrderSide, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return schema.OrderSideBuy, nil
	case "sell":
		return schema.OrderSideSell, nil
	default:
		return schema.OrderSideUnknown, fmt.Errorf("order side is unknown: %q", s)
	}
}

func parseOrderType(s string) (schema.OrderType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t := schema.OrderTypeMarket; t <= schema.OrderTypeCombo; t++ {
		if t.String() == s {
			return t, nil
		}
	}
	return schema.OrderTypeUnknown, fmt.Errorf("order type is unknown: %q", s)
}

func parseTimeInForce(s string) (schema.TimeInForce, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "gtc":
		return schema.TimeInForceGTC, nil
	case "day":
		return schema.TimeInForceDay, nil
	case "gtd":
		return schema.TimeInForceGoodTilDate, nil
	default:
		return schema.TimeInForceGTC, fmt.Errorf("order timeInForce is unknown: %q", s)
	}
}

func resolveFeatures(cfg FeatureFlagsConfig) FeatureFlags {
	flags := FeatureFlags{
		Reconcile: true,
		Snapshot:  true,
	}
	if cfg.Reconcile != nil {
		flags.Reconcile = *cfg.Reconcile
	}
	if cfg.Snapshot != nil {
		flags.Snapshot = *cfg.Snapshot
	}
	return flags
}

func resolveChaos(cfg ChaosConfig, mode Mode) (ChaosSpec, error) {
	var spec ChaosSpec
	if cfg.Feed != nil {
		if mode == ModeBacktest {
			return ChaosSpec{}, fmt.Errorf("chaos.feed needs paper or live mode")
		}
		c, err := cfg.Feed.config("chaos.feed")
		if err != nil {
			return ChaosSpec{}, err
		}
		spec.Feed = &c
	}
	if cfg.Gateway != nil {
		if mode != ModeLive {
			return ChaosSpec{}, fmt.Errorf("chaos.gateway needs live mode")
		}
		c, err := cfg.Gateway.config("chaos.gateway")
		if err != nil {
			return ChaosSpec{}, err
		}
		spec.Gateway = &c
	}
	return spec, nil
}

func (r ChaosRates) config(name string) (chaos.Config, error) {
	c := chaos.Config{
		Seed:          r.Seed,
		DropRate:      r.DropRate,
		DuplicateRate: r.DuplicateRate,
		ReorderWindow: r.ReorderWindow,
		FailRate:      r.FailRate,
	}
	if c.ReorderWindow == 0 {
		c.ReorderWindow = 1
	}
	if err := c.Validate(); err != nil {
		return chaos.Config{}, fmt.Errorf("%s: %w", name, err)
	}
	return c, nil
}

func parseDuration(name, s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s %q: must be >= 0", name, s)
	}
	return d, nil
}

func parseRate(name, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("invalid %s %q: must be within [0, 1]", name, s)
	}
	return d, nil
}

func parsePositive(name, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("invalid %s %q: must be > 0", name, s)
	}
	return d, nil
}

// scaled converts a decimal string into a scaled integer and rejects values
// with more decimal places than the scale allows.
func scaled(name, s string, scale schema.Scale) (int64, error) {
	if s == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, s, err)
	}
	return ToScaled(name, d, scale)
}

// ToScaled shifts d by scale decimal places.
func ToScaled(name string, d decimal.Decimal, scale schema.Scale) (int64, error) {
	shifted := d.Shift(int32(scale))
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("invalid %s %s: more than %d decimal places", name, d, scale)
	}
	if shifted.Abs().GreaterThan(decimal.NewFromInt(maxScaled)) {
		return 0, fmt.Errorf("invalid %s %s: out of range", name, d)
	}
	return shifted.IntPart(), nil
}

const maxScaled = int64(^uint64(0) >> 2)

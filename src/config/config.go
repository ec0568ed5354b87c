package config

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"
	logger "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Duration decodes YAML strings like "30m" or "720h" via time.ParseDuration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Env holds the static, process-lifetime settings.
type Env struct {
	ConfigFile string `envconfig:"PIPELINE_CONFIG_FILE" default:"pipeline.yaml"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
	ServerPort string `envconfig:"SERVER_PORT" default:"8080"`
}

func GetEnv() Env {
	var env Env
	if err := envconfig.Process("", &env); err != nil {
		panic(fmt.Errorf("error processing env config: %w", err))
	}
	return env
}

// Pipeline is the hot-reloadable configuration surface: everything here can
// change at runtime via SIGHUP or the ops reload endpoint without a process
// restart. Consumers read an immutable snapshot from a Store handle.
type Pipeline struct {
	Guard    GuardConfig             `yaml:"guard"`
	Fusion   FusionConfig            `yaml:"fusion"`
	Regimes  map[string]RegimeConfig `yaml:"regimes"`
	Risk     RiskConfig              `yaml:"risk"`
	Router   RouterConfig            `yaml:"router"`
	Breaker  BreakerConfig           `yaml:"breaker"`
	Feedback FeedbackConfig          `yaml:"feedback"`
	Sizing   SizingConfig            `yaml:"sizing"`
}

type GuardConfig struct {
	MaxAgeSeconds      int `yaml:"max_age_seconds"`
	DedupWindowSeconds int `yaml:"dedup_window_seconds"`
}

type FusionConfig struct {
	DecayLambda    float64            `yaml:"decay_lambda"` // per second
	DefaultWeights map[string]float64 `yaml:"default_weights"`
}

type RegimeConfig struct {
	MaxPositions    int     `yaml:"max_positions"`
	DailyLossLimit  float64 `yaml:"daily_loss_limit_pct"`
	SignalThreshold float64 `yaml:"signal_threshold"`
	StopMultiplier  float64 `yaml:"stop_multiplier"`
}

type RiskConfig struct {
	MaxDrawdownPct        float64 `yaml:"max_drawdown_pct"`
	MaxInstrumentPct      float64 `yaml:"max_instrument_pct"`
	MaxSectorPct          float64 `yaml:"max_sector_pct"`
	CorrelationCap        float64 `yaml:"correlation_cap"`
	OrdersPerMinute       int     `yaml:"orders_per_minute"`
	SnapshotStalenessMs   int     `yaml:"snapshot_staleness_ms"`
	AllowRiskReducingCorr bool    `yaml:"allow_risk_reducing_over_corr"`
}

type RouterConfig struct {
	CostWeight        float64           `yaml:"cost_weight"`
	SpeedWeight       float64           `yaml:"speed_weight"`
	FillQualityWeight float64           `yaml:"fill_quality_weight"`
	ClassOverrides    map[string]string `yaml:"class_overrides"` // asset class -> broker name
	MaxAttempts       int               `yaml:"max_attempts"`
	AttemptTimeoutMs  int               `yaml:"attempt_timeout_ms"`
}

type BreakerConfig struct {
	ConsecutiveLossTrip int           `yaml:"consecutive_loss_trip"`
	DailyDrawdownTrip   float64       `yaml:"daily_drawdown_trip_pct"`
	HourlyLossTrip      float64       `yaml:"hourly_loss_trip_pct"`
	Cooldown            Duration `yaml:"cooldown"`

	KillEquityFloor      float64 `yaml:"kill_equity_floor"`
	KillDailyDrawdownPct float64 `yaml:"kill_daily_drawdown_pct"`
	KillConsecutiveErrs  int     `yaml:"kill_consecutive_errors"`
}

type FeedbackConfig struct {
	TradesPerCycle   int           `yaml:"trades_per_cycle"`
	Window           Duration `yaml:"window"`
	MinSamples       int           `yaml:"min_samples"`
	MaxDeltaPerCycle float64       `yaml:"max_delta_per_cycle"`
	FloorWeight      float64       `yaml:"floor_weight"`
	CeilingWeight    float64       `yaml:"ceiling_weight"`
}

type SizingConfig struct {
	BaseNotional   float64 `yaml:"base_notional"`
	MaxNotional    float64 `yaml:"max_notional"`
	SessionScaling bool    `yaml:"session_scaling"`
}

// Default returns the built-in configuration used when no file is supplied.
// Values mirror the documented defaults.
func Default() Pipeline {
	return Pipeline{
		Guard: GuardConfig{
			MaxAgeSeconds:      120,
			DedupWindowSeconds: 300,
		},
		Fusion: FusionConfig{
			DecayLambda: 0.005,
			DefaultWeights: map[string]float64{
				"ema_cloud":         0.25,
				"mean_reversion":    0.20,
				"momentum_breakout": 0.25,
				"sentiment":         0.10,
				"ml_ranking":        0.20,
			},
		},
		Regimes: map[string]RegimeConfig{
			"bull":     {MaxPositions: 10, DailyLossLimit: 3.0, SignalThreshold: 35, StopMultiplier: 1.0},
			"bear":     {MaxPositions: 5, DailyLossLimit: 2.0, SignalThreshold: 50, StopMultiplier: 0.8},
			"sideways": {MaxPositions: 7, DailyLossLimit: 2.5, SignalThreshold: 45, StopMultiplier: 0.9},
			"crisis":   {MaxPositions: 2, DailyLossLimit: 1.0, SignalThreshold: 70, StopMultiplier: 0.5},
		},
		Risk: RiskConfig{
			MaxDrawdownPct:        8.0,
			MaxInstrumentPct:      10.0,
			MaxSectorPct:          30.0,
			CorrelationCap:        0.7,
			OrdersPerMinute:       30,
			SnapshotStalenessMs:   2000,
			AllowRiskReducingCorr: true,
		},
		Router: RouterConfig{
			CostWeight:        0.4,
			SpeedWeight:       0.3,
			FillQualityWeight: 0.3,
			ClassOverrides:    map[string]string{},
			MaxAttempts:       3,
			AttemptTimeoutMs:  5000,
		},
		Breaker: BreakerConfig{
			ConsecutiveLossTrip:  5,
			DailyDrawdownTrip:    4.0,
			HourlyLossTrip:       2.5,
			Cooldown:             Duration(30 * time.Minute),
			KillEquityFloor:      0,
			KillDailyDrawdownPct: 8.0,
			KillConsecutiveErrs:  10,
		},
		Feedback: FeedbackConfig{
			TradesPerCycle:   25,
			Window:           Duration(30 * 24 * time.Hour),
			MinSamples:       10,
			MaxDeltaPerCycle: 0.15,
			FloorWeight:      0.05,
			CeilingWeight:    0.50,
		},
		Sizing: SizingConfig{
			BaseNotional:   2000,
			MaxNotional:    10000,
			SessionScaling: false,
		},
	}
}

// Store publishes immutable Pipeline snapshots. Single writer (Reload),
// many readers (Current); readers never see a half-written value.
type Store struct {
	current atomic.Value // Pipeline
	path    string
}

func NewStore(path string) *Store {
	s := &Store{path: path}
	s.current.Store(Default())
	return s
}

// Current returns the latest published snapshot.
func (s *Store) Current() Pipeline {
	return s.current.Load().(Pipeline)
}

// Reload reads the YAML file and atomically swaps the published snapshot.
// Missing file is not an error: the defaults stay in effect.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.WithField("path", s.path).
				Warn("pipeline config file not found, keeping current config")
			return nil
		}
		return fmt.Errorf("read pipeline config: %w", err)
	}

	next := Default()
	if err := yaml.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("parse pipeline config: %w", err)
	}

	if err := validate(next); err != nil {
		return fmt.Errorf("invalid pipeline config: %w", err)
	}

	s.current.Store(next)
	logger.WithField("path", s.path).Info("pipeline config reloaded")

	return nil
}

func validate(p Pipeline) error {
	if p.Risk.CorrelationCap <= 0 || p.Risk.CorrelationCap > 1 {
		return fmt.Errorf("risk.correlation_cap must be in (0,1], got %v", p.Risk.CorrelationCap)
	}
	if p.Feedback.FloorWeight >= p.Feedback.CeilingWeight {
		return fmt.Errorf("feedback floor_weight must be below ceiling_weight")
	}
	sum := p.Router.CostWeight + p.Router.SpeedWeight + p.Router.FillQualityWeight
	if sum <= 0 {
		return fmt.Errorf("router scoring weights must sum to a positive value")
	}
	if p.Guard.MaxAgeSeconds <= 0 || p.Guard.DedupWindowSeconds <= 0 {
		return fmt.Errorf("guard windows must be positive")
	}
	return nil
}

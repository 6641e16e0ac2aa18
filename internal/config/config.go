// Package config loads and validates the control-plane configuration.
// Options come only from an explicitly supplied file; there are no
// environment fallbacks or implicit search paths.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/meshwarden/meshwarden/internal/logger"
)

// Config is the full control-plane configuration.
type Config struct {
	Logging      logger.LogConfig   `json:"logging" yaml:"logging"`
	API          APIConfig          `json:"api" yaml:"api"`
	Telemetry    TelemetryConfig    `json:"telemetry" yaml:"telemetry"`
	MetricsAPI   MetricsAPIConfig   `json:"metrics_api" yaml:"metrics_api"`
	AlertSink    AlertSinkConfig    `json:"alert_sink" yaml:"alert_sink"`
	Charter      CharterConfig      `json:"charter" yaml:"charter"`
	Monitor      MonitorConfig      `json:"monitor" yaml:"monitor"`
	Analyzer     AnalyzerConfig     `json:"analyzer" yaml:"analyzer"`
	Planner      PlannerConfig      `json:"planner" yaml:"planner"`
	Executor     ExecutorConfig     `json:"executor" yaml:"executor"`
	Knowledge    KnowledgeConfig    `json:"knowledge" yaml:"knowledge"`
	Governance   GovernanceConfig   `json:"governance" yaml:"governance"`
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`
	FL           FLConfig           `json:"fl" yaml:"fl"`
}

// APIConfig configures the operator HTTP server.
type APIConfig struct {
	Enabled     bool     `json:"enabled" yaml:"enabled"`
	Addr        string   `json:"addr" yaml:"addr"`
	JWTSecret   string   `json:"jwt_secret,omitempty" yaml:"jwt_secret,omitempty"`
	CORSOrigins []string `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`
}

// TelemetryConfig configures tracing and the metrics endpoint.
type TelemetryConfig struct {
	Enabled        bool    `json:"enabled" yaml:"enabled"`
	ServiceName    string  `json:"service_name" yaml:"service_name"`
	OTLPEndpoint   string  `json:"otlp_endpoint,omitempty" yaml:"otlp_endpoint,omitempty"`
	PrometheusAddr string  `json:"prometheus_addr,omitempty" yaml:"prometheus_addr,omitempty"`
	SampleRate     float64 `json:"sample_rate" yaml:"sample_rate" validate:"gte=0,lte=1"`
	StdoutTrace    bool    `json:"stdout_trace,omitempty" yaml:"stdout_trace,omitempty"`
}

// MetricsAPIConfig points at the external time-series store.
type MetricsAPIConfig struct {
	BaseURL        string `json:"base_url" yaml:"base_url" validate:"required,url"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds" validate:"gte=1"`
}

// AlertSinkConfig configures the inbound alert webhook.
type AlertSinkConfig struct {
	Addr               string  `json:"addr" yaml:"addr"`
	QueueCapacity      int     `json:"queue_capacity" yaml:"queue_capacity" validate:"gte=1"`
	DedupWindowSeconds int     `json:"dedup_window_seconds" yaml:"dedup_window_seconds" validate:"gte=1"`
	RateLimitRPS       float64 `json:"rate_limit_rps" yaml:"rate_limit_rps" validate:"gt=0"`
	RateLimitBurst     int     `json:"rate_limit_burst" yaml:"rate_limit_burst" validate:"gte=1"`
	DrainTimeoutMillis int     `json:"drain_timeout_millis" yaml:"drain_timeout_millis" validate:"gte=1"`
	// RedisAddr switches dedup to a Redis-backed window shared across
	// replicas. Empty keeps the in-memory store.
	RedisAddr     string `json:"redis_addr,omitempty" yaml:"redis_addr,omitempty"`
	RedisPassword string `json:"redis_password,omitempty" yaml:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db,omitempty" yaml:"redis_db,omitempty"`
}

// CharterConfig points at the policy-enforcement service.
type CharterConfig struct {
	BaseURL        string `json:"base_url" yaml:"base_url" validate:"required,url"`
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds" validate:"gte=1"`
	AuthToken      string `json:"auth_token,omitempty" yaml:"auth_token,omitempty"`
}

// QueryFixture is one monitored expression with its threshold envelope.
type QueryFixture struct {
	MetricName       string  `json:"metric_name" yaml:"metric_name" validate:"required"`
	Expression       string  `json:"expression" yaml:"expression" validate:"required"`
	BaseThreshold    float64 `json:"base_threshold" yaml:"base_threshold"`
	KFactor          float64 `json:"k_factor" yaml:"k_factor" validate:"gte=0"`
	ClampMin         float64 `json:"clamp_min" yaml:"clamp_min"`
	ClampMax         float64 `json:"clamp_max" yaml:"clamp_max"`
	CorrelationLabel string  `json:"correlation_label" yaml:"correlation_label"`
	SourceComponent  string  `json:"source_component" yaml:"source_component"`
	// UpperBound false flips the comparison for metrics where low is bad.
	UpperBound bool `json:"upper_bound" yaml:"upper_bound"`
}

// MonitorConfig drives the observation stage and the loop cadence.
type MonitorConfig struct {
	IntervalSeconds        int            `json:"interval_seconds" yaml:"interval_seconds" validate:"gte=5"`
	WindowSeconds          int            `json:"window_seconds" yaml:"window_seconds" validate:"gte=1"`
	StalenessBudgetSeconds int            `json:"staleness_budget_seconds" yaml:"staleness_budget_seconds" validate:"gte=1"`
	QueryParallelism       int            `json:"query_parallelism" yaml:"query_parallelism" validate:"gte=1"`
	// AnomalyScoreThreshold raises a violation when the federated model
	// scores an observation at or above it. Zero disables model scoring.
	AnomalyScoreThreshold float64        `json:"anomaly_score_threshold" yaml:"anomaly_score_threshold" validate:"gte=0,lte=1"`
	Fixtures              []QueryFixture `json:"fixtures" yaml:"fixtures" validate:"dive"`
}

// CausalPairConfig whitelists one metric pair for lag correlation.
type CausalPairConfig struct {
	Cause  string `json:"cause" yaml:"cause" validate:"required"`
	Effect string `json:"effect" yaml:"effect" validate:"required"`
}

// AnalyzerConfig tunes the pattern detectors.
type AnalyzerConfig struct {
	BurstCount           int                `json:"burst_count" yaml:"burst_count" validate:"gte=2"`
	BurstWindowSeconds   int                `json:"burst_window_seconds" yaml:"burst_window_seconds" validate:"gte=1"`
	ClusterCount         int                `json:"cluster_count" yaml:"cluster_count" validate:"gte=2"`
	CausalThreshold      float64            `json:"causal_threshold" yaml:"causal_threshold" validate:"gt=0,lte=1"`
	CausalMaxLag         int                `json:"causal_max_lag" yaml:"causal_max_lag" validate:"gte=0"`
	CausalPairs          []CausalPairConfig `json:"causal_pairs" yaml:"causal_pairs" validate:"dive"`
	FrequencyZScore      float64            `json:"frequency_z_score" yaml:"frequency_z_score" validate:"gt=0"`
	SaturationViolations int                `json:"saturation_violations" yaml:"saturation_violations" validate:"gte=1"`
}

// PlannerConfig tunes policy generation and selection.
type PlannerConfig struct {
	ScoreThreshold          float64 `json:"score_threshold" yaml:"score_threshold"`
	AutoApprove             bool    `json:"auto_approve" yaml:"auto_approve"`
	ApprovalCostThreshold   float64 `json:"approval_cost_threshold" yaml:"approval_cost_threshold" validate:"gte=0,lte=1"`
	MinHypothesisConfidence float64 `json:"min_hypothesis_confidence" yaml:"min_hypothesis_confidence" validate:"gte=0,lte=1"`
}

// ExecutorConfig tunes action application.
type ExecutorConfig struct {
	ActionTimeoutSeconds int `json:"action_timeout_seconds" yaml:"action_timeout_seconds" validate:"gte=1"`
	MaxRetries           int `json:"max_retries" yaml:"max_retries" validate:"gte=0"`
	SettleSeconds        int `json:"settle_seconds" yaml:"settle_seconds" validate:"gte=0"`
}

// KnowledgeConfig tunes outcome learning and its store.
type KnowledgeConfig struct {
	SaturationSamples     int    `json:"saturation_samples" yaml:"saturation_samples" validate:"gte=1"`
	InsightIntervalCycles int    `json:"insight_interval_cycles" yaml:"insight_interval_cycles" validate:"gte=1"`
	HistorySize           int    `json:"history_size" yaml:"history_size" validate:"gte=1"`
	DatabasePath          string `json:"database_path" yaml:"database_path" validate:"required"`
}

// EmailSinkConfig configures the SMTP approval notifier.
type EmailSinkConfig struct {
	Enabled  bool     `json:"enabled" yaml:"enabled"`
	SMTPHost string   `json:"smtp_host,omitempty" yaml:"smtp_host,omitempty"`
	SMTPPort int      `json:"smtp_port,omitempty" yaml:"smtp_port,omitempty"`
	Username string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password string   `json:"password,omitempty" yaml:"password,omitempty"`
	From     string   `json:"from,omitempty" yaml:"from,omitempty"`
	To       []string `json:"to,omitempty" yaml:"to,omitempty"`
}

// GovernanceConfig tunes approval handling.
type GovernanceConfig struct {
	PendingTTLSeconds int             `json:"pending_ttl_seconds" yaml:"pending_ttl_seconds" validate:"gte=1"`
	Email             EmailSinkConfig `json:"email" yaml:"email"`
	WebhookURL        string          `json:"webhook_url,omitempty" yaml:"webhook_url,omitempty"`
}

// OrchestratorConfig tunes the control loop around the monitor cadence.
type OrchestratorConfig struct {
	// PlanThreshold is the violation count below which a tick only emits
	// a heartbeat and skips the analyze/plan/execute stages.
	PlanThreshold int `json:"plan_threshold" yaml:"plan_threshold" validate:"gte=1"`
}

// DPConfig tunes the differential-privacy accountant.
type DPConfig struct {
	Enabled       bool    `json:"enabled" yaml:"enabled"`
	ClipNormC     float64 `json:"clip_norm_c" yaml:"clip_norm_c" validate:"gt=0"`
	NoiseSigma    float64 `json:"noise_sigma" yaml:"noise_sigma" validate:"gte=0"`
	EpsilonBudget float64 `json:"epsilon_budget" yaml:"epsilon_budget" validate:"gt=0"`
	Delta         float64 `json:"delta" yaml:"delta" validate:"gt=0,lt=1"`
}

// CompressionConfig declares the update codec clients use.
type CompressionConfig struct {
	Scheme       string  `json:"scheme" yaml:"scheme" validate:"oneof=none topk int8 topk_int8"`
	TopKFraction float64 `json:"topk_fraction" yaml:"topk_fraction" validate:"gt=0,lte=1"`
}

// ShardConfig assigns this aggregator its client partition.
type ShardConfig struct {
	ID            int      `json:"id" yaml:"id" validate:"gte=0"`
	Count         int      `json:"count" yaml:"count" validate:"gte=1"`
	EtcdEndpoints []string `json:"etcd_endpoints,omitempty" yaml:"etcd_endpoints,omitempty"`
}

// FLConfig drives the federated-learning aggregator.
type FLConfig struct {
	Enabled              bool              `json:"enabled" yaml:"enabled"`
	ListenAddr           string            `json:"listen_addr" yaml:"listen_addr"`
	ClientsPerRound      int               `json:"clients_per_round" yaml:"clients_per_round" validate:"gte=1"`
	RoundDeadlineSeconds int               `json:"round_deadline_seconds" yaml:"round_deadline_seconds" validate:"gte=1"`
	MinParticipants      int               `json:"min_participants" yaml:"min_participants" validate:"gte=1"`
	GraceSeconds         int               `json:"grace_seconds" yaml:"grace_seconds" validate:"gte=0"`
	AggregationMode      string            `json:"aggregation_mode" yaml:"aggregation_mode" validate:"oneof=krum multi_krum trimmed_mean median"`
	ByzantineFractionF   int               `json:"byzantine_fraction_f" yaml:"byzantine_fraction_f" validate:"gte=0"`
	TrimFractionBeta     float64           `json:"trim_fraction_beta" yaml:"trim_fraction_beta" validate:"gte=0,lt=0.5"`
	MultiKrumM           int               `json:"multi_krum_m" yaml:"multi_krum_m" validate:"gte=1"`
	SamplingStrategy     string            `json:"sampling_strategy" yaml:"sampling_strategy" validate:"oneof=uniform convergence_weighted resource_aware"`
	MaxSampleCount       int               `json:"max_sample_count" yaml:"max_sample_count" validate:"gte=1"`
	ModelDimension       int               `json:"model_dimension" yaml:"model_dimension" validate:"gte=1"`
	StragglerVersions    int               `json:"straggler_versions" yaml:"straggler_versions" validate:"gte=1"`
	CheckpointPath       string            `json:"checkpoint_path" yaml:"checkpoint_path" validate:"required"`
	DP                   DPConfig          `json:"dp" yaml:"dp"`
	Compression          CompressionConfig `json:"compression" yaml:"compression"`
	Shard                ShardConfig       `json:"shard" yaml:"shard"`
}

// Duration helpers keep call sites free of unit conversions.

func (m MetricsAPIConfig) Timeout() time.Duration { return time.Duration(m.TimeoutSeconds) * time.Second }
func (c CharterConfig) Timeout() time.Duration    { return time.Duration(c.TimeoutSeconds) * time.Second }

func (m MonitorConfig) Interval() time.Duration { return time.Duration(m.IntervalSeconds) * time.Second }
func (m MonitorConfig) Window() time.Duration   { return time.Duration(m.WindowSeconds) * time.Second }
func (m MonitorConfig) StalenessBudget() time.Duration {
	return time.Duration(m.StalenessBudgetSeconds) * time.Second
}

func (a AlertSinkConfig) DedupWindow() time.Duration {
	return time.Duration(a.DedupWindowSeconds) * time.Second
}
func (a AlertSinkConfig) DrainTimeout() time.Duration {
	return time.Duration(a.DrainTimeoutMillis) * time.Millisecond
}

func (a AnalyzerConfig) BurstWindow() time.Duration {
	return time.Duration(a.BurstWindowSeconds) * time.Second
}

func (e ExecutorConfig) ActionTimeout() time.Duration {
	return time.Duration(e.ActionTimeoutSeconds) * time.Second
}
func (e ExecutorConfig) Settle() time.Duration { return time.Duration(e.SettleSeconds) * time.Second }

func (g GovernanceConfig) PendingTTL() time.Duration {
	return time.Duration(g.PendingTTLSeconds) * time.Second
}

func (f FLConfig) RoundDeadline() time.Duration {
	return time.Duration(f.RoundDeadlineSeconds) * time.Second
}
func (f FLConfig) Grace() time.Duration { return time.Duration(f.GraceSeconds) * time.Second }

// Default returns the configuration baseline. Loading merges the file over
// these values.
func Default() *Config {
	return &Config{
		Logging: logger.LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		API: APIConfig{
			Enabled: true,
			Addr:    ":8080",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "meshwarden",
			SampleRate:  1.0,
		},
		MetricsAPI: MetricsAPIConfig{
			TimeoutSeconds: 3,
		},
		AlertSink: AlertSinkConfig{
			Addr:               ":9093",
			QueueCapacity:      1024,
			DedupWindowSeconds: 300,
			RateLimitRPS:       100,
			RateLimitBurst:     200,
			DrainTimeoutMillis: 100,
		},
		Charter: CharterConfig{
			TimeoutSeconds: 10,
		},
		Monitor: MonitorConfig{
			IntervalSeconds:        30,
			WindowSeconds:          60,
			StalenessBudgetSeconds: 120,
			QueryParallelism:       4,
			AnomalyScoreThreshold:  0.9,
		},
		Analyzer: AnalyzerConfig{
			BurstCount:           5,
			BurstWindowSeconds:   60,
			ClusterCount:         4,
			CausalThreshold:      0.8,
			CausalMaxLag:         3,
			FrequencyZScore:      3.0,
			SaturationViolations: 10,
		},
		Planner: PlannerConfig{
			ScoreThreshold:          0.2,
			AutoApprove:             true,
			ApprovalCostThreshold:   0.5,
			MinHypothesisConfidence: 0.3,
		},
		Executor: ExecutorConfig{
			ActionTimeoutSeconds: 10,
			MaxRetries:           2,
			SettleSeconds:        5,
		},
		Knowledge: KnowledgeConfig{
			SaturationSamples:     30,
			InsightIntervalCycles: 10,
			HistorySize:           256,
			DatabasePath:          "meshwarden-knowledge.db",
		},
		Governance: GovernanceConfig{
			PendingTTLSeconds: 3600,
		},
		Orchestrator: OrchestratorConfig{
			PlanThreshold: 1,
		},
		FL: FLConfig{
			Enabled:              true,
			ListenAddr:           ":7443",
			ClientsPerRound:      10,
			RoundDeadlineSeconds: 60,
			MinParticipants:      4,
			GraceSeconds:         15,
			AggregationMode:      "multi_krum",
			ByzantineFractionF:   2,
			TrimFractionBeta:     0.1,
			MultiKrumM:           5,
			SamplingStrategy:     "uniform",
			MaxSampleCount:       1_000_000,
			ModelDimension:       64,
			StragglerVersions:    3,
			CheckpointPath:       "meshwarden-checkpoints.db",
			DP: DPConfig{
				Enabled:       true,
				ClipNormC:     1.0,
				NoiseSigma:    50.0,
				EpsilonBudget: 4.0,
				Delta:         1e-5,
			},
			Compression: CompressionConfig{
				Scheme:       "topk_int8",
				TopKFraction: 0.1,
			},
			Shard: ShardConfig{
				ID:    0,
				Count: 1,
			},
		},
	}
}

// Load reads, merges and validates the configuration at path. The format
// follows the file extension: .yaml/.yml or .json.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension %q", filepath.Ext(path))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate runs struct-tag validation plus the semantic checks the tags
// cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	if c.Monitor.WindowSeconds < c.Monitor.IntervalSeconds {
		// A window shorter than the cadence leaves blind gaps between ticks.
		return fmt.Errorf("config validation: monitor.window_seconds (%d) must cover monitor.interval_seconds (%d)",
			c.Monitor.WindowSeconds, c.Monitor.IntervalSeconds)
	}
	if c.FL.MinParticipants > c.FL.ClientsPerRound {
		return fmt.Errorf("config validation: fl.min_participants (%d) exceeds fl.clients_per_round (%d)",
			c.FL.MinParticipants, c.FL.ClientsPerRound)
	}
	if c.FL.MultiKrumM > c.FL.ClientsPerRound {
		return fmt.Errorf("config validation: fl.multi_krum_m (%d) exceeds fl.clients_per_round (%d)",
			c.FL.MultiKrumM, c.FL.ClientsPerRound)
	}
	if c.FL.DP.Enabled && c.FL.DP.NoiseSigma <= 0 {
		return fmt.Errorf("config validation: fl.dp.noise_sigma must be > 0 when dp is enabled")
	}
	if c.FL.Shard.ID >= c.FL.Shard.Count {
		return fmt.Errorf("config validation: fl.shard.id (%d) out of range for shard count %d",
			c.FL.Shard.ID, c.FL.Shard.Count)
	}
	for i, f := range c.Monitor.Fixtures {
		if f.ClampMax != 0 && f.ClampMax < f.ClampMin {
			return fmt.Errorf("config validation: fixture %d (%s): clamp_max below clamp_min", i, f.MetricName)
		}
	}
	return nil
}

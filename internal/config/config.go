package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`

	// TraceSampleRatio is the fraction of root spans kept, 0 to 1.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

type Config struct {
	RunName     string          `yaml:"run_name"`
	Environment string          `yaml:"environment"`
	HTTP        HTTPConfig      `yaml:"http"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
	Data        DataConfig      `yaml:"data"`
	Features    FeaturesConfig  `yaml:"features"`
	Batch       BatchConfig     `yaml:"batch"`
	Labels      LabelsConfig    `yaml:"labels"`
	Trainer     TrainerConfig   `yaml:"trainer"`
	Bus         BusConfig       `yaml:"bus"`
	RunLog      RunLogConfig    `yaml:"run_log"`
}

type DataConfig struct {
	Dir       string `yaml:"dir"`
	ExpDir    string `yaml:"exp_dir"`
	TmpDir    string `yaml:"tmp_dir"`
	TrainName string `yaml:"train_name"`
	DevName   string `yaml:"dev_name"`
}

// ToolsConfig holds the command used for each external feature stage. Each
// value is split with shell quoting rules; stage arguments are appended.
type ToolsConfig struct {
	CopyFeats       string `yaml:"copy_feats"`
	AddDeltas       string `yaml:"add_deltas"`
	SpliceFeats     string `yaml:"splice_feats"`
	ApplyCMVN       string `yaml:"apply_cmvn"`
	ComputeCMVNStat string `yaml:"compute_cmvn_stats"`
}

type FeaturesConfig struct {
	FeatType       string      `yaml:"feat_type"` // raw, delta
	DeltaOpts      string      `yaml:"delta_opts"`
	ContextWidth   int         `yaml:"context_width"`
	ProbeLimit     int         `yaml:"probe_limit"`
	ApplyCMVN      bool        `yaml:"apply_cmvn"`
	CMVNStats      string      `yaml:"cmvn_stats"`
	ShardTimeoutMS int         `yaml:"shard_timeout_ms"`
	Tools          ToolsConfig `yaml:"tools"`
}

type BatchConfig struct {
	BatchSize         int    `yaml:"batch_size"`
	Replicas          int    `yaml:"replicas"`
	MaxLength         int    `yaml:"max_length"`
	Seed              int64  `yaml:"seed"`
	Shuffle           bool   `yaml:"shuffle"`
	Remainder         string `yaml:"remainder"` // drop, pad
	ResetClearsWindow bool   `yaml:"reset_clears_window"`
	Prefetch          bool   `yaml:"prefetch"`
}

type LabelsConfig struct {
	Path     string `yaml:"path"`
	DevPath  string `yaml:"dev_path"`
	Kind     string `yaml:"kind"` // utterance, frame
	CacheDir string `yaml:"cache_dir"`
}

type TrainerConfig struct {
	Mode            string  `yaml:"mode"` // mock
	LearningRate    float64 `yaml:"learning_rate"`
	MinLearningRate float64 `yaml:"min_learning_rate"`
	HalvingFactor   float64 `yaml:"halving_factor"`
	MaxEpochs       int     `yaml:"max_epochs"`
	EvalEvery       int     `yaml:"eval_every"`
	CheckpointDir   string  `yaml:"checkpoint_dir"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
	SubjectPrefix  string   `yaml:"subject_prefix"`
}

type RunLogConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxRuns       int    `yaml:"max_runs"`
}

func Default() Config {
	return Config{
		RunName:     "loqa-dnn",
		Environment: "development",
		HTTP: HTTPConfig{
			Enabled: true,
			Bind:    "0.0.0.0",
			Port:    8081,
		},
		Telemetry: TelemetryConfig{
			LogLevel:         "info",
			OTLPEndpoint:     "",
			OTLPInsecure:     true,
			PrometheusBind:   "",
			TraceSampleRatio: 1,
		},
		Data: DataConfig{
			Dir:       "./data",
			ExpDir:    "./exp",
			TmpDir:    "",
			TrainName: "train",
			DevName:   "cv",
		},
		Features: FeaturesConfig{
			FeatType:     "raw",
			ContextWidth: 5,
			ProbeLimit:   10000,
			ApplyCMVN:    true,
			Tools: ToolsConfig{
				CopyFeats:       "copy-feats",
				AddDeltas:       "add-deltas",
				SpliceFeats:     "splice-feats",
				ApplyCMVN:       "apply-cmvn",
				ComputeCMVNStat: "compute-cmvn-stats",
			},
		},
		Batch: BatchConfig{
			BatchSize: 256,
			Replicas:  1,
			MaxLength: 1000,
			Seed:      777,
			Remainder: "drop",
		},
		Labels: LabelsConfig{
			Kind: "utterance",
		},
		Trainer: TrainerConfig{
			Mode:            "mock",
			LearningRate:    0.008,
			MinLearningRate: 0.0001,
			HalvingFactor:   0.5,
			MaxEpochs:       20,
			EvalEvery:       1000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
			SubjectPrefix:  "train.progress",
		},
		RunLog: RunLogConfig{
			Path:          "./exp/runs.db",
			RetentionMode: "persistent",
			RetentionDays: 90,
			MaxRuns:       1000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RunName, "LOQA_RUN_NAME")
	overrideString(&cfg.Environment, "LOQA_ENVIRONMENT")
	overrideBool(&cfg.HTTP.Enabled, "LOQA_HTTP_ENABLED")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideFloat(&cfg.Telemetry.TraceSampleRatio, "LOQA_TELEMETRY_TRACE_SAMPLE_RATIO")
	overrideString(&cfg.Data.Dir, "LOQA_DATA_DIR")
	overrideString(&cfg.Data.ExpDir, "LOQA_DATA_EXP_DIR")
	overrideString(&cfg.Data.TmpDir, "LOQA_DATA_TMP_DIR")
	overrideString(&cfg.Data.TrainName, "LOQA_DATA_TRAIN_NAME")
	overrideString(&cfg.Data.DevName, "LOQA_DATA_DEV_NAME")
	overrideString(&cfg.Features.FeatType, "LOQA_FEATURES_FEAT_TYPE")
	overrideString(&cfg.Features.DeltaOpts, "LOQA_FEATURES_DELTA_OPTS")
	overrideInt(&cfg.Features.ContextWidth, "LOQA_FEATURES_CONTEXT_WIDTH")
	overrideInt(&cfg.Features.ProbeLimit, "LOQA_FEATURES_PROBE_LIMIT")
	overrideBool(&cfg.Features.ApplyCMVN, "LOQA_FEATURES_APPLY_CMVN")
	overrideString(&cfg.Features.CMVNStats, "LOQA_FEATURES_CMVN_STATS")
	overrideInt(&cfg.Features.ShardTimeoutMS, "LOQA_FEATURES_SHARD_TIMEOUT_MS")
	overrideInt(&cfg.Batch.BatchSize, "LOQA_BATCH_SIZE")
	overrideInt(&cfg.Batch.Replicas, "LOQA_BATCH_REPLICAS")
	overrideInt(&cfg.Batch.MaxLength, "LOQA_BATCH_MAX_LENGTH")
	overrideInt64(&cfg.Batch.Seed, "LOQA_BATCH_SEED")
	overrideBool(&cfg.Batch.Shuffle, "LOQA_BATCH_SHUFFLE")
	overrideString(&cfg.Batch.Remainder, "LOQA_BATCH_REMAINDER")
	overrideBool(&cfg.Batch.ResetClearsWindow, "LOQA_BATCH_RESET_CLEARS_WINDOW")
	overrideBool(&cfg.Batch.Prefetch, "LOQA_BATCH_PREFETCH")
	overrideString(&cfg.Labels.Path, "LOQA_LABELS_PATH")
	overrideString(&cfg.Labels.DevPath, "LOQA_LABELS_DEV_PATH")
	overrideString(&cfg.Labels.Kind, "LOQA_LABELS_KIND")
	overrideString(&cfg.Labels.CacheDir, "LOQA_LABELS_CACHE_DIR")
	overrideString(&cfg.Trainer.Mode, "LOQA_TRAINER_MODE")
	overrideFloat(&cfg.Trainer.LearningRate, "LOQA_TRAINER_LEARNING_RATE")
	overrideFloat(&cfg.Trainer.MinLearningRate, "LOQA_TRAINER_MIN_LEARNING_RATE")
	overrideFloat(&cfg.Trainer.HalvingFactor, "LOQA_TRAINER_HALVING_FACTOR")
	overrideInt(&cfg.Trainer.MaxEpochs, "LOQA_TRAINER_MAX_EPOCHS")
	overrideInt(&cfg.Trainer.EvalEvery, "LOQA_TRAINER_EVAL_EVERY")
	overrideString(&cfg.Trainer.CheckpointDir, "LOQA_TRAINER_CHECKPOINT_DIR")
	overrideBool(&cfg.Bus.Enabled, "LOQA_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.SubjectPrefix, "LOQA_BUS_SUBJECT_PREFIX")
	overrideString(&cfg.RunLog.Path, "LOQA_RUN_LOG_PATH")
	overrideString(&cfg.RunLog.RetentionMode, "LOQA_RUN_LOG_RETENTION_MODE")
	overrideInt(&cfg.RunLog.RetentionDays, "LOQA_RUN_LOG_RETENTION_DAYS")
	overrideInt(&cfg.RunLog.MaxRuns, "LOQA_RUN_LOG_MAX_RUNS")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideInt64(target *int64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RunName == "" {
		return errors.New("run_name must not be empty")
	}
	if cfg.HTTP.Enabled && (cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535) {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Telemetry.TraceSampleRatio < 0 || cfg.Telemetry.TraceSampleRatio > 1 {
		return errors.New("telemetry.trace_sample_ratio must be between 0 and 1")
	}
	if cfg.Data.Dir == "" {
		return errors.New("data.dir must not be empty")
	}
	if cfg.Data.ExpDir == "" {
		return errors.New("data.exp_dir must not be empty")
	}
	if cfg.Data.TrainName == "" {
		return errors.New("data.train_name must not be empty")
	}
	if cfg.Features.ContextWidth < 0 {
		return errors.New("features.context_width must be >= 0")
	}
	if cfg.Features.ProbeLimit < 0 {
		return errors.New("features.probe_limit must be >= 0")
	}
	if cfg.Features.ShardTimeoutMS < 0 {
		return errors.New("features.shard_timeout_ms must be >= 0")
	}
	if cfg.Batch.BatchSize <= 0 {
		return errors.New("batch.batch_size must be positive")
	}
	if cfg.Batch.Replicas <= 0 {
		return errors.New("batch.replicas must be positive")
	}
	if cfg.Batch.MaxLength <= 0 {
		return errors.New("batch.max_length must be positive")
	}
	switch cfg.Batch.Remainder {
	case "drop", "pad":
	default:
		return errors.New("batch.remainder must be one of drop|pad")
	}
	switch cfg.Labels.Kind {
	case "utterance", "frame":
	default:
		return errors.New("labels.kind must be one of utterance|frame")
	}
	switch cfg.Trainer.Mode {
	case "mock":
	default:
		return errors.New("trainer.mode must be mock")
	}
	if cfg.Trainer.LearningRate <= 0 {
		return errors.New("trainer.learning_rate must be positive")
	}
	if cfg.Trainer.HalvingFactor <= 0 || cfg.Trainer.HalvingFactor >= 1 {
		return errors.New("trainer.halving_factor must be in (0, 1)")
	}
	if cfg.Trainer.MaxEpochs <= 0 {
		return errors.New("trainer.max_epochs must be positive")
	}
	if cfg.Trainer.EvalEvery <= 0 {
		return errors.New("trainer.eval_every must be positive")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Bus.SubjectPrefix == "" {
			return errors.New("bus.subject_prefix must not be empty")
		}
	}
	switch cfg.RunLog.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("run_log.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.RunLog.RetentionMode != "ephemeral" && cfg.RunLog.Path == "" {
		return errors.New("run_log.path must not be empty")
	}
	if cfg.RunLog.RetentionDays < 0 {
		return errors.New("run_log.retention_days must be >= 0")
	}
	return nil
}

package bertgo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every knob of a fine-tuning run. Values come from an optional
// YAML file, then BERTGO_ prefixed environment variables, then defaults.
type Config struct {
	Model ModelConfig `mapstructure:"model"`
	Data  DataConfig  `mapstructure:"data"`
	Train TrainConfig `mapstructure:"train"`
	Log   LogConfig   `mapstructure:"log"`
}

type ModelConfig struct {
	Repo          string  `mapstructure:"repo"`
	Dir           string  `mapstructure:"dir"`
	Backend       string  `mapstructure:"backend"`
	Weights       string  `mapstructure:"weights"`
	RandomInit    bool    `mapstructure:"random_init"`
	ConfigFile    string  `mapstructure:"config_file"`
	Vocab         string  `mapstructure:"vocab"`
	Lowercase     bool    `mapstructure:"lowercase"`
	StripAccents  bool    `mapstructure:"strip_accents"`
	HeadSize      int     `mapstructure:"head_size"`
	NumLabels     int     `mapstructure:"num_labels"`
	Dropout       float32 `mapstructure:"dropout"`
	FreezeEncoder bool    `mapstructure:"freeze_encoder"`
	Device        string  `mapstructure:"device"`
}

type DataConfig struct {
	Path        string `mapstructure:"path"`
	TextColumn  string `mapstructure:"text_column"`
	LabelColumn string `mapstructure:"label_column"`
	MaxLen      int    `mapstructure:"max_len"`
	Shuffle     bool   `mapstructure:"shuffle"`
	// Limit keeps only the first Limit examples, zero keeps all
	Limit int `mapstructure:"limit"`
}

type TrainConfig struct {
	BatchSize    int     `mapstructure:"batch_size"`
	LearningRate float32 `mapstructure:"learning_rate"`
	WeightDecay  float32 `mapstructure:"weight_decay"`
	Epochs       int     `mapstructure:"epochs"`
	LogEvery     int     `mapstructure:"log_every"`
	Seed         int64   `mapstructure:"seed"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// DefaultCacheDir is where `bertgo init` stores pretrained files.
func DefaultCacheDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "bertgo")
	}
	return filepath.Join(homeDir, ".cache", "bertgo")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("model.repo", "klue/bert-base")
	v.SetDefault("model.dir", "")
	v.SetDefault("model.backend", "native")
	v.SetDefault("model.weights", "")
	v.SetDefault("model.random_init", false)
	v.SetDefault("model.config_file", "")
	v.SetDefault("model.vocab", "")
	v.SetDefault("model.lowercase", false)
	v.SetDefault("model.strip_accents", false)
	v.SetDefault("model.head_size", 32)
	v.SetDefault("model.num_labels", 2)
	v.SetDefault("model.dropout", 0.1)
	v.SetDefault("model.freeze_encoder", false)
	v.SetDefault("model.device", "auto")

	v.SetDefault("data.path", "")
	v.SetDefault("data.text_column", "document")
	v.SetDefault("data.label_column", "label")
	v.SetDefault("data.max_len", 512)
	v.SetDefault("data.shuffle", true)
	v.SetDefault("data.limit", 0)

	v.SetDefault("train.batch_size", 32)
	v.SetDefault("train.learning_rate", 2e-5)
	v.SetDefault("train.weight_decay", 0.01)
	v.SetDefault("train.epochs", 1)
	v.SetDefault("train.log_every", 10)
	v.SetDefault("train.seed", DefaultSeed)

	v.SetDefault("log.level", "info")
}

// LoadConfig reads configPath when it is not empty. A missing file is an
// error; an empty path means defaults and environment only.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("BERTGO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	cfg.resolvePaths()
	return &cfg, nil
}

// resolvePaths fills unset model file paths from the download directory.
func (c *Config) resolvePaths() {
	if c.Model.Dir == "" {
		c.Model.Dir = filepath.Join(DefaultCacheDir(), filepath.FromSlash(c.Model.Repo))
	}
	if c.Model.Vocab == "" {
		c.Model.Vocab = filepath.Join(c.Model.Dir, "vocab.txt")
	}
	if c.Model.ConfigFile == "" {
		c.Model.ConfigFile = filepath.Join(c.Model.Dir, "config.json")
	}
	if c.Model.Weights == "" {
		name := "model.safetensors"
		if strings.EqualFold(c.Model.Backend, "onnx") {
			name = "model.onnx"
		}
		c.Model.Weights = filepath.Join(c.Model.Dir, name)
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Train.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("train.batch_size must be > 0, got %d", c.Train.BatchSize))
	}
	if c.Train.LearningRate <= 0 {
		errs = append(errs, fmt.Errorf("train.learning_rate must be > 0, got %v", c.Train.LearningRate))
	}
	if c.Train.Epochs <= 0 {
		errs = append(errs, fmt.Errorf("train.epochs must be > 0, got %d", c.Train.Epochs))
	}
	if c.Data.MaxLen < 2 {
		errs = append(errs, fmt.Errorf("data.max_len must be >= 2, got %d", c.Data.MaxLen))
	}
	if c.Model.NumLabels < 2 {
		errs = append(errs, fmt.Errorf("model.num_labels must be >= 2, got %d", c.Model.NumLabels))
	}
	if c.Model.HeadSize <= 0 {
		errs = append(errs, fmt.Errorf("model.head_size must be > 0, got %d", c.Model.HeadSize))
	}
	if c.Model.Dropout < 0 || c.Model.Dropout >= 1 {
		errs = append(errs, fmt.Errorf("model.dropout must be in [0, 1), got %v", c.Model.Dropout))
	}
	switch strings.ToLower(c.Model.Backend) {
	case "native", "onnx":
	default:
		errs = append(errs, fmt.Errorf("model.backend must be native or onnx, got %q", c.Model.Backend))
	}
	if c.Model.RandomInit && strings.EqualFold(c.Model.Backend, "onnx") {
		errs = append(errs, errors.New("model.random_init needs the native backend"))
	}
	return errors.Join(errs...)
}

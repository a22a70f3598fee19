package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rendis/autoflow/internal/engine"
	"github.com/rendis/autoflow/internal/scheduler"
)

// Config holds all autoflow configuration.
// Priority: AUTOFLOW_* env vars > autoflow.yaml > defaults.
type Config struct {
	DBPath     string `mapstructure:"db_path"`
	ListenAddr string `mapstructure:"listen_addr"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Engine struct {
		StepTimeout time.Duration `mapstructure:"step_timeout"`
	} `mapstructure:"engine"`

	Scheduler struct {
		ExecutionInterval time.Duration `mapstructure:"execution_interval"`
		ExecutionBatch    int           `mapstructure:"execution_batch"`
		MessageInterval   time.Duration `mapstructure:"message_interval"`
		MessageBatch      int           `mapstructure:"message_batch"`
		ScheduleInterval  time.Duration `mapstructure:"schedule_interval"`
		ResumeInterval    time.Duration `mapstructure:"resume_interval"`
		ResumeBatch       int           `mapstructure:"resume_batch"`
	} `mapstructure:"scheduler"`

	Delivery struct {
		Transport   string            `mapstructure:"transport"`
		URL         string            `mapstructure:"url"`
		Headers     map[string]string `mapstructure:"headers"`
		Timeout     time.Duration     `mapstructure:"timeout"`
		DefaultFrom string            `mapstructure:"default_from"`
		MaxAttempts int               `mapstructure:"max_attempts"`
	} `mapstructure:"delivery"`
}

func autoflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".autoflow"
	}
	return filepath.Join(home, ".autoflow")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db_path", filepath.Join(autoflowDir(), "autoflow.db"))
	v.SetDefault("listen_addr", ":4100")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("engine.step_timeout", engine.DefaultStepTimeout)

	v.SetDefault("scheduler.execution_interval", scheduler.DefaultExecutionInterval)
	v.SetDefault("scheduler.execution_batch", scheduler.DefaultExecutionBatch)
	v.SetDefault("scheduler.message_interval", scheduler.DefaultMessageInterval)
	v.SetDefault("scheduler.message_batch", scheduler.DefaultMessageBatch)
	v.SetDefault("scheduler.schedule_interval", scheduler.DefaultScheduleInterval)
	v.SetDefault("scheduler.resume_interval", scheduler.DefaultResumeInterval)
	v.SetDefault("scheduler.resume_batch", scheduler.DefaultResumeBatch)

	v.SetDefault("delivery.transport", "log")
	v.SetDefault("delivery.url", "")
	v.SetDefault("delivery.headers", map[string]string{})
	v.SetDefault("delivery.timeout", 10*time.Second)
	v.SetDefault("delivery.default_from", "")
	v.SetDefault("delivery.max_attempts", 3)
}

// loadConfig layers defaults, the config file and the environment. An
// explicit path must exist; the implicit search tolerates a missing file.
func loadConfig(v *viper.Viper, path string) (Config, error) {
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("autoflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(autoflowDir())
	}

	v.SetEnvPrefix("AUTOFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// storeDSN turns a configured path into a libSQL DSN.
func storeDSN(path string) string {
	for _, scheme := range []string{"file:", "libsql:", "http:", "https:"} {
		if strings.HasPrefix(path, scheme) {
			return path
		}
	}
	return "file:" + path
}

func (c Config) schedulerConfig() scheduler.Config {
	return scheduler.Config{
		ExecutionInterval: c.Scheduler.ExecutionInterval,
		ExecutionBatch:    c.Scheduler.ExecutionBatch,
		MessageInterval:   c.Scheduler.MessageInterval,
		MessageBatch:      c.Scheduler.MessageBatch,
		ScheduleInterval:  c.Scheduler.ScheduleInterval,
		ResumeInterval:    c.Scheduler.ResumeInterval,
		ResumeBatch:       c.Scheduler.ResumeBatch,
	}
}

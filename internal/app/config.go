package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentdeck/agentdeck-backend/internal/pkg/logger"
	"github.com/agentdeck/agentdeck-backend/internal/utils"
)

type AgentConfig struct {
	ID      string   `yaml:"id"`
	Command []string `yaml:"command"`
}

type Config struct {
	Port        string
	BaseURL     string
	DBDriver    string
	DBDSN       string
	CORSOrigins []string

	SessionTimeout time.Duration
	AcquireTimeout time.Duration
	FSMRetention   time.Duration
	SweepInterval  time.Duration

	Agents []AgentConfig
}

type fileConfig struct {
	Port                  string        `yaml:"port"`
	BaseURL               string        `yaml:"base_url"`
	DBDriver              string        `yaml:"db_driver"`
	DBDSN                 string        `yaml:"db_dsn"`
	CORSOrigins           []string      `yaml:"cors_origins"`
	SessionTimeoutMs      int           `yaml:"session_timeout_ms"`
	AgentAcquireTimeoutMs int           `yaml:"agent_acquire_timeout_ms"`
	FSMRetentionMs        int           `yaml:"fsm_retention_ms"`
	FSMSweepIntervalMs    int           `yaml:"fsm_sweep_interval_ms"`
	Agents                []AgentConfig `yaml:"agents"`
}

// LoadConfig resolves configuration from the optional YAML file named by
// CONFIG_FILE, then lets environment variables override file values.
func LoadConfig(log *logger.Logger) (Config, error) {
	fc, err := loadFileConfig(log)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Port:           firstNonEmpty(utils.GetEnv("PORT", "", log), fc.Port, "3000"),
		BaseURL:        firstNonEmpty(utils.GetEnv("BASE_URL", "", log), fc.BaseURL, "/gm"),
		DBDriver:       firstNonEmpty(utils.GetEnv("DB_DRIVER", "", log), fc.DBDriver, "sqlite"),
		DBDSN:          firstNonEmpty(utils.GetEnv("DB_DSN", "", log), fc.DBDSN, "agentdeck.db"),
		SessionTimeout: msDuration(utils.GetEnvAsInt("SESSION_TIMEOUT_MS", fc.SessionTimeoutMs, log), 120_000),
		AcquireTimeout: msDuration(utils.GetEnvAsInt("AGENT_ACQUIRE_TIMEOUT_MS", fc.AgentAcquireTimeoutMs, log), 60_000),
		FSMRetention:   msDuration(utils.GetEnvAsInt("FSM_RETENTION_MS", fc.FSMRetentionMs, log), 3_600_000),
		SweepInterval:  msDuration(utils.GetEnvAsInt("FSM_SWEEP_INTERVAL_MS", fc.FSMSweepIntervalMs, log), 600_000),
		Agents:         fc.Agents,
	}

	if raw := utils.GetEnv("CORS_ORIGINS", "", log); raw != "" {
		for _, origin := range strings.Split(raw, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, origin)
			}
		}
	} else {
		cfg.CORSOrigins = fc.CORSOrigins
	}

	if len(cfg.Agents) == 0 {
		cfg.Agents = []AgentConfig{
			{ID: "claude-code", Command: []string{"claude", "-p"}},
			{ID: "gemini-cli", Command: []string{"gemini", "-p"}},
		}
	}
	return cfg, nil
}

func loadFileConfig(log *logger.Logger) (fileConfig, error) {
	path := strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	if path == "" {
		return fileConfig{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config file %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fileConfig{}, fmt.Errorf("decode config file %s: %w", path, err)
	}
	log.Info("loaded config file", "path", path)
	return fc, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func msDuration(ms int, fallback int) time.Duration {
	if ms <= 0 {
		ms = fallback
	}
	return time.Duration(ms) * time.Millisecond
}

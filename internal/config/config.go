package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"

	"github.com/markis/cozeflow/internal/stream"
)

const (
	configDirName = "cozeflow"
	defaultConfig = ".config"

	// EnvToken supplies the API token when no flag is given.
	EnvToken = "COZE_API_TOKEN"
)

var configFiles = []string{
	"config.yaml",
	"config.yml",
}

// Config represents the structure of the configuration file used by the application.
type Config struct {
	API       API                 `yaml:"api"`
	Workflow  Workflow            `yaml:"workflow"`
	Workflows map[string]Workflow `yaml:"workflows"`
	Proxy     Proxy               `yaml:"proxy"`
	Result    Result              `yaml:"result"`
	Render    Render              `yaml:"render"`
	Log       Log                 `yaml:"log"`
}

// API holds connection settings for the workflow service.
type API struct {
	BaseURL string        `yaml:"base_url" default:"https://api.coze.cn"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout" default:"5m"`
}

// Workflow describes one runnable workflow and its default parameters.
type Workflow struct {
	ID          string `yaml:"id"`
	Num         int    `yaml:"num" default:"2"`
	FeishuToken string `yaml:"feishu_token"`
	Description string `yaml:"description"`
}

// Proxy configures the local forwarding proxy.
type Proxy struct {
	Listen   string `yaml:"listen" default:"localhost:8001"`
	Upstream string `yaml:"upstream" default:"https://api.coze.cn"`
}

// Result overrides the final result heuristic. Empty lists keep the defaults.
type Result struct {
	Events []string `yaml:"events"`
	Fields []string `yaml:"fields"`
}

// Render selects terminal output, "markdown" or "plain".
type Render struct {
	Format string `yaml:"format" default:"markdown"`
}

// Log configures the logger.
type Log struct {
	Level string `yaml:"level" default:"info"`
}

// Matcher returns the configured result heuristic, falling back to the
// default event and field lists individually.
func (c Config) Matcher() stream.ResultMatcher {
	m := stream.DefaultResultMatcher()
	if len(c.Result.Events) > 0 {
		m.Events = c.Result.Events
	}
	if len(c.Result.Fields) > 0 {
		m.Fields = c.Result.Fields
	}
	return m
}

// ResolveToken picks the API token: explicit value, then EnvToken, then the
// config file.
func (c Config) ResolveToken(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if token := os.Getenv(EnvToken); token != "" {
		return token
	}
	return c.API.Token
}

// configResult is a struct used to return the configuration and any error that occurs during loading.
type configResult struct {
	config *Config
	err    error
}

// NewDefaultConfig returns a configuration with every default applied.
func NewDefaultConfig() *Config {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		// Only reachable with malformed default tags.
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return cfg
}

// getConfigPath retrieves the path to the configuration directory based on
// XDG_CONFIG_HOME, LOCALAPPDATA on Windows, and finally ~/.config.
func getConfigPath() (string, error) {
	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" && runtime.GOOS == "windows" {
		configHome = os.Getenv("LOCALAPPDATA")
	}
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get user home directory: %w", err)
		}
		configHome = filepath.Join(home, defaultConfig)
	}

	return filepath.Join(configHome, configDirName), nil
}

// tryLoadConfig attempts to load a configuration file from the specified path.
func tryLoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := NewDefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	for name, wf := range cfg.Workflows {
		if err := defaults.Set(&wf); err != nil {
			return nil, fmt.Errorf("failed to apply defaults to workflow %s: %w", name, err)
		}
		cfg.Workflows[name] = wf
	}

	return cfg, nil
}

// LoadConfig loads the configuration from the user's config directory, with a timeout.
func LoadConfig(ctx context.Context) (*Config, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	result := make(chan configResult, 1)

	go func() {
		cfg, err := loadConfigFiles(ctx)
		result <- configResult{config: cfg, err: err}
	}()

	done := ctx.Done()
	select {
	case <-done:
		return nil, ctx.Err()
	case r := <-result:
		return r.config, r.err
	}
}

// loadConfigFiles loads the first configuration file found in the config directory.
func loadConfigFiles(ctx context.Context) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error before loading config: %w", err)
	}

	configDir, err := getConfigPath()
	if err != nil {
		return nil, fmt.Errorf("failed to get config path: %w", err)
	}

	// Return default config early if directory doesn't exist
	if _, err := os.Stat(configDir); os.IsNotExist(err) {
		return NewDefaultConfig(), nil
	}

	for _, filename := range configFiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cfg, err := tryLoadConfig(filepath.Join(configDir, filename))
		if err == nil {
			return cfg, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load config from %s: %w", filename, err)
		}
	}

	return NewDefaultConfig(), nil
}

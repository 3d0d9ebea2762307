package client

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/saveenergy/netpulse/internal/config"
)

type ServerConfig struct {
	URL    string `yaml:"url"`
	Name   string `yaml:"name"`
	APIKey string `yaml:"api_key,omitempty"`
}

type ConfigFile struct {
	DefaultServer string                  `yaml:"default_server,omitempty"`
	Servers       map[string]ServerConfig `yaml:"servers,omitempty"`

	ServerURL    string `yaml:"server_url,omitempty"`
	APIKey       string `yaml:"api_key,omitempty"`
	Timeout      int    `yaml:"timeout,omitempty"`
	LatencyCount int    `yaml:"latency_count,omitempty"`
	Quick        bool   `yaml:"quick,omitempty"`
	Save         bool   `yaml:"save,omitempty"`
	DataDir      string `yaml:"data_dir,omitempty"`
	Language     string `yaml:"language,omitempty"`
	JSON         bool   `yaml:"json,omitempty"`
	Plain        bool   `yaml:"plain,omitempty"`
	Verbose      bool   `yaml:"verbose,omitempty"`
	NoColor      bool   `yaml:"no_color,omitempty"`
	NoProgress   bool   `yaml:"no_progress,omitempty"`
}

func loadConfigFile(path string) (*ConfigFile, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cf ConfigFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := validateConfigFile(&cf); err != nil {
		return nil, fmt.Errorf("invalid config file: %w", err)
	}
	return &cf, nil
}

func resolveServerURL(cf *ConfigFile, alias string) (string, string) {
	if cf == nil {
		return "", ""
	}
	if alias == "" {
		alias = cf.DefaultServer
	}
	if server, ok := cf.Servers[alias]; ok && alias != "" {
		return server.URL, server.APIKey
	}
	return cf.ServerURL, cf.APIKey
}

func mergeConfig(flagConfig *Config, cf *ConfigFile, flagsSet map[string]bool) *Config {
	result := &Config{
		ServerURL:    defaultServerURL,
		Timeout:      defaultTimeout,
		LatencyCount: defaultLatencyCount,
		DataDir:      config.UserDataDir(),
	}

	if cf != nil {
		if serverURL, apiKey := resolveServerURL(cf, ""); serverURL != "" {
			result.ServerURL = serverURL
			result.APIKey = apiKey
		}
		if cf.Timeout > 0 {
			result.Timeout = cf.Timeout
		}
		if cf.LatencyCount > 0 {
			result.LatencyCount = cf.LatencyCount
		}
		if cf.DataDir != "" {
			result.DataDir = cf.DataDir
		}
		result.Quick = cf.Quick
		result.Save = cf.Save
		result.Language = cf.Language
		result.JSON = cf.JSON
		result.Plain = cf.Plain
		result.Verbose = cf.Verbose
		result.NoColor = cf.NoColor
		result.NoProgress = cf.NoProgress
	}

	if val := os.Getenv("NETPULSE_SERVER_URL"); val != "" {
		result.ServerURL = val
	}
	if val := os.Getenv("NETPULSE_API_KEY"); val != "" {
		result.APIKey = val
	}
	if val := os.Getenv("NETPULSE_LANG"); val != "" {
		result.Language = val
	}
	if val := os.Getenv("NETPULSE_TIMEOUT"); val != "" {
		if t, err := strconv.Atoi(val); err == nil {
			result.Timeout = t
		} else {
			fmt.Fprintf(os.Stderr, "netpulse client: warning: invalid NETPULSE_TIMEOUT value '%s' (must be integer), ignoring\n", val)
		}
	}
	if val := os.Getenv("NETPULSE_LATENCY_COUNT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			result.LatencyCount = n
		} else {
			fmt.Fprintf(os.Stderr, "netpulse client: warning: invalid NETPULSE_LATENCY_COUNT value '%s' (must be integer), ignoring\n", val)
		}
	}
	if os.Getenv("NO_COLOR") != "" {
		result.NoColor = true
	}

	if flagsSet["server"] && flagConfig.Server != "" {
		if server, ok := serverAlias(cf, flagConfig.Server); ok {
			result.ServerURL = server.URL
			if server.APIKey != "" {
				result.APIKey = server.APIKey
			}
		} else {
			result.ServerURL = flagConfig.Server
		}
	}
	if flagsSet["server-url"] && flagConfig.ServerURL != "" {
		result.ServerURL = flagConfig.ServerURL
	}
	if flagsSet["api-key"] && flagConfig.APIKey != "" {
		result.APIKey = flagConfig.APIKey
	}
	if flagsSet["timeout"] && flagConfig.Timeout > 0 {
		result.Timeout = flagConfig.Timeout
	}
	if flagsSet["count"] && flagConfig.LatencyCount > 0 {
		result.LatencyCount = flagConfig.LatencyCount
	}
	if flagsSet["data-dir"] && flagConfig.DataDir != "" {
		result.DataDir = flagConfig.DataDir
	}
	if flagsSet["lang"] && flagConfig.Language != "" {
		result.Language = flagConfig.Language
	}
	for name, dst := range map[string]*bool{
		"quick":       &result.Quick,
		"save":        &result.Save,
		"json":        &result.JSON,
		"ndjson":      &result.NDJSON,
		"plain":       &result.Plain,
		"verbose":     &result.Verbose,
		"quiet":       &result.Quiet,
		"no-color":    &result.NoColor,
		"no-progress": &result.NoProgress,
	} {
		if flagsSet[name] {
			*dst = flagBool(flagConfig, name)
		}
	}

	return result
}

func flagBool(c *Config, name string) bool {
	switch name {
	case "quick":
		return c.Quick
	case "save":
		return c.Save
	case "json":
		return c.JSON
	case "ndjson":
		return c.NDJSON
	case "plain":
		return c.Plain
	case "verbose":
		return c.Verbose
	case "quiet":
		return c.Quiet
	case "no-color":
		return c.NoColor
	case "no-progress":
		return c.NoProgress
	}
	return false
}

func serverAlias(cf *ConfigFile, alias string) (ServerConfig, bool) {
	if cf == nil {
		return ServerConfig{}, false
	}
	s, ok := cf.Servers[alias]
	return s, ok
}

func validateConfigFile(cf *ConfigFile) error {
	if cf.Timeout < 0 || cf.Timeout > maxTimeout {
		return fmt.Errorf("invalid timeout: %d (must be 1-%d seconds)", cf.Timeout, maxTimeout)
	}
	if cf.LatencyCount < 0 || cf.LatencyCount > maxLatencyCount {
		return fmt.Errorf("invalid latency_count: %d (must be 1-%d)", cf.LatencyCount, maxLatencyCount)
	}
	if cf.Language != "" && cf.Language != "en" && cf.Language != "de" {
		return fmt.Errorf("invalid language: %s (must be en or de)", cf.Language)
	}
	if cf.DefaultServer != "" {
		if _, ok := cf.Servers[cf.DefaultServer]; !ok {
			return fmt.Errorf("default_server %q is not defined under servers", cf.DefaultServer)
		}
	}
	for alias, s := range cf.Servers {
		if s.URL == "" {
			return fmt.Errorf("server %q has no url", alias)
		}
	}
	return nil
}

// Package config loads the gateway's three configuration inputs: the
// upstream server registry (servers.json), the enhancement rule set
// (rules.json), and ambient settings (gateway.toml plus environment
// overrides). Grounded on the teacher's config.Load (internal/config/config.go)
// for the "empty config if missing" idiom and GetConfigPath's
// os.UserHomeDir/filepath.Join pattern for the state directory.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/standardbeagle/mcp-gateway/internal/enhance"
	"github.com/standardbeagle/mcp-gateway/internal/gatewayerr"
	"github.com/standardbeagle/mcp-gateway/internal/upstream"
)

// Settings is gateway.toml: the ambient tunables that are not per-upstream
// or per-client.
type Settings struct {
	ListenPort          int     `toml:"listen_port"`
	LogLevel            string  `toml:"log_level"`
	DefaultTimeoutMs    int     `toml:"default_timeout_ms"`
	CacheCapacity       int     `toml:"cache_capacity"`
	SimilarityThreshold float64 `toml:"similarity_threshold"`
	IdleSessionTimeoutS int     `toml:"idle_session_timeout_s"`
	MaxSessions         int     `toml:"max_sessions"`
	RingCapacity        int     `toml:"ring_capacity"`
	InferenceURL        string  `toml:"inference_url"`
	VectorStoreURL      string  `toml:"vector_store_url"`
	EmbeddingModel      string  `toml:"embedding_model"`
}

func DefaultSettings() Settings {
	return Settings{
		ListenPort:          9090,
		LogLevel:            "info",
		DefaultTimeoutMs:    30000,
		CacheCapacity:       1000,
		SimilarityThreshold: 0.85,
		IdleSessionTimeoutS: 300,
		MaxSessions:         1000,
		RingCapacity:        50,
	}
}

// LoadSettings reads gateway.toml at path, falling back to defaults when the
// file does not exist, then applies environment overrides.
func LoadSettings(path string) (Settings, error) {
	settings := DefaultSettings()

	if path != "" {
		if _, err := toml.DecodeFile(path, &settings); err != nil {
			if !os.IsNotExist(err) {
				return settings, gatewayerr.Configuration("decode gateway.toml", err)
			}
		}
	}

	applyEnvOverrides(&settings)
	return settings, nil
}

func applyEnvOverrides(s *Settings) {
	if v := os.Getenv("INFERENCE_URL"); v != "" {
		s.InferenceURL = v
	}
	if v := os.Getenv("VECTOR_STORE_URL"); v != "" {
		s.VectorStoreURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		s.LogLevel = v
	}
	if v := os.Getenv("LISTEN_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			s.ListenPort = port
		}
	}
}

// ServersFile is servers.json.
type ServersFile struct {
	Servers []upstream.Descriptor `json:"servers"`
}

// LoadServers reads servers.json at path. A missing file yields an empty
// registry rather than an error, matching the teacher's "empty config on
// missing file" convention.
func LoadServers(path string) (*ServersFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ServersFile{}, nil
		}
		return nil, gatewayerr.Configuration("read servers.json", err)
	}

	var file ServersFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, gatewayerr.Configuration("parse servers.json", err)
	}
	return &file, nil
}

// LoadRules reads rules.json at path, returning an empty rule set (every
// client passes through unenhanced) when the file does not exist.
func LoadRules(path string) (*enhance.RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &enhance.RuleSet{Clients: map[string]enhance.ClientRule{}}, nil
		}
		return nil, gatewayerr.Configuration("read rules.json", err)
	}

	var rules enhance.RuleSet
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, gatewayerr.Configuration("parse rules.json", err)
	}
	if rules.Clients == nil {
		rules.Clients = map[string]enhance.ClientRule{}
	}
	return &rules, nil
}

// StateDir returns ~/.mcp-gateway, creating it if necessary, for the
// single-instance lock file and any other on-disk runtime state.
func StateDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", gatewayerr.Configuration("resolve home directory", err)
	}

	dir := filepath.Join(homeDir, ".mcp-gateway")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", gatewayerr.Configuration("create state directory", err)
	}
	return dir, nil
}

func (s Settings) DefaultTimeout() time.Duration {
	return time.Duration(s.DefaultTimeoutMs) * time.Millisecond
}

func (s Settings) IdleSessionTimeout() time.Duration {
	return time.Duration(s.IdleSessionTimeoutS) * time.Second
}

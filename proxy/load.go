package proxy

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads a YAML configuration file, applies defaults and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadWithEnvOverrides is Load followed by PROXYAGENT_* environment
// overrides. The environment wins over the file.
func LoadWithEnvOverrides(path string) (*Config, error) {
	var cfg *Config
	if path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return nil, err
		}
	} else {
		cfg = &Config{}
	}

	ApplyEnvOverrides(cfg)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("after environment overrides: %w", err)
	}
	return cfg, nil
}

// ApplyEnvOverrides copies PROXYAGENT_* variables into cfg. Values that do
// not parse are ignored.
func ApplyEnvOverrides(cfg *Config) {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		if v := os.Getenv(name); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v := os.Getenv(name); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	str("PROXYAGENT_URL", &cfg.URL)
	str("PROXYAGENT_CREDENTIAL", &cfg.Credential)
	boolean("PROXYAGENT_TUNNEL", &cfg.Tunnel)
	duration("PROXYAGENT_TIMEOUT", &cfg.Timeout)
	str("PROXYAGENT_PRESET", &cfg.Preset)
	boolean("PROXYAGENT_PIPELINED", &cfg.Pipelined)
	boolean("PROXYAGENT_INSECURE_SKIP_VERIFY", &cfg.InsecureSkipVerify)
	str("PROXYAGENT_DNS_SERVER", &cfg.DNSServer)
	boolean("PROXYAGENT_DECOMPRESS", &cfg.Decompress)
	duration("PROXYAGENT_REAUTH_AFTER", &cfg.ReauthAfter)
	str("PROXYAGENT_KEY_LOG_FILE", &cfg.KeyLogFile)

	if os.Getenv("PROXYAGENT_NTLM_USERNAME") != "" && cfg.NTLM == nil {
		cfg.NTLM = &NTLMConfig{}
	}
	if cfg.NTLM != nil {
		str("PROXYAGENT_NTLM_USERNAME", &cfg.NTLM.Username)
		str("PROXYAGENT_NTLM_PASSWORD", &cfg.NTLM.Password)
		str("PROXYAGENT_NTLM_DOMAIN", &cfg.NTLM.Domain)
		str("PROXYAGENT_NTLM_WORKSTATION", &cfg.NTLM.Workstation)
		str("PROXYAGENT_NTLM_HEADER_SCOPE", &cfg.NTLM.HeaderScope)
	}
}

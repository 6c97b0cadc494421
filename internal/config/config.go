// Package config loads gitup's UCL-like sectioned configuration file: one
// YAML document whose top-level keys are section names, each selected by
// the command line's positional section argument.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"golang.org/x/net/http/httpproxy"
	"gopkg.in/yaml.v3"
)

// Section holds the configuration for one repository to synchronize.
// Field names mirror the recognized keys from spec.md's external
// interfaces: branch, display_depth, host, ignore, low_memory, port,
// proxy_host, proxy_port, proxy_username, proxy_password, repository,
// target, verbosity, work_directory.
type Section struct {
	Branch        string   `yaml:"branch,omitempty"`
	DisplayDepth  int      `yaml:"display_depth,omitempty"`
	Host          string   `yaml:"host"`
	Ignore        []string `yaml:"ignore,omitempty"`
	LowMemory     bool     `yaml:"low_memory,omitempty"`
	Port          int      `yaml:"port,omitempty"`
	ProxyHost     string   `yaml:"proxy_host,omitempty"`
	ProxyPort     int      `yaml:"proxy_port,omitempty"`
	ProxyUsername string   `yaml:"proxy_username,omitempty"`
	ProxyPassword string   `yaml:"proxy_password,omitempty"`
	Repository    string   `yaml:"repository"`
	Target        string   `yaml:"target"`
	Verbosity     int      `yaml:"verbosity,omitempty"`
	WorkDirectory string   `yaml:"work_directory,omitempty"`
}

// Config is the parsed form of the configuration file: one Section per
// top-level YAML key.
type Config struct {
	Sections map[string]Section `yaml:"-"`
}

// UnmarshalYAML decodes the document as a flat map of section name to
// Section, since the section names are not known ahead of time.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	raw := map[string]Section{}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.Sections = raw
	return nil
}

// Load reads the configuration file at path, applies the HTTP_PROXY /
// HTTPS_PROXY environment overrides (loading .env/.env.local first, if
// present, via godotenv), and returns the single named section.
func Load(path string, section string) (*Section, error) {
	_ = godotenv.Load(".env", ".env.local") // optional; missing files are not fatal

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	sec, ok := cfg.Sections[section]
	if !ok {
		return nil, fmt.Errorf("config: section %q not found in %s", section, path)
	}

	applyProxyEnv(&sec)

	if sec.Host == "" {
		return nil, fmt.Errorf("config: section %q missing required key %q", section, "host")
	}
	if sec.Repository == "" {
		return nil, fmt.Errorf("config: section %q missing required key %q", section, "repository")
	}
	if sec.Target == "" {
		return nil, fmt.Errorf("config: section %q missing required key %q", section, "target")
	}

	return &sec, nil
}

// applyProxyEnv overrides the section's proxy fields from HTTP_PROXY /
// HTTPS_PROXY, parsed as http[s]://[user:pass@]host:port[/], per spec.md §6.
// Environment configuration takes precedence over the file.
func applyProxyEnv(sec *Section) {
	cfg := httpproxy.FromEnvironment()
	raw := cfg.HTTPSProxy
	if raw == "" {
		raw = cfg.HTTPProxy
	}
	if raw == "" {
		return
	}

	u, err := url.Parse(raw)
	if err != nil {
		return
	}

	if host := u.Hostname(); host != "" {
		sec.ProxyHost = host
	}
	if portStr := u.Port(); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			sec.ProxyPort = port
		}
	}
	if u.User != nil {
		sec.ProxyUsername = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			sec.ProxyPassword = pw
		}
	}
}

package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/oarkflow/reqguard"
)

type adminConfig struct {
	Prefix string `yaml:"prefix"`

	// Users maps user names to bcrypt hashes, see -hash-password.
	Users map[string]string `yaml:"users"`
}

type serverConfig struct {
	Listen      string             `yaml:"listen"`
	Upstream    string             `yaml:"upstream"`
	CatalogFile string             `yaml:"catalogFile"`
	WatchFile   bool               `yaml:"watchCatalog"`
	GeoDatabase string             `yaml:"geoDatabase"`
	Log         reqguard.LogConfig `yaml:"log"`
	Admin       adminConfig        `yaml:"admin"`
	Guard       reqguard.Config    `yaml:"guard"`
}

func defaultServerConfig() serverConfig {
	return serverConfig{
		Listen:   ":3000",
		Upstream: "http://127.0.0.1:8080",
		Log:      reqguard.LogConfig{Level: "info"},
		Admin:    adminConfig{Prefix: "/_reqguard"},
		Guard:    reqguard.DefaultConfig(),
	}
}

// loadServerConfig overlays the file at path onto the defaults. An empty
// path returns the defaults.
func loadServerConfig(path string) (serverConfig, error) {
	cfg := defaultServerConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Upstream == "" {
		return cfg, fmt.Errorf("config %s: upstream is required", path)
	}
	cfg.Upstream = strings.TrimRight(cfg.Upstream, "/")
	if !strings.HasPrefix(cfg.Admin.Prefix, "/") {
		cfg.Admin.Prefix = "/" + cfg.Admin.Prefix
	}
	return cfg, nil
}

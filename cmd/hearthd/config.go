package main

import (
	"bytes"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// serveConfig mirrors serve's flag set as a YAML config file, so a box can
// keep its installation settings in one file instead of a long flag line.
// Flags passed explicitly on the command line always win.
type serveConfig struct {
	DataDir          string `yaml:"data_dir"`
	ContainerdSocket string `yaml:"containerd_socket"`
	BoxDomain        string `yaml:"box_domain"`
	MetricsAddr      string `yaml:"metrics_addr"`
	APIAddr          string `yaml:"api_addr"`
	ACMEDirectory    string `yaml:"acme_directory"`
	ACMEEmail        string `yaml:"acme_email"`
	GithubAppID      int64  `yaml:"github_app_id"`
	GithubAppKey     string `yaml:"github_app_key"`
	JWTSecret        string `yaml:"jwt_secret"`
	DisableTLS       bool   `yaml:"disable_tls"`
	WildcardCert     string `yaml:"wildcard_cert"`
	WildcardKey      string `yaml:"wildcard_key"`
}

func loadServeConfig(path string) (serveConfig, error) {
	var cfg serveConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// applyConfigDefaults copies config-file values into any flag the user did
// not set explicitly, keeping "flag beats file" precedence.
func applyConfigDefaults(cmd *cobra.Command, cfg serveConfig) {
	set := func(name, value string) {
		if value != "" && !cmd.Flags().Changed(name) {
			_ = cmd.Flags().Set(name, value)
		}
	}
	set("data-dir", cfg.DataDir)
	set("containerd-socket", cfg.ContainerdSocket)
	set("box-domain", cfg.BoxDomain)
	set("metrics-addr", cfg.MetricsAddr)
	set("api-addr", cfg.APIAddr)
	set("acme-directory", cfg.ACMEDirectory)
	set("acme-email", cfg.ACMEEmail)
	set("github-app-key", cfg.GithubAppKey)
	set("jwt-secret", cfg.JWTSecret)
	set("wildcard-cert", cfg.WildcardCert)
	set("wildcard-key", cfg.WildcardKey)
	if cfg.GithubAppID != 0 && !cmd.Flags().Changed("github-app-id") {
		_ = cmd.Flags().Set("github-app-id", strconv.FormatInt(cfg.GithubAppID, 10))
	}
	if cfg.DisableTLS && !cmd.Flags().Changed("disable-tls") {
		_ = cmd.Flags().Set("disable-tls", "true")
	}
}

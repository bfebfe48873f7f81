package main

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type endpoint struct {
	Addr string `yaml:"addr"`
	Port int    `yaml:"port"`
}

type tlsFiles struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
	CA   string `yaml:"ca"`
}

// config of a chat member. Protocol properties are given as text, the
// way layers parse them.
type config struct {
	Name        string            `yaml:"name"`
	Listen      endpoint          `yaml:"listen"`
	Advertise   endpoint          `yaml:"advertise"`
	Neighbours  []string          `yaml:"neighbours"`
	MetricsAddr string            `yaml:"metrics_addr"`
	LogLevel    string            `yaml:"log_level"`
	TLS         *tlsFiles         `yaml:"tls"`
	FlowControl map[string]string `yaml:"flow_control"`
	Discard     map[string]string `yaml:"discard"`
}

func defaultConfig() config {
	return config{
		Listen:      endpoint{Addr: "0.0.0.0", Port: 7946},
		MetricsAddr: ":9100",
		LogLevel:    "info",
	}
}

// loadConfig reads path, if any, over the defaults. A member without a
// name gets a random one.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config: %w", err)
		}
	}
	if cfg.Name == "" {
		cfg.Name = "chat-" + uuid.NewString()[:8]
	}
	return cfg, nil
}

func (c *config) logLevel() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel)))
	return level, err
}

func (c *config) tlsConfig() (*tls.Config, error) {
	if c.TLS == nil {
		return nil, nil
	}
	if c.TLS.CA == "" || c.TLS.Cert == "" || c.TLS.Key == "" {
		return nil, errors.New("all tls option must be provided")
	}

	keypair, err := tls.LoadX509KeyPair(c.TLS.Cert, c.TLS.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to load client cert: %w", err)
	}

	caBytes, err := os.ReadFile(c.TLS.CA)
	if err != nil {
		return nil, fmt.Errorf("failed to load CA: %w", err)
	}

	caBundle := x509.NewCertPool()
	if !caBundle.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("no certificate found in %s", c.TLS.CA)
	}

	return &tls.Config{
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caBundle,
		Certificates: []tls.Certificate{keypair},
		RootCAs:      caBundle,
	}, nil
}

// Package config loads the udp-repeater YAML configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mojo333/udp-repeater/internal/relay"
)

type InputConfig struct {
	Address    string   `yaml:"address"`
	Port       int      `yaml:"port"`
	Interfaces []string `yaml:"interfaces,omitempty"`
}

type OutputConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

type GenerateConfig struct {
	PayloadLength int `yaml:"payloadLength"`
	Rate          int `yaml:"rate"`
}

type CaptureFileConfig struct {
	Path      string `yaml:"path,omitempty"`
	Overwrite bool   `yaml:"overwrite,omitempty"`
}

type LogConfig struct {
	Verbose    bool   `yaml:"verbose"`
	Foreground bool   `yaml:"foreground"`
	Syslog     bool   `yaml:"syslog"`
	Logfile    string `yaml:"logfile,omitempty"`
	Monitor    string `yaml:"monitor,omitempty"`
}

type ListenConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// Config is the whole file. Every field has a default, so a file only
// needs the values it changes.
type Config struct {
	Input              InputConfig       `yaml:"input"`
	Output             OutputConfig      `yaml:"output"`
	AddSequenceCounter bool              `yaml:"addSequenceCounter"`
	CaptureOnly        bool              `yaml:"captureOnly"`
	TotalPackets       int               `yaml:"totalPackets"`
	Generate           GenerateConfig    `yaml:"generate"`
	CaptureFile        CaptureFileConfig `yaml:"captureFile,omitempty"`
	Log                LogConfig         `yaml:"log"`
	API                ListenConfig      `yaml:"api,omitempty"`
	Metrics            ListenConfig      `yaml:"metrics,omitempty"`
}

// Default returns the settings the tool starts with when no file is given.
func Default() *Config {
	return &Config{
		Input: InputConfig{
			Address: "225.1.1.1",
			Port:    11400,
		},
		Output: OutputConfig{
			Address: "127.0.0.1",
			Port:    20000,
		},
		Generate: GenerateConfig{
			PayloadLength: 1024,
			Rate:          100,
		},
		Log: LogConfig{
			Foreground: true,
		},
	}
}

// Load reads path over the defaults. Unknown keys are rejected so a typo
// does not silently fall back to a default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file: %w", err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the engine settings and the listen addresses.
func (c *Config) Validate() error {
	if err := c.Engine().Validate(); err != nil {
		return err
	}
	for name, addr := range map[string]string{"api.listen": c.API.Listen, "metrics.listen": c.Metrics.Listen} {
		if addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, addr, err)
		}
	}
	return nil
}

// Engine converts the file settings into an engine configuration.
func (c *Config) Engine() relay.Config {
	return relay.Config{
		InputAddress:       c.Input.Address,
		InputPort:          c.Input.Port,
		Interfaces:         append([]string(nil), c.Input.Interfaces...),
		OutputAddress:      c.Output.Address,
		OutputPort:         c.Output.Port,
		AddSequenceCounter: c.AddSequenceCounter,
		CaptureOnly:        c.CaptureOnly,
		TotalPackets:       c.TotalPackets,
		PayloadLength:      c.Generate.PayloadLength,
		Rate:               c.Generate.Rate,
	}
}

// Dumps renders the configuration as YAML.
func (c *Config) Dumps() (string, error) {
	d, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("cannot encode config: %w", err)
	}
	return string(d), nil
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mojo333/udp-repeater/internal/relay"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "udp-repeater.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default does not validate: %v", err)
	}
	e := cfg.Engine()
	if e.InputAddress != "225.1.1.1" || e.InputPort != 11400 {
		t.Errorf("input = %s:%d, want 225.1.1.1:11400", e.InputAddress, e.InputPort)
	}
	if e.OutputAddress != "127.0.0.1" || e.OutputPort != 20000 {
		t.Errorf("output = %s:%d, want 127.0.0.1:20000", e.OutputAddress, e.OutputPort)
	}
	if e.PayloadLength != 1024 || e.Rate != 100 {
		t.Errorf("generate = %d bytes at %d/s, want 1024 at 100", e.PayloadLength, e.Rate)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
input:
  address: 239.2.2.2
  interfaces: [eth0, 10.0.0.1]
output:
  port: 30000
addSequenceCounter: true
totalPackets: 500
generate:
  rate: 2000
log:
  verbose: true
  monitor: /tmp/monitor.log
metrics:
  listen: ":9090"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := relay.Config{
		InputAddress:       "239.2.2.2",
		InputPort:          11400,
		Interfaces:         []string{"eth0", "10.0.0.1"},
		OutputAddress:      "127.0.0.1",
		OutputPort:         30000,
		AddSequenceCounter: true,
		TotalPackets:       500,
		PayloadLength:      1024,
		Rate:               2000,
	}
	got := cfg.Engine()
	if got.InputAddress != want.InputAddress || got.InputPort != want.InputPort ||
		got.OutputAddress != want.OutputAddress || got.OutputPort != want.OutputPort ||
		got.AddSequenceCounter != want.AddSequenceCounter || got.TotalPackets != want.TotalPackets ||
		got.PayloadLength != want.PayloadLength || got.Rate != want.Rate ||
		strings.Join(got.Interfaces, ",") != strings.Join(want.Interfaces, ",") {
		t.Errorf("Engine() = %+v, want %+v", got, want)
	}
	if !cfg.Log.Verbose || !cfg.Log.Foreground || cfg.Log.Monitor != "/tmp/monitor.log" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.Metrics.Listen != ":9090" {
		t.Errorf("metrics.listen = %q", cfg.Metrics.Listen)
	}
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load empty file: %v", err)
	}
	if cfg.Input.Port != 11400 {
		t.Errorf("empty file lost defaults: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"unknown key", "inptu:\n  port: 1\n", "field inptu not found"},
		{"bad yaml", "input: [\n", "cannot parse"},
		{"wrong type", "totalPackets: lots\n", "cannot parse"},
		{"bad port", "output:\n  port: 70000\n", "output port"},
		{"bad listen", "api:\n  listen: localhost\n", "api.listen"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfigErrorIsTyped(t *testing.T) {
	_, err := Load(writeConfig(t, "totalPackets: -1\n"))
	var cfgErr *relay.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Load = %v, want a wrapped *relay.ConfigError", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load missing file = %v, want os.ErrNotExist", err)
	}
}

func TestDumpsReloads(t *testing.T) {
	cfg := Default()
	cfg.AddSequenceCounter = true
	cfg.CaptureFile = CaptureFileConfig{Path: "/var/tmp/cap.bin", Overwrite: true}

	out, err := cfg.Dumps()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "addSequenceCounter: true") {
		t.Errorf("Dumps output missing field:\n%s", out)
	}

	reloaded, err := Load(writeConfig(t, out))
	if err != nil {
		t.Fatalf("reloading dumped config: %v", err)
	}
	if reloaded.CaptureFile != cfg.CaptureFile || !reloaded.AddSequenceCounter {
		t.Errorf("reloaded = %+v, want %+v", reloaded, cfg)
	}
}

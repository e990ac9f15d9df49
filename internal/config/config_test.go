package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sheerbytes/speedflux/pkg/protocol"
	"github.com/spf13/pflag"
)

func newFlagSet() *pflag.FlagSet {
	return pflag.NewFlagSet("test", pflag.ContinueOnError)
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "speedflux.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseClientConfig_Defaults(t *testing.T) {
	cfg, err := ParseClientConfig(newFlagSet(), nil)
	if err != nil {
		t.Fatalf("ParseClientConfig: %v", err)
	}
	if cfg.Protocol != ProtocolHTTP {
		t.Errorf("expected protocol http, got %s", cfg.Protocol)
	}
	if cfg.Interval != 200*time.Millisecond || cfg.MaxRuntime != 20*time.Second {
		t.Errorf("unexpected timing defaults: interval=%s max=%s", cfg.Interval, cfg.MaxRuntime)
	}
	if len(cfg.Endpoints) != 1 {
		t.Fatalf("expected one endpoint, got %d", len(cfg.Endpoints))
	}
	ep := cfg.Endpoints[0]
	if ep.URL != "http://localhost:8080" || ep.QUIC != "localhost:8443" || ep.Probe != "localhost:3478" {
		t.Errorf("unexpected endpoint %+v", ep)
	}
	if cfg.Workers(false) != DefaultDownloadWorkers || cfg.Workers(true) != DefaultUploadWorkers {
		t.Errorf("unexpected worker defaults")
	}
	if cfg.TargetBytes(false) != DefaultDownloadSize || cfg.TargetBytes(true) != DefaultUploadSize {
		t.Errorf("unexpected size defaults")
	}
}

func TestParseClientConfig_EnvThenFlags(t *testing.T) {
	t.Setenv("SPEEDFLUX_SERVER", "http://env.example:9000")
	t.Setenv("SPEEDFLUX_PARALLEL", "4")
	t.Setenv("SPEEDFLUX_PROTOCOL", "ws")

	cfg, err := ParseClientConfig(newFlagSet(), []string{"--parallel", "8", "--size=1234"})
	if err != nil {
		t.Fatalf("ParseClientConfig: %v", err)
	}
	if cfg.Server != "http://env.example:9000" {
		t.Errorf("expected env server, got %s", cfg.Server)
	}
	if cfg.Protocol != ProtocolWS {
		t.Errorf("expected env protocol ws, got %s", cfg.Protocol)
	}
	if cfg.Parallelism != 8 || cfg.Workers(true) != 8 {
		t.Errorf("flag should override env parallel, got %d", cfg.Parallelism)
	}
	if cfg.TargetBytes(false) != 1234 {
		t.Errorf("expected size 1234, got %d", cfg.TargetBytes(false))
	}
}

func TestParseClientConfig_BadEnv(t *testing.T) {
	t.Setenv("SPEEDFLUX_PARALLEL", "many")
	if _, err := ParseClientConfig(newFlagSet(), nil); err == nil {
		t.Fatal("expected error for non-numeric SPEEDFLUX_PARALLEL")
	}
}

func TestParseClientConfig_File(t *testing.T) {
	path := writeFile(t, `
protocol: quic
parallel: 6
max_runtime: 12s
ema: true
endpoints:
  - name: fra
    url: http://fra.example:8080
  - name: ams
    url: https://ams.example
    quic: ams.example:9443
    probe: ams.example:4000
`)
	cfg, err := ParseClientConfig(newFlagSet(), []string{"--config", path, "--parallel", "2"})
	if err != nil {
		t.Fatalf("ParseClientConfig: %v", err)
	}
	if cfg.Protocol != ProtocolQUIC {
		t.Errorf("expected file protocol quic, got %s", cfg.Protocol)
	}
	if cfg.Parallelism != 2 {
		t.Errorf("flag should win over file, got parallel %d", cfg.Parallelism)
	}
	if cfg.MaxRuntime != 12*time.Second || !cfg.EMA {
		t.Errorf("file values not applied: max=%s ema=%v", cfg.MaxRuntime, cfg.EMA)
	}
	if len(cfg.Endpoints) != 2 {
		t.Fatalf("expected two endpoints, got %d", len(cfg.Endpoints))
	}
	if cfg.Endpoints[0].QUIC != "fra.example:8443" || cfg.Endpoints[0].Probe != "fra.example:3478" {
		t.Errorf("derived addresses wrong: %+v", cfg.Endpoints[0])
	}
	if cfg.Endpoints[1].QUIC != "ams.example:9443" || cfg.Endpoints[1].Probe != "ams.example:4000" {
		t.Errorf("explicit addresses lost: %+v", cfg.Endpoints[1])
	}
}

func TestParseClientConfig_ServerFlagReplacesFileEndpoints(t *testing.T) {
	path := writeFile(t, "endpoints:\n  - url: http://file.example\n")
	cfg, err := ParseClientConfig(newFlagSet(), []string{"-c", path, "-s", "cli.example:7000"})
	if err != nil {
		t.Fatalf("ParseClientConfig: %v", err)
	}
	if len(cfg.Endpoints) != 1 || cfg.Endpoints[0].Name != "cli.example:7000" {
		t.Errorf("expected endpoint from --server, got %+v", cfg.Endpoints)
	}
}

func TestParseClientConfig_Invalid(t *testing.T) {
	cases := [][]string{
		{"--protocol", "carrier-pigeon"},
		{"--parallel", "-1"},
		{"--min-runtime", "30s", "--max-runtime", "10s"},
		{"--max-variance", "1.5"},
		{"--server", "http://"},
		{"--config", "/nonexistent/speedflux.yaml"},
	}
	for _, args := range cases {
		if _, err := ParseClientConfig(newFlagSet(), args); err == nil {
			t.Errorf("expected error for %v", args)
		}
	}
}

func TestParseServerConfig_Defaults(t *testing.T) {
	cfg, err := ParseServerConfig(newFlagSet(), nil)
	if err != nil {
		t.Fatalf("ParseServerConfig: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Errorf("expected Addr to be :8080, got %s", cfg.Addr)
	}
	if cfg.QUICAddr != ":8443" || cfg.ProbeAddr != ":3478" {
		t.Errorf("unexpected UDP addresses %s %s", cfg.QUICAddr, cfg.ProbeAddr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected LogLevel to be info, got %s", cfg.LogLevel)
	}
	if cfg.RatePerSec != 0 {
		t.Errorf("rate limiting should be off by default")
	}
}

func TestParseServerConfig_Layers(t *testing.T) {
	t.Setenv("SPEEDFLUX_ADDR", ":9090")
	t.Setenv("SPEEDFLUX_RATE", "5")
	path := writeFile(t, "rate: 20\nrate_burst: 0\nquic_addr: \"\"\nmax_size: 4096\n")

	cfg, err := ParseServerConfig(newFlagSet(), []string{"--config", path, "--max-size", "100"})
	if err != nil {
		t.Fatalf("ParseServerConfig: %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Errorf("expected env addr, got %s", cfg.Addr)
	}
	if cfg.RatePerSec != 20 {
		t.Errorf("file should override env rate, got %g", cfg.RatePerSec)
	}
	if cfg.RateBurst != 1 {
		t.Errorf("burst should be clamped to 1, got %d", cfg.RateBurst)
	}
	if cfg.QUICAddr != "" {
		t.Errorf("file should be able to disable QUIC, got %q", cfg.QUICAddr)
	}
	if cfg.MaxSize != 100 {
		t.Errorf("flag should override file max-size, got %d", cfg.MaxSize)
	}
}

func publishedConfig() protocol.RunConfig {
	return protocol.RunConfig{
		LocationName:         "London",
		DownloadSize:         4_000_000,
		UploadSize:           3_000_000,
		NumDownloads:         8,
		NumUploads:           6,
		IntervalMillis:       100,
		MinTransferIntervals: 5,
		MaxTransferIntervals: 12,
		MinTransferMillis:    2000,
		MaxTransferMillis:    9000,
		MaxTransferVariance:  0.1,
		AverageType:          protocol.AverageExponential,
	}
}

func TestApplyRunConfig_FillsUnpinnedSettings(t *testing.T) {
	cfg, err := ParseClientConfig(newFlagSet(), nil)
	if err != nil {
		t.Fatalf("ParseClientConfig: %v", err)
	}
	if err := cfg.ApplyRunConfig(publishedConfig()); err != nil {
		t.Fatalf("ApplyRunConfig: %v", err)
	}
	if cfg.Workers(false) != 8 || cfg.Workers(true) != 6 {
		t.Errorf("workers = %d/%d, want 8/6", cfg.Workers(false), cfg.Workers(true))
	}
	if cfg.TargetBytes(false) != 4_000_000 || cfg.TargetBytes(true) != 3_000_000 {
		t.Errorf("sizes = %d/%d", cfg.TargetBytes(false), cfg.TargetBytes(true))
	}
	if cfg.Interval != 100*time.Millisecond || cfg.MinRuntime != 2*time.Second || cfg.MaxRuntime != 9*time.Second {
		t.Errorf("timing not adopted: %s %s %s", cfg.Interval, cfg.MinRuntime, cfg.MaxRuntime)
	}
	if cfg.MinIntervals != 5 || cfg.MaxIntervals != 12 || cfg.MaxVariance != 0.1 || !cfg.EMA {
		t.Errorf("window settings not adopted: %+v", cfg)
	}
	if cfg.Location != "London" {
		t.Errorf("location = %q", cfg.Location)
	}
}

func TestApplyRunConfig_PinnedSettingsWin(t *testing.T) {
	t.Setenv("SPEEDFLUX_MIN_RUNTIME", "1s")
	path := writeFile(t, "max_variance: 0.5\ndownloads: 3\n")
	cfg, err := ParseClientConfig(newFlagSet(), []string{"-c", path, "--size", "777", "--max-runtime", "4s"})
	if err != nil {
		t.Fatalf("ParseClientConfig: %v", err)
	}
	if err := cfg.ApplyRunConfig(publishedConfig()); err != nil {
		t.Fatalf("ApplyRunConfig: %v", err)
	}
	if cfg.TargetBytes(false) != 777 || cfg.TargetBytes(true) != 777 {
		t.Errorf("flag size lost: %d/%d", cfg.TargetBytes(false), cfg.TargetBytes(true))
	}
	if cfg.MaxRuntime != 4*time.Second {
		t.Errorf("flag max-runtime lost: %s", cfg.MaxRuntime)
	}
	if cfg.MinRuntime != time.Second {
		t.Errorf("env min-runtime lost: %s", cfg.MinRuntime)
	}
	if cfg.MaxVariance != 0.5 {
		t.Errorf("file max-variance lost: %g", cfg.MaxVariance)
	}
	if cfg.Workers(false) != 3 || cfg.Workers(true) != 6 {
		t.Errorf("workers = %d/%d, want file 3 and server 6", cfg.Workers(false), cfg.Workers(true))
	}
	if cfg.Interval != 100*time.Millisecond {
		t.Errorf("unpinned interval should come from the server, got %s", cfg.Interval)
	}
}

func TestApplyRunConfig_RejectsConflicts(t *testing.T) {
	cfg, err := ParseClientConfig(newFlagSet(), []string{"--min-runtime", "30s", "--max-runtime", "40s"})
	if err != nil {
		t.Fatalf("ParseClientConfig: %v", err)
	}
	rc := publishedConfig()
	rc.MaxTransferMillis = 0
	if err := cfg.ApplyRunConfig(rc); err != nil {
		t.Fatalf("zero server max-runtime should be ignored: %v", err)
	}

	bad := publishedConfig()
	bad.AverageType = "MEDIAN"
	if err := cfg.ApplyRunConfig(bad); err == nil {
		t.Fatal("expected error for unknown average type")
	}
}

func TestServerRunConfig(t *testing.T) {
	path := writeFile(t, "location_name: Frankfurt\nmax_runtime: 15s\nema: true\n")
	cfg, err := ParseServerConfig(newFlagSet(), []string{"--config", path, "--downloads", "12"})
	if err != nil {
		t.Fatalf("ParseServerConfig: %v", err)
	}
	rc := cfg.RunConfig()
	if rc.LocationName != "Frankfurt" || rc.MaxTransferMillis != 15000 {
		t.Errorf("file values not published: %+v", rc)
	}
	if rc.NumDownloads != 12 || rc.NumUploads != DefaultUploadWorkers {
		t.Errorf("workers = %d/%d", rc.NumDownloads, rc.NumUploads)
	}
	if rc.AverageType != protocol.AverageExponential || rc.IntervalMillis != 200 {
		t.Errorf("average/interval = %q/%d", rc.AverageType, rc.IntervalMillis)
	}

	if _, err := ParseServerConfig(newFlagSet(), []string{"--min-runtime", "30s", "--max-runtime", "10s"}); err == nil {
		t.Fatal("expected error when published max-runtime is below min-runtime")
	}
}

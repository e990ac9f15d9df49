package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sheerbytes/speedflux/pkg/protocol"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix = "SPEEDFLUX_"

	DefaultQUICPort  = "8443"
	DefaultProbePort = "3478"
)

// Protocols a client can run transfers over.
const (
	ProtocolHTTP = "http"
	ProtocolQUIC = "quic"
	ProtocolWS   = "ws"
)

// Endpoint is one speedflux server.
type Endpoint struct {
	Name string `yaml:"name"`
	// URL is the HTTP base, e.g. http://host:8080.
	URL string `yaml:"url"`
	// QUIC and Probe are host:port; empty values derive from URL's host.
	QUIC  string `yaml:"quic"`
	Probe string `yaml:"probe"`
}

// WithDefaults fills QUIC and Probe from the URL host.
func (e Endpoint) WithDefaults() (Endpoint, error) {
	raw := e.URL
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return e, fmt.Errorf("endpoint %q: invalid url %q", e.Name, e.URL)
	}
	if e.Name == "" {
		e.Name = u.Host
	}
	if e.QUIC == "" {
		e.QUIC = net.JoinHostPort(u.Hostname(), DefaultQUICPort)
	}
	if e.Probe == "" {
		e.Probe = net.JoinHostPort(u.Hostname(), DefaultProbePort)
	}
	return e, nil
}

// ClientConfig holds configuration for the flux client.
type ClientConfig struct {
	ConfigFile string
	Server     string
	Endpoints  []Endpoint
	Protocol   string
	LogLevel   string

	// Parallelism and Size of zero pick the per-direction values below,
	// and those fall back to the package defaults when zero.
	Parallelism     int
	Size            int64
	DownloadWorkers int
	UploadWorkers   int
	DownloadSize    int64
	UploadSize      int64

	Interval     time.Duration
	MinRuntime   time.Duration
	MaxRuntime   time.Duration
	MinIntervals int
	MaxIntervals int
	MaxVariance  float64
	EMA          bool

	Timeout      time.Duration
	PingAttempts int
	PingTimeout  time.Duration
	// Nearest probes every endpoint and runs against the closest one.
	Nearest bool
	// FetchConfig loads run tuning from the chosen server's /config.
	FetchConfig bool
	// Location is the server's advertised location, once fetched.
	Location string

	// settings given by flag, environment or file; server tuning skips them
	pinned map[string]bool
}

// Per-direction defaults.
const (
	DefaultDownloadSize    = 10_000_000
	DefaultUploadSize      = 20_000_000
	DefaultDownloadWorkers = 20
	DefaultUploadWorkers   = 15
)

// DefaultClientConfig returns the built-in client defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Server:       "http://localhost:8080",
		Protocol:     ProtocolHTTP,
		LogLevel:     "info",
		Interval:     200 * time.Millisecond,
		MinRuntime:   5 * time.Second,
		MaxRuntime:   20 * time.Second,
		MinIntervals: 10,
		MaxIntervals: 25,
		MaxVariance:  0.08,
		Timeout:      30 * time.Second,
		PingAttempts: 10,
		PingTimeout:  300 * time.Millisecond,
		FetchConfig:  true,
	}
}

// Workers returns the worker count for a direction.
func (c ClientConfig) Workers(upload bool) int {
	if c.Parallelism > 0 {
		return c.Parallelism
	}
	if upload {
		return firstPositive(c.UploadWorkers, DefaultUploadWorkers)
	}
	return firstPositive(c.DownloadWorkers, DefaultDownloadWorkers)
}

// TargetBytes returns the per-attempt size for a direction.
func (c ClientConfig) TargetBytes(upload bool) int64 {
	if c.Size > 0 {
		return c.Size
	}
	if upload {
		return firstPositive(c.UploadSize, DefaultUploadSize)
	}
	return firstPositive(c.DownloadSize, DefaultDownloadSize)
}

func firstPositive[T int | int64](v, fallback T) T {
	if v > 0 {
		return v
	}
	return fallback
}

// Pinned reports whether a setting was given by flag, environment or
// config file. Names are flag names, plus download-size, upload-size,
// downloads and uploads for the file-only per-direction settings.
func (c ClientConfig) Pinned(name string) bool {
	return c.pinned[name]
}

// ApplyRunConfig adopts server-advertised tuning for every setting that
// is not pinned, then revalidates.
func (c *ClientConfig) ApplyRunConfig(rc protocol.RunConfig) error {
	if err := rc.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if !c.Pinned("size") {
		adopt(c, "download-size", rc.DownloadSize, &c.DownloadSize)
		adopt(c, "upload-size", rc.UploadSize, &c.UploadSize)
	}
	if !c.Pinned("parallel") {
		adopt(c, "downloads", rc.NumDownloads, &c.DownloadWorkers)
		adopt(c, "uploads", rc.NumUploads, &c.UploadWorkers)
	}
	adopt(c, "interval", protocol.Duration(rc.IntervalMillis), &c.Interval)
	adopt(c, "min-intervals", rc.MinTransferIntervals, &c.MinIntervals)
	adopt(c, "max-intervals", rc.MaxTransferIntervals, &c.MaxIntervals)
	adopt(c, "min-runtime", protocol.Duration(rc.MinTransferMillis), &c.MinRuntime)
	adopt(c, "max-runtime", protocol.Duration(rc.MaxTransferMillis), &c.MaxRuntime)
	adopt(c, "max-variance", rc.MaxTransferVariance, &c.MaxVariance)
	if !c.Pinned("ema") {
		switch strings.ToUpper(rc.AverageType) {
		case protocol.AverageExponential:
			c.EMA = true
		case protocol.AverageSimple:
			c.EMA = false
		}
	}
	c.Location = rc.LocationName
	if c.Location == "" {
		c.Location = rc.LocationID
	}
	return c.Validate()
}

// adopt copies a non-zero server value unless the setting is pinned.
func adopt[T comparable](c *ClientConfig, name string, v T, dst *T) {
	var zero T
	if v == zero || c.Pinned(name) {
		return
	}
	*dst = v
}

// BindClientFlags registers client flags on fs. Flag defaults reflect cfg,
// so apply the environment to cfg first.
func BindClientFlags(fs *pflag.FlagSet, cfg *ClientConfig) {
	fs.StringVarP(&cfg.ConfigFile, "config", "c", cfg.ConfigFile, "YAML config file")
	fs.StringVarP(&cfg.Server, "server", "s", cfg.Server, "server base URL")
	fs.StringVarP(&cfg.Protocol, "protocol", "p", cfg.Protocol, "transfer protocol (http, quic, ws)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.IntVarP(&cfg.Parallelism, "parallel", "n", cfg.Parallelism, "concurrent workers (0 = direction default)")
	fs.Int64Var(&cfg.Size, "size", cfg.Size, "bytes per request (0 = direction default)")
	fs.DurationVar(&cfg.Interval, "interval", cfg.Interval, "sampling interval")
	fs.DurationVar(&cfg.MinRuntime, "min-runtime", cfg.MinRuntime, "minimum run time before convergence can stop a run")
	fs.DurationVar(&cfg.MaxRuntime, "max-runtime", cfg.MaxRuntime, "hard run time limit")
	fs.IntVar(&cfg.MinIntervals, "min-intervals", cfg.MinIntervals, "intervals in the short speed window")
	fs.IntVar(&cfg.MaxIntervals, "max-intervals", cfg.MaxIntervals, "intervals in the long speed window")
	fs.Float64Var(&cfg.MaxVariance, "max-variance", cfg.MaxVariance, "short/long speed variance that counts as converged")
	fs.BoolVar(&cfg.EMA, "ema", cfg.EMA, "use exponential moving averages")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "HTTP request timeout")
	fs.IntVar(&cfg.PingAttempts, "ping-attempts", cfg.PingAttempts, "STUN probes per endpoint")
	fs.DurationVar(&cfg.PingTimeout, "ping-timeout", cfg.PingTimeout, "wait for each STUN reply")
	fs.BoolVar(&cfg.Nearest, "nearest", cfg.Nearest, "probe endpoints and use the nearest one")
	fs.BoolVar(&cfg.FetchConfig, "fetch-config", cfg.FetchConfig, "use run tuning published by the server")
}

// ParseClientConfig resolves defaults, environment, config file and args.
func ParseClientConfig(fs *pflag.FlagSet, args []string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := ApplyClientEnv(&cfg); err != nil {
		return cfg, err
	}
	BindClientFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if err := ResolveClient(fs, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyClientEnv overlays SPEEDFLUX_* variables on cfg.
func ApplyClientEnv(cfg *ClientConfig) error {
	envString("CONFIG", &cfg.ConfigFile)
	envString("SERVER", &cfg.Server)
	envString("PROTOCOL", &cfg.Protocol)
	envString("LOG_LEVEL", &cfg.LogLevel)
	return errors.Join(
		envInt("PARALLEL", &cfg.Parallelism),
		envInt64("SIZE", &cfg.Size),
		envDuration("MAX_RUNTIME", &cfg.MaxRuntime),
		envDuration("MIN_RUNTIME", &cfg.MinRuntime),
		envDuration("TIMEOUT", &cfg.Timeout),
	)
}

type clientFile struct {
	Server       *string        `yaml:"server"`
	Protocol     *string        `yaml:"protocol"`
	LogLevel     *string        `yaml:"log_level"`
	Parallelism  *int           `yaml:"parallel"`
	Size         *int64         `yaml:"size"`
	Interval     *time.Duration `yaml:"interval"`
	MinRuntime   *time.Duration `yaml:"min_runtime"`
	MaxRuntime   *time.Duration `yaml:"max_runtime"`
	MinIntervals *int           `yaml:"min_intervals"`
	MaxIntervals *int           `yaml:"max_intervals"`
	MaxVariance  *float64       `yaml:"max_variance"`
	EMA          *bool          `yaml:"ema"`
	Timeout      *time.Duration `yaml:"timeout"`
	PingAttempts *int           `yaml:"ping_attempts"`
	PingTimeout  *time.Duration `yaml:"ping_timeout"`
	Nearest      *bool          `yaml:"nearest"`
	FetchConfig  *bool          `yaml:"fetch_config"`
	DownloadSize *int64         `yaml:"download_size"`
	UploadSize   *int64         `yaml:"upload_size"`
	Downloads    *int           `yaml:"downloads"`
	Uploads      *int           `yaml:"uploads"`
	Endpoints    []Endpoint     `yaml:"endpoints"`
}

// ResolveClient loads cfg.ConfigFile, lets explicitly set flags win over
// it, derives endpoints and validates the result.
func ResolveClient(fs *pflag.FlagSet, cfg *ClientConfig) error {
	cfg.pinned = make(map[string]bool)
	if fs != nil {
		fs.VisitAll(func(f *pflag.Flag) {
			envName := strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
			if f.Changed || os.Getenv(envPrefix+envName) != "" {
				cfg.pinned[f.Name] = true
			}
		})
	}
	if cfg.ConfigFile != "" {
		var f clientFile
		if err := loadYAML(cfg.ConfigFile, &f); err != nil {
			return err
		}
		o := overlay{fs: fs, pinned: cfg.pinned}
		overlayValue(o, "server", f.Server, &cfg.Server)
		overlayValue(o, "protocol", f.Protocol, &cfg.Protocol)
		overlayValue(o, "log-level", f.LogLevel, &cfg.LogLevel)
		overlayValue(o, "parallel", f.Parallelism, &cfg.Parallelism)
		overlayValue(o, "size", f.Size, &cfg.Size)
		overlayValue(o, "interval", f.Interval, &cfg.Interval)
		overlayValue(o, "min-runtime", f.MinRuntime, &cfg.MinRuntime)
		overlayValue(o, "max-runtime", f.MaxRuntime, &cfg.MaxRuntime)
		overlayValue(o, "min-intervals", f.MinIntervals, &cfg.MinIntervals)
		overlayValue(o, "max-intervals", f.MaxIntervals, &cfg.MaxIntervals)
		overlayValue(o, "max-variance", f.MaxVariance, &cfg.MaxVariance)
		overlayValue(o, "ema", f.EMA, &cfg.EMA)
		overlayValue(o, "timeout", f.Timeout, &cfg.Timeout)
		overlayValue(o, "ping-attempts", f.PingAttempts, &cfg.PingAttempts)
		overlayValue(o, "ping-timeout", f.PingTimeout, &cfg.PingTimeout)
		overlayValue(o, "nearest", f.Nearest, &cfg.Nearest)
		overlayValue(o, "fetch-config", f.FetchConfig, &cfg.FetchConfig)
		overlayValue(o, "download-size", f.DownloadSize, &cfg.DownloadSize)
		overlayValue(o, "upload-size", f.UploadSize, &cfg.UploadSize)
		overlayValue(o, "downloads", f.Downloads, &cfg.DownloadWorkers)
		overlayValue(o, "uploads", f.Uploads, &cfg.UploadWorkers)
		// An explicit --server replaces the file's endpoint list.
		if len(f.Endpoints) > 0 && !o.changed("server") {
			cfg.Endpoints = f.Endpoints
		}
	}
	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = []Endpoint{{URL: cfg.Server}}
	}
	for i, e := range cfg.Endpoints {
		resolved, err := e.WithDefaults()
		if err != nil {
			return err
		}
		cfg.Endpoints[i] = resolved
	}
	return cfg.Validate()
}

// Validate checks ranges that would make a run meaningless.
func (c ClientConfig) Validate() error {
	switch c.Protocol {
	case ProtocolHTTP, ProtocolQUIC, ProtocolWS:
	default:
		return fmt.Errorf("unknown protocol %q (want http, quic or ws)", c.Protocol)
	}
	if c.Parallelism < 0 {
		return fmt.Errorf("parallel must not be negative, got %d", c.Parallelism)
	}
	if c.Size < 0 {
		return fmt.Errorf("size must not be negative, got %d", c.Size)
	}
	if c.DownloadSize < 0 || c.UploadSize < 0 || c.DownloadWorkers < 0 || c.UploadWorkers < 0 {
		return errors.New("per-direction sizes and worker counts must not be negative")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", c.Interval)
	}
	if c.MaxRuntime < c.MinRuntime {
		return fmt.Errorf("max-runtime %s is shorter than min-runtime %s", c.MaxRuntime, c.MinRuntime)
	}
	if c.MaxVariance < 0 || c.MaxVariance > 1 {
		return fmt.Errorf("max-variance must be within [0, 1], got %g", c.MaxVariance)
	}
	return nil
}

// ServerConfig holds configuration for the fluxserv binary.
type ServerConfig struct {
	ConfigFile string
	Addr       string
	// QUICAddr and ProbeAddr are disabled when empty.
	QUICAddr    string
	ProbeAddr   string
	LogLevel    string
	MaxSize     int64
	RatePerSec  float64
	RateBurst   int
	IdleTimeout time.Duration
	UDPBuffer   int

	// Run tuning published at GET /config.
	LocationID      string
	LocationName    string
	DownloadSize    int64
	UploadSize      int64
	DownloadWorkers int
	UploadWorkers   int
	Interval        time.Duration
	MinRuntime      time.Duration
	MaxRuntime      time.Duration
	MinIntervals    int
	MaxIntervals    int
	MaxVariance     float64
	EMA             bool
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:        ":8080",
		QUICAddr:    ":" + DefaultQUICPort,
		ProbeAddr:   ":" + DefaultProbePort,
		LogLevel:    "info",
		MaxSize:     1 << 30,
		RateBurst:   50,
		IdleTimeout: time.Minute,
		UDPBuffer:   8 << 20,

		DownloadSize:    DefaultDownloadSize,
		UploadSize:      DefaultUploadSize,
		DownloadWorkers: DefaultDownloadWorkers,
		UploadWorkers:   DefaultUploadWorkers,
		Interval:        200 * time.Millisecond,
		MinRuntime:      5 * time.Second,
		MaxRuntime:      20 * time.Second,
		MinIntervals:    10,
		MaxIntervals:    25,
		MaxVariance:     0.08,
	}
}

// RunConfig is the tuning the server publishes to clients.
func (c ServerConfig) RunConfig() protocol.RunConfig {
	average := protocol.AverageSimple
	if c.EMA {
		average = protocol.AverageExponential
	}
	return protocol.RunConfig{
		LocationID:           c.LocationID,
		LocationName:         c.LocationName,
		DownloadSize:         c.DownloadSize,
		UploadSize:           c.UploadSize,
		NumDownloads:         c.DownloadWorkers,
		NumUploads:           c.UploadWorkers,
		IntervalMillis:       protocol.Millis(c.Interval),
		MinTransferIntervals: c.MinIntervals,
		MaxTransferIntervals: c.MaxIntervals,
		MinTransferMillis:    protocol.Millis(c.MinRuntime),
		MaxTransferMillis:    protocol.Millis(c.MaxRuntime),
		MaxTransferVariance:  c.MaxVariance,
		AverageType:          average,
	}
}

// BindServerFlags registers server flags on fs.
func BindServerFlags(fs *pflag.FlagSet, cfg *ServerConfig) {
	fs.StringVarP(&cfg.ConfigFile, "config", "c", cfg.ConfigFile, "YAML config file")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	fs.StringVar(&cfg.QUICAddr, "quic-addr", cfg.QUICAddr, "QUIC listen address (empty disables)")
	fs.StringVar(&cfg.ProbeAddr, "probe-addr", cfg.ProbeAddr, "STUN probe listen address (empty disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.Int64Var(&cfg.MaxSize, "max-size", cfg.MaxSize, "largest transfer a single request may ask for (0 = unlimited)")
	fs.Float64Var(&cfg.RatePerSec, "rate", cfg.RatePerSec, "transfer requests per second per client IP (0 = unlimited)")
	fs.IntVar(&cfg.RateBurst, "rate-burst", cfg.RateBurst, "burst allowance for --rate")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "close idle websocket connections after this long")
	fs.IntVar(&cfg.UDPBuffer, "udp-buffer", cfg.UDPBuffer, "QUIC socket buffer size in bytes")

	fs.StringVar(&cfg.LocationID, "location-id", cfg.LocationID, "location id published at /config")
	fs.StringVar(&cfg.LocationName, "location-name", cfg.LocationName, "location name published at /config")
	fs.Int64Var(&cfg.DownloadSize, "download-size", cfg.DownloadSize, "advertised bytes per download request")
	fs.Int64Var(&cfg.UploadSize, "upload-size", cfg.UploadSize, "advertised bytes per upload request")
	fs.IntVar(&cfg.DownloadWorkers, "downloads", cfg.DownloadWorkers, "advertised concurrent downloads")
	fs.IntVar(&cfg.UploadWorkers, "uploads", cfg.UploadWorkers, "advertised concurrent uploads")
	fs.DurationVar(&cfg.Interval, "interval", cfg.Interval, "advertised sampling interval")
	fs.DurationVar(&cfg.MinRuntime, "min-runtime", cfg.MinRuntime, "advertised minimum run time")
	fs.DurationVar(&cfg.MaxRuntime, "max-runtime", cfg.MaxRuntime, "advertised maximum run time")
	fs.IntVar(&cfg.MinIntervals, "min-intervals", cfg.MinIntervals, "advertised short window size")
	fs.IntVar(&cfg.MaxIntervals, "max-intervals", cfg.MaxIntervals, "advertised long window size")
	fs.Float64Var(&cfg.MaxVariance, "max-variance", cfg.MaxVariance, "advertised convergence variance")
	fs.BoolVar(&cfg.EMA, "ema", cfg.EMA, "advertise exponential moving averages")
}

// ParseServerConfig resolves defaults, environment, config file and args.
func ParseServerConfig(fs *pflag.FlagSet, args []string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := ApplyServerEnv(&cfg); err != nil {
		return cfg, err
	}
	BindServerFlags(fs, &cfg)
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if err := ResolveServer(fs, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyServerEnv overlays SPEEDFLUX_* variables on cfg.
func ApplyServerEnv(cfg *ServerConfig) error {
	envString("CONFIG", &cfg.ConfigFile)
	envString("ADDR", &cfg.Addr)
	envString("QUIC_ADDR", &cfg.QUICAddr)
	envString("PROBE_ADDR", &cfg.ProbeAddr)
	envString("LOG_LEVEL", &cfg.LogLevel)
	envString("LOCATION_ID", &cfg.LocationID)
	envString("LOCATION_NAME", &cfg.LocationName)
	return errors.Join(
		envInt64("MAX_SIZE", &cfg.MaxSize),
		envFloat("RATE", &cfg.RatePerSec),
		envInt("RATE_BURST", &cfg.RateBurst),
	)
}

type serverFile struct {
	Addr        *string        `yaml:"addr"`
	QUICAddr    *string        `yaml:"quic_addr"`
	ProbeAddr   *string        `yaml:"probe_addr"`
	LogLevel    *string        `yaml:"log_level"`
	MaxSize     *int64         `yaml:"max_size"`
	RatePerSec  *float64       `yaml:"rate"`
	RateBurst   *int           `yaml:"rate_burst"`
	IdleTimeout *time.Duration `yaml:"idle_timeout"`
	UDPBuffer   *int           `yaml:"udp_buffer"`

	LocationID      *string        `yaml:"location_id"`
	LocationName    *string        `yaml:"location_name"`
	DownloadSize    *int64         `yaml:"download_size"`
	UploadSize      *int64         `yaml:"upload_size"`
	DownloadWorkers *int           `yaml:"downloads"`
	UploadWorkers   *int           `yaml:"uploads"`
	Interval        *time.Duration `yaml:"interval"`
	MinRuntime      *time.Duration `yaml:"min_runtime"`
	MaxRuntime      *time.Duration `yaml:"max_runtime"`
	MinIntervals    *int           `yaml:"min_intervals"`
	MaxIntervals    *int           `yaml:"max_intervals"`
	MaxVariance     *float64       `yaml:"max_variance"`
	EMA             *bool          `yaml:"ema"`
}

// ResolveServer loads cfg.ConfigFile under explicitly set flags and
// validates the result.
func ResolveServer(fs *pflag.FlagSet, cfg *ServerConfig) error {
	if cfg.ConfigFile != "" {
		var f serverFile
		if err := loadYAML(cfg.ConfigFile, &f); err != nil {
			return err
		}
		o := overlay{fs: fs}
		overlayValue(o, "addr", f.Addr, &cfg.Addr)
		overlayValue(o, "quic-addr", f.QUICAddr, &cfg.QUICAddr)
		overlayValue(o, "probe-addr", f.ProbeAddr, &cfg.ProbeAddr)
		overlayValue(o, "log-level", f.LogLevel, &cfg.LogLevel)
		overlayValue(o, "max-size", f.MaxSize, &cfg.MaxSize)
		overlayValue(o, "rate", f.RatePerSec, &cfg.RatePerSec)
		overlayValue(o, "rate-burst", f.RateBurst, &cfg.RateBurst)
		overlayValue(o, "idle-timeout", f.IdleTimeout, &cfg.IdleTimeout)
		overlayValue(o, "udp-buffer", f.UDPBuffer, &cfg.UDPBuffer)
		overlayValue(o, "location-id", f.LocationID, &cfg.LocationID)
		overlayValue(o, "location-name", f.LocationName, &cfg.LocationName)
		overlayValue(o, "download-size", f.DownloadSize, &cfg.DownloadSize)
		overlayValue(o, "upload-size", f.UploadSize, &cfg.UploadSize)
		overlayValue(o, "downloads", f.DownloadWorkers, &cfg.DownloadWorkers)
		overlayValue(o, "uploads", f.UploadWorkers, &cfg.UploadWorkers)
		overlayValue(o, "interval", f.Interval, &cfg.Interval)
		overlayValue(o, "min-runtime", f.MinRuntime, &cfg.MinRuntime)
		overlayValue(o, "max-runtime", f.MaxRuntime, &cfg.MaxRuntime)
		overlayValue(o, "min-intervals", f.MinIntervals, &cfg.MinIntervals)
		overlayValue(o, "max-intervals", f.MaxIntervals, &cfg.MaxIntervals)
		overlayValue(o, "max-variance", f.MaxVariance, &cfg.MaxVariance)
		overlayValue(o, "ema", f.EMA, &cfg.EMA)
	}
	if cfg.Addr == "" {
		return errors.New("addr must not be empty")
	}
	if cfg.MaxSize < 0 {
		return fmt.Errorf("max-size must not be negative, got %d", cfg.MaxSize)
	}
	if cfg.RatePerSec < 0 {
		return fmt.Errorf("rate must not be negative, got %g", cfg.RatePerSec)
	}
	if cfg.RateBurst < 1 {
		cfg.RateBurst = 1
	}
	if err := cfg.RunConfig().Validate(); err != nil {
		return fmt.Errorf("published run config: %w", err)
	}
	return nil
}

type overlay struct {
	fs *pflag.FlagSet
	// pinned, when set, records every setting the file supplies.
	pinned map[string]bool
}

func (o overlay) changed(name string) bool {
	return o.fs != nil && o.fs.Changed(name)
}

// overlayValue copies a file value into dst unless the flag was set.
func overlayValue[T any](o overlay, flag string, v *T, dst *T) {
	if v == nil {
		return
	}
	if o.pinned != nil {
		o.pinned[flag] = true
	}
	if o.changed(flag) {
		return
	}
	*dst = *v
}

func loadYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func envString(name string, dst *string) {
	if v := os.Getenv(envPrefix + name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) error {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, name, err)
	}
	*dst = n
	return nil
}

func envInt64(name string, dst *int64) error {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, name, err)
	}
	*dst = n
	return nil
}

func envFloat(name string, dst *float64) error {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, name, err)
	}
	*dst = f
	return nil
}

func envDuration(name string, dst *time.Duration) error {
	v := os.Getenv(envPrefix + name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, name, err)
	}
	*dst = d
	return nil
}

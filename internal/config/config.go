// Package config loads the immutable node configuration from a YAML file,
// RANKFLUX_* environment variables and command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sheerbytes/rankflux/internal/scheduler"
	"github.com/sheerbytes/rankflux/internal/tasks"
	"github.com/sheerbytes/rankflux/internal/transfer"
	"github.com/sheerbytes/rankflux/internal/transport"
	"github.com/sheerbytes/rankflux/pkg/protocol"
)

const envPrefix = "RANKFLUX"

// Config is the root node configuration.
type Config struct {
	HostID string `mapstructure:"host_id"`
	// AdminHash is the bcrypt hash of the key accepted by BlockRequest and
	// Shutdown. Empty disables remote administration.
	AdminHash string          `mapstructure:"admin_hash"`
	Listen    []ListenConfig  `mapstructure:"listen"`
	Log       LogConfig       `mapstructure:"log"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Protocol  ProtocolConfig  `mapstructure:"protocol"`
	Transfer  TransferConfig  `mapstructure:"transfer"`
	Limits    LimitsConfig    `mapstructure:"limits"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Partners  []PartnerConfig `mapstructure:"partners"`
	Rules     []RuleConfig    `mapstructure:"rules"`
}

// ListenConfig is one inbound endpoint.
type ListenConfig struct {
	Transport string `mapstructure:"transport"`
	Addr      string `mapstructure:"addr"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// RegistryConfig selects the transfer registry. An empty Path keeps
// transfers in memory only.
type RegistryConfig struct {
	Path string `mapstructure:"path"`
}

// ProtocolConfig sets the default wire encoding.
type ProtocolConfig struct {
	Encoding     string `mapstructure:"encoding"`
	Separator    string `mapstructure:"separator"`
	BlockSize    int    `mapstructure:"block_size"`
	MinBlockSize int    `mapstructure:"min_block_size"`
}

// TransferConfig holds the per-transfer engine settings.
type TransferConfig struct {
	Window          int           `mapstructure:"window"`
	AckInterval     int           `mapstructure:"ack_interval"`
	BlockRetries    int           `mapstructure:"block_retries"`
	BlockRetryDelay time.Duration `mapstructure:"block_retry_delay"`
	Hash            string        `mapstructure:"hash"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
}

// LimitsConfig holds bandwidth limits in bytes per second; 0 is unlimited.
type LimitsConfig struct {
	GlobalWrite   int64         `mapstructure:"global_write"`
	GlobalRead    int64         `mapstructure:"global_read"`
	ChannelWrite  int64         `mapstructure:"channel_write"`
	ChannelRead   int64         `mapstructure:"channel_read"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// SchedulerConfig controls resubmission of interrupted transfers.
type SchedulerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	Workers         int           `mapstructure:"workers"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	Backoff         string        `mapstructure:"backoff"`
	SmallThreshold  int64         `mapstructure:"small_threshold"`
	MediumThreshold int64         `mapstructure:"medium_threshold"`
	AgingAfter      time.Duration `mapstructure:"aging_after"`
}

// PartnerConfig describes a remote host.
type PartnerConfig struct {
	HostID    string `mapstructure:"host_id"`
	Address   string `mapstructure:"address"`
	Transport string `mapstructure:"transport"`
	// Key is presented to the partner; KeyHash verifies the key the partner
	// presents to us.
	Key       string `mapstructure:"key"`
	KeyHash   string `mapstructure:"key_hash"`
	Encoding  string `mapstructure:"encoding"`
	Separator string `mapstructure:"separator"`
}

// RuleConfig is a named transfer contract. Mode is seen from the requester.
type RuleConfig struct {
	Name    string       `mapstructure:"name"`
	Mode    string       `mapstructure:"mode"`
	RecvDir string       `mapstructure:"recv_dir"`
	SendDir string       `mapstructure:"send_dir"`
	Tasks   tasks.Chains `mapstructure:"tasks"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		HostID: "rankflux",
		Listen: []ListenConfig{{Transport: string(transport.KindTCP), Addr: ":6666"}},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Protocol: ProtocolConfig{
			Encoding:     protocol.EncodingText.String(),
			Separator:    protocol.SeparatorBar,
			BlockSize:    protocol.DefaultBlockSize,
			MinBlockSize: protocol.MinBlockSize,
		},
		Transfer: TransferConfig{
			Window:          transfer.DefaultWindow,
			AckInterval:     transfer.DefaultAckInterval,
			BlockRetries:    transfer.DefaultMaxRetries,
			BlockRetryDelay: transfer.DefaultRetryDelay,
			Hash:            "crc32c",
			IdleTimeout:     2 * time.Minute,
		},
		Limits: LimitsConfig{
			GlobalWrite:   0x8000000,
			GlobalRead:    0x8000000,
			ChannelWrite:  0x800000,
			ChannelRead:   0x800000,
			CheckInterval: time.Second,
		},
		Scheduler: SchedulerConfig{
			Enabled:    true,
			Interval:   scheduler.DefaultInterval,
			Workers:    scheduler.DefaultWorkers,
			MaxRetries: scheduler.DefaultMaxRetries,
			RetryDelay: scheduler.DefaultRetryDelay,
			MaxDelay:   scheduler.DefaultMaxDelay,
			Backoff:    "fixed",
			AgingAfter: 5 * time.Minute,
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise from
// RANKFLUX_CONFIG or rankflux.yaml in the usual locations. Environment
// variables use the prefix RANKFLUX with `.` and `-` replaced by `_`,
// e.g. RANKFLUX_LOG_LEVEL=debug.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	seed(v, cfg)

	if path == "" {
		path = os.Getenv(envPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("rankflux")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".rankflux"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// seed registers every scalar key so environment-only overrides work.
func seed(v *viper.Viper, cfg *Config) {
	v.SetDefault("host_id", cfg.HostID)
	v.SetDefault("admin_hash", cfg.AdminHash)
	v.SetDefault("listen", cfg.Listen)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.max_size_mb", cfg.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	v.SetDefault("log.max_age_days", cfg.Log.MaxAgeDays)
	v.SetDefault("log.compress", cfg.Log.Compress)

	v.SetDefault("registry.path", cfg.Registry.Path)

	v.SetDefault("protocol.encoding", cfg.Protocol.Encoding)
	v.SetDefault("protocol.separator", cfg.Protocol.Separator)
	v.SetDefault("protocol.block_size", cfg.Protocol.BlockSize)
	v.SetDefault("protocol.min_block_size", cfg.Protocol.MinBlockSize)

	v.SetDefault("transfer.window", cfg.Transfer.Window)
	v.SetDefault("transfer.ack_interval", cfg.Transfer.AckInterval)
	v.SetDefault("transfer.block_retries", cfg.Transfer.BlockRetries)
	v.SetDefault("transfer.block_retry_delay", cfg.Transfer.BlockRetryDelay)
	v.SetDefault("transfer.hash", cfg.Transfer.Hash)
	v.SetDefault("transfer.idle_timeout", cfg.Transfer.IdleTimeout)

	v.SetDefault("limits.global_write", cfg.Limits.GlobalWrite)
	v.SetDefault("limits.global_read", cfg.Limits.GlobalRead)
	v.SetDefault("limits.channel_write", cfg.Limits.ChannelWrite)
	v.SetDefault("limits.channel_read", cfg.Limits.ChannelRead)
	v.SetDefault("limits.check_interval", cfg.Limits.CheckInterval)

	v.SetDefault("scheduler.enabled", cfg.Scheduler.Enabled)
	v.SetDefault("scheduler.interval", cfg.Scheduler.Interval)
	v.SetDefault("scheduler.workers", cfg.Scheduler.Workers)
	v.SetDefault("scheduler.max_retries", cfg.Scheduler.MaxRetries)
	v.SetDefault("scheduler.retry_delay", cfg.Scheduler.RetryDelay)
	v.SetDefault("scheduler.max_delay", cfg.Scheduler.MaxDelay)
	v.SetDefault("scheduler.backoff", cfg.Scheduler.Backoff)
	v.SetDefault("scheduler.small_threshold", cfg.Scheduler.SmallThreshold)
	v.SetDefault("scheduler.medium_threshold", cfg.Scheduler.MediumThreshold)
	v.SetDefault("scheduler.aging_after", cfg.Scheduler.AgingAfter)
}

// Validate normalizes c and reports the first invalid setting.
func (c *Config) Validate() error {
	c.HostID = strings.TrimSpace(c.HostID)
	if c.HostID == "" {
		return errors.New("host_id is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	for i := range c.Listen {
		k, err := transport.ParseKind(c.Listen[i].Transport)
		if err != nil {
			return fmt.Errorf("listen[%d]: %w", i, err)
		}
		c.Listen[i].Transport = string(k)
		if c.Listen[i].Addr == "" {
			return fmt.Errorf("listen[%d]: addr is required", i)
		}
	}
	if _, err := protocol.ParseEncoding(c.Protocol.Encoding); err != nil {
		return fmt.Errorf("protocol.encoding: %w", err)
	}
	if c.Protocol.BlockSize < c.Protocol.MinBlockSize {
		return fmt.Errorf("protocol.block_size %d below min_block_size %d", c.Protocol.BlockSize, c.Protocol.MinBlockSize)
	}
	if _, err := transfer.ParseHashAlg(c.Transfer.Hash); err != nil {
		return fmt.Errorf("transfer.hash: %w", err)
	}
	if _, err := scheduler.ParseBackoff(c.Scheduler.Backoff); err != nil {
		return fmt.Errorf("scheduler.backoff: %w", err)
	}

	seen := make(map[string]bool, len(c.Partners))
	for i := range c.Partners {
		p := &c.Partners[i]
		p.HostID = strings.TrimSpace(p.HostID)
		if p.HostID == "" {
			return fmt.Errorf("partners[%d]: host_id is required", i)
		}
		if seen[p.HostID] {
			return fmt.Errorf("partners[%d]: duplicate host_id %q", i, p.HostID)
		}
		seen[p.HostID] = true
		k, err := transport.ParseKind(p.Transport)
		if err != nil {
			return fmt.Errorf("partner %s: %w", p.HostID, err)
		}
		p.Transport = string(k)
		if p.Encoding == "" {
			p.Encoding = c.Protocol.Encoding
		}
		if _, err := protocol.ParseEncoding(p.Encoding); err != nil {
			return fmt.Errorf("partner %s: %w", p.HostID, err)
		}
		if p.Separator == "" {
			p.Separator = c.Protocol.Separator
		}
	}

	names := make(map[string]bool, len(c.Rules))
	for i := range c.Rules {
		r := &c.Rules[i]
		if r.Name == "" {
			return fmt.Errorf("rules[%d]: name is required", i)
		}
		if names[r.Name] {
			return fmt.Errorf("rules[%d]: duplicate name %q", i, r.Name)
		}
		names[r.Name] = true
		m, err := protocol.ParseMode(strings.ToUpper(strings.TrimSpace(r.Mode)))
		if err != nil || !m.Valid() {
			return fmt.Errorf("rule %s: invalid mode %q", r.Name, r.Mode)
		}
		r.Mode = m.String()
		for _, chain := range [][]tasks.Task{r.Tasks.Pre, r.Tasks.Post, r.Tasks.Error} {
			for j := range chain {
				k, err := tasks.ParseKind(string(chain[j].Kind))
				if err != nil {
					return fmt.Errorf("rule %s: %w", r.Name, err)
				}
				chain[j].Kind = k
			}
		}
	}
	return nil
}

// Partner returns the partner entry for hostID.
func (c *Config) Partner(hostID string) (PartnerConfig, bool) {
	for _, p := range c.Partners {
		if p.HostID == hostID {
			return p, true
		}
	}
	return PartnerConfig{}, false
}

// Flags are the command-line overrides shared by the binaries.
// Flags take precedence over the file and environment.
type Flags struct {
	ConfigPath string
	LogLevel   string
	HostID     string
	Listen     []string
}

// ParseFlags parses the common flags from args.
func ParseFlags(fs *flag.FlagSet, args []string) (Flags, error) {
	var f Flags
	fs.StringVar(&f.ConfigPath, "config", os.Getenv(envPrefix+"_CONFIG"), "path to the YAML configuration file")
	fs.StringVar(&f.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	fs.StringVar(&f.HostID, "host-id", "", "host id of this node")
	fs.Var((*stringSlice)(&f.Listen), "listen", "listen endpoint as [transport://]addr (repeatable)")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}
	return f, nil
}

// Apply overrides c with the non-empty flags and validates the result.
func (c *Config) Apply(f Flags) error {
	if f.LogLevel != "" {
		c.Log.Level = f.LogLevel
	}
	if f.HostID != "" {
		c.HostID = f.HostID
	}
	if len(f.Listen) > 0 {
		c.Listen = c.Listen[:0]
		for _, l := range f.Listen {
			c.Listen = append(c.Listen, parseEndpoint(l))
		}
	}
	return c.Validate()
}

// parseEndpoint splits "quic://:6666" into transport and address. A bare
// address means TCP.
func parseEndpoint(s string) ListenConfig {
	if kind, addr, ok := strings.Cut(s, "://"); ok {
		return ListenConfig{Transport: kind, Addr: addr}
	}
	return ListenConfig{Transport: string(transport.KindTCP), Addr: s}
}

// stringSlice implements flag.Value for repeatable string flags.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

var _ flag.Value = (*stringSlice)(nil)

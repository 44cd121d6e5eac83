// Package config handles ripstream session configuration loading.
package config

import (
	"fmt"
	"time"

	"github.com/ripstream/ripstream/pkg/vibe"
)

// OverwritePolicy controls what happens when a track file already exists.
type OverwritePolicy int

const (
	OverwriteAlways OverwritePolicy = iota
	OverwriteNever
	OverwriteLarger
	OverwriteVersion
)

func (o OverwritePolicy) String() string {
	switch o {
	case OverwriteAlways:
		return "always"
	case OverwriteNever:
		return "never"
	case OverwriteLarger:
		return "larger"
	case OverwriteVersion:
		return "version"
	default:
		return "unknown"
	}
}

// StringToOverwritePolicy parses the four known overwrite policy names.
func StringToOverwritePolicy(s string) (OverwritePolicy, error) {
	switch s {
	case "always":
		return OverwriteAlways, nil
	case "never":
		return OverwriteNever, nil
	case "larger":
		return OverwriteLarger, nil
	case "version":
		return OverwriteVersion, nil
	default:
		return 0, fmt.Errorf("unknown overwrite policy %q", s)
	}
}

// SplitpointOptions controls silence-driven split-point refinement.
// All *_ms fields are milliseconds; padding may be negative to trim.
type SplitpointOptions struct {
	Enabled          bool
	MinVolume        int
	SilenceLengthMs  int
	SearchWindow1Ms  int
	SearchWindow2Ms  int
	OffsetMs         int
	Padding1Ms       int
	Padding2Ms       int
}

// DefaultSplitpointOptions mirrors streamripper's historical defaults.
func DefaultSplitpointOptions() SplitpointOptions {
	return SplitpointOptions{
		Enabled:         true,
		MinVolume:       300,
		SilenceLengthMs: 400,
		SearchWindow1Ms: 6000,
		SearchWindow2Ms: 2000,
		OffsetMs:        0,
		Padding1Ms:      0,
		Padding2Ms:      0,
	}
}

// CodesetConfig configures ICY-payload character set conversion.
// See DESIGN.md, Open Question 1.
type CodesetConfig struct {
	From       string // e.g. "ISO-8859-1"
	To         string // e.g. "UTF-8"
	AutoDetect bool
}

// RelayConfig configures the optional ICY relay server.
type RelayConfig struct {
	Enabled     bool
	BindIP      string
	Port        int
	MaxPort     int // inclusive upper bound for port search
	SearchPorts bool
	MaxClients  int
	AutoSSL     bool
	AutoSSLHost string
	CacheDir    string
}

// ExternalCmdConfig configures the optional external metadata source.
type ExternalCmdConfig struct {
	Enabled bool
	Command string // tokenized with a shell-like quoting grammar, never run through a shell
}

// FileConfig controls on-disk layout and naming.
type FileConfig struct {
	OutputDir       string
	FilenamePattern string // default tokens: %A %T %B %N %n %Y %S %d
	ShowFilePattern string
	Overwrite       OverwritePolicy
	SeparateDirs    bool
	IndividualFiles bool
	SingleFileOut   bool
	KeepIncomplete  bool
	DateStamp       bool
	AddID3V1        bool
	AddID3V2        bool
	TruncateDups    bool
}

// Config is the complete, immutable-for-a-session ripstream configuration.
type Config struct {
	SourceURL      string
	ProxyURL       string
	UserAgent      string
	Interface      string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	AutoReconnect  bool
	HTTP10         bool

	DropCount  int
	CountStart int
	MaxRipMB   int // 0 = unlimited

	Files      FileConfig
	Splitpoint SplitpointOptions
	Codeset    CodesetConfig
	Relay      RelayConfig
	ExternalCmd ExternalCmdConfig
	RulesFile  string
}

// DefaultConfig returns a configuration with streamripper-compatible defaults.
func DefaultConfig() *Config {
	return &Config{
		UserAgent:      "ripstream/1.0",
		ConnectTimeout: 15 * time.Second,
		ReadTimeout:    30 * time.Second,
		AutoReconnect:  true,
		HTTP10:         false,
		DropCount:      0,
		CountStart:     1,
		MaxRipMB:       0,
		Files: FileConfig{
			OutputDir:       ".",
			FilenamePattern: "%N - %A - %T",
			ShowFilePattern: "%S",
			Overwrite:       OverwriteLarger,
			SeparateDirs:    true,
			IndividualFiles: true,
			SingleFileOut:   false,
			KeepIncomplete:  true,
		},
		Splitpoint: DefaultSplitpointOptions(),
		Codeset: CodesetConfig{
			From: "ISO-8859-1",
			To:   "UTF-8",
		},
		Relay: RelayConfig{
			Port:       8000,
			MaxPort:    8010,
			MaxClients: 32,
		},
	}
}

// Load reads a VIBE-format configuration file and overlays it on the defaults.
func Load(filename string) (*Config, error) {
	v, err := vibe.ParseFile(filename)
	if err != nil {
		return nil, fmt.Errorf("ripstream: parse config: %w", err)
	}

	cfg := DefaultConfig()

	cfg.SourceURL = v.GetStringDefault("source.url", cfg.SourceURL)
	cfg.ProxyURL = v.GetStringDefault("source.proxy", cfg.ProxyURL)
	cfg.UserAgent = v.GetStringDefault("source.user_agent", cfg.UserAgent)
	cfg.Interface = v.GetStringDefault("source.interface", cfg.Interface)
	cfg.AutoReconnect = v.GetBoolDefault("source.auto_reconnect", cfg.AutoReconnect)
	cfg.HTTP10 = v.GetBoolDefault("source.http10", cfg.HTTP10)
	if t := v.GetInt("source.connect_timeout"); t > 0 {
		cfg.ConnectTimeout = time.Duration(t) * time.Second
	}
	if t := v.GetInt("source.read_timeout"); t > 0 {
		cfg.ReadTimeout = time.Duration(t) * time.Second
	}

	cfg.DropCount = int(v.GetIntDefault("session.dropcount", int64(cfg.DropCount)))
	cfg.CountStart = int(v.GetIntDefault("session.count_start", int64(cfg.CountStart)))
	cfg.MaxRipMB = int(v.GetIntDefault("session.max_rip_mb", int64(cfg.MaxRipMB)))
	cfg.RulesFile = v.GetStringDefault("session.rules_file", cfg.RulesFile)

	if files := v.GetObject("files"); files != nil {
		cfg.Files.OutputDir = v.GetStringDefault("files.output_dir", cfg.Files.OutputDir)
		cfg.Files.FilenamePattern = v.GetStringDefault("files.pattern", cfg.Files.FilenamePattern)
		cfg.Files.ShowFilePattern = v.GetStringDefault("files.show_pattern", cfg.Files.ShowFilePattern)
		cfg.Files.SeparateDirs = v.GetBoolDefault("files.separate_dirs", cfg.Files.SeparateDirs)
		cfg.Files.IndividualFiles = v.GetBoolDefault("files.individual_tracks", cfg.Files.IndividualFiles)
		cfg.Files.SingleFileOut = v.GetBoolDefault("files.single_file_output", cfg.Files.SingleFileOut)
		cfg.Files.KeepIncomplete = v.GetBoolDefault("files.keep_incomplete", cfg.Files.KeepIncomplete)
		cfg.Files.DateStamp = v.GetBoolDefault("files.date_stamp", cfg.Files.DateStamp)
		cfg.Files.AddID3V1 = v.GetBoolDefault("files.add_id3v1", cfg.Files.AddID3V1)
		cfg.Files.AddID3V2 = v.GetBoolDefault("files.add_id3v2", cfg.Files.AddID3V2)
		cfg.Files.TruncateDups = v.GetBoolDefault("files.truncate_duplicates", cfg.Files.TruncateDups)
		if ow := v.GetString("files.overwrite"); ow != "" {
			if policy, err := StringToOverwritePolicy(ow); err == nil {
				cfg.Files.Overwrite = policy
			}
		}
	}

	if xs := v.GetObject("splitpoint"); xs != nil {
		cfg.Splitpoint.Enabled = v.GetBoolDefault("splitpoint.enabled", cfg.Splitpoint.Enabled)
		cfg.Splitpoint.MinVolume = int(v.GetIntDefault("splitpoint.min_volume", int64(cfg.Splitpoint.MinVolume)))
		cfg.Splitpoint.SilenceLengthMs = int(v.GetIntDefault("splitpoint.silence_length_ms", int64(cfg.Splitpoint.SilenceLengthMs)))
		cfg.Splitpoint.SearchWindow1Ms = int(v.GetIntDefault("splitpoint.search_window_1_ms", int64(cfg.Splitpoint.SearchWindow1Ms)))
		cfg.Splitpoint.SearchWindow2Ms = int(v.GetIntDefault("splitpoint.search_window_2_ms", int64(cfg.Splitpoint.SearchWindow2Ms)))
		cfg.Splitpoint.OffsetMs = int(v.GetIntDefault("splitpoint.offset_ms", int64(cfg.Splitpoint.OffsetMs)))
		cfg.Splitpoint.Padding1Ms = int(v.GetIntDefault("splitpoint.padding_1_ms", int64(cfg.Splitpoint.Padding1Ms)))
		cfg.Splitpoint.Padding2Ms = int(v.GetIntDefault("splitpoint.padding_2_ms", int64(cfg.Splitpoint.Padding2Ms)))
	}

	if cs := v.GetObject("codeset"); cs != nil {
		cfg.Codeset.From = v.GetStringDefault("codeset.from", cfg.Codeset.From)
		cfg.Codeset.To = v.GetStringDefault("codeset.to", cfg.Codeset.To)
		cfg.Codeset.AutoDetect = v.GetBoolDefault("codeset.auto_detect", cfg.Codeset.AutoDetect)
	}

	if relay := v.GetObject("relay"); relay != nil {
		cfg.Relay.Enabled = v.GetBoolDefault("relay.enabled", cfg.Relay.Enabled)
		cfg.Relay.BindIP = v.GetStringDefault("relay.bind_ip", cfg.Relay.BindIP)
		cfg.Relay.Port = int(v.GetIntDefault("relay.port", int64(cfg.Relay.Port)))
		cfg.Relay.MaxPort = int(v.GetIntDefault("relay.max_port", int64(cfg.Relay.MaxPort)))
		cfg.Relay.SearchPorts = v.GetBoolDefault("relay.search_ports", cfg.Relay.SearchPorts)
		cfg.Relay.MaxClients = int(v.GetIntDefault("relay.max_clients", int64(cfg.Relay.MaxClients)))
		cfg.Relay.AutoSSL = v.GetBoolDefault("relay.autossl", cfg.Relay.AutoSSL)
		cfg.Relay.AutoSSLHost = v.GetStringDefault("relay.autossl_host", cfg.Relay.AutoSSLHost)
		cfg.Relay.CacheDir = v.GetStringDefault("relay.autossl_cache_dir", cfg.Relay.CacheDir)
	}

	if ext := v.GetObject("external_cmd"); ext != nil {
		cfg.ExternalCmd.Enabled = v.GetBoolDefault("external_cmd.enabled", cfg.ExternalCmd.Enabled)
		cfg.ExternalCmd.Command = v.GetStringDefault("external_cmd.command", cfg.ExternalCmd.Command)
	}

	return cfg, nil
}

// Validate checks the configuration for obvious mistakes before a session starts.
func (c *Config) Validate() error {
	if c.SourceURL == "" {
		return fmt.Errorf("ripstream: source.url is required")
	}
	if c.Relay.Enabled {
		if c.Relay.Port <= 0 || c.Relay.Port > 65535 {
			return fmt.Errorf("ripstream: invalid relay port: %d", c.Relay.Port)
		}
		if c.Relay.SearchPorts && c.Relay.MaxPort < c.Relay.Port {
			return fmt.Errorf("ripstream: relay.max_port must be >= relay.port")
		}
		if c.Relay.AutoSSL && c.Relay.AutoSSLHost == "" {
			return fmt.Errorf("ripstream: relay.autossl requires relay.autossl_host")
		}
	}
	if c.ExternalCmd.Enabled && c.ExternalCmd.Command == "" {
		return fmt.Errorf("ripstream: external_cmd.enabled requires external_cmd.command")
	}
	if c.MaxRipMB < 0 {
		return fmt.Errorf("ripstream: session.max_rip_mb must be >= 0")
	}
	return nil
}

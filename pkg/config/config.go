// Package config loads and validates the daemon configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (CFDP_*)
//  2. Configuration file (YAML)
//  3. Default values
//
// The file-facing structures here are translated into the engine's own
// plain config types at wiring time; the engine core never sees viper.
package config

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/marmos91/cfdp/internal/bytesize"
	"github.com/marmos91/cfdp/internal/engine"
	"github.com/marmos91/cfdp/internal/protocol/cfdp"
	"github.com/marmos91/cfdp/pkg/bus"
)

// Config is the top-level daemon configuration.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Metrics contains Prometheus metrics server configuration
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Engine configures the CFDP engine core
	Engine EngineConfig `mapstructure:"engine" yaml:"engine"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	Level string `mapstructure:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format selects text or json output
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json" yaml:"format"`

	// Output is stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled turns the metrics endpoint on
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// ListenAddress is the host:port the /metrics server binds
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address"`
}

// EngineConfig configures the CFDP engine core and its channels.
type EngineConfig struct {
	// TicksPerSecond is the wakeup rate. All protocol timers are
	// quantized to this resolution.
	TicksPerSecond uint32 `mapstructure:"ticks_per_second" validate:"required,gt=0,lte=1000" yaml:"ticks_per_second"`

	// RxCrcCalcBytesPerWakeup is the file-byte budget for checksum
	// verification each wakeup. Must be a positive multiple of 1024.
	RxCrcCalcBytesPerWakeup bytesize.ByteSize `mapstructure:"rx_crc_calc_bytes_per_wakeup" yaml:"rx_crc_calc_bytes_per_wakeup"`

	// LocalEID is this entity's CFDP identifier
	LocalEID uint64 `mapstructure:"local_eid" validate:"required" yaml:"local_eid"`

	// OutgoingFileChunkSize bounds file-data PDU payloads
	OutgoingFileChunkSize bytesize.ByteSize `mapstructure:"outgoing_file_chunk_size" yaml:"outgoing_file_chunk_size"`

	// TmpDir receives file data that arrives before its metadata
	TmpDir string `mapstructure:"tmp_dir" yaml:"tmp_dir"`

	// PoolSize is the number of transaction records shared by all
	// channels
	PoolSize int `mapstructure:"pool_size" validate:"omitempty,gt=0" yaml:"pool_size"`

	// HistoryPerChannel bounds each channel's completed-transaction ring
	HistoryPerChannel int `mapstructure:"history_per_channel" validate:"omitempty,gt=0" yaml:"history_per_channel"`

	// MaxChunksPerTransaction bounds the gap tracker of one transfer
	MaxChunksPerTransaction int `mapstructure:"max_chunks_per_transaction" validate:"omitempty,gt=0" yaml:"max_chunks_per_transaction"`

	// MaxGapsPerNak caps segment requests in one NAK PDU
	MaxGapsPerNak int `mapstructure:"max_gaps_per_nak" validate:"omitempty,gt=0,lte=58" yaml:"max_gaps_per_nak"`

	// Channels lists the engine channels; at least one is required
	Channels []ChannelConfig `mapstructure:"channels" validate:"required,min=1,dive" yaml:"channels"`
}

// ChannelConfig configures one engine channel and its transport
// binding.
type ChannelConfig struct {
	// MaxOutgoingMessagesPerWakeup caps PDU transmissions per wakeup
	MaxOutgoingMessagesPerWakeup int `mapstructure:"max_outgoing_messages_per_wakeup" validate:"required,gt=0" yaml:"max_outgoing_messages_per_wakeup"`

	// RxMaxMessagesPerWakeup caps inbound messages drained per wakeup
	RxMaxMessagesPerWakeup int `mapstructure:"rx_max_messages_per_wakeup" validate:"required,gt=0" yaml:"rx_max_messages_per_wakeup"`

	// AckTimerSeconds is the acknowledgment wait before re-sending FIN
	AckTimerSeconds uint32 `mapstructure:"ack_timer_s" validate:"required,gt=0" yaml:"ack_timer_s"`

	// NakTimerSeconds is the response window between NAKs
	NakTimerSeconds uint32 `mapstructure:"nak_timer_s" validate:"required,gt=0" yaml:"nak_timer_s"`

	// InactivityTimerSeconds ends transactions whose peer went quiet
	InactivityTimerSeconds uint32 `mapstructure:"inactivity_timer_s" validate:"required,gt=0" yaml:"inactivity_timer_s"`

	// AckLimit bounds FIN re-sends
	AckLimit uint8 `mapstructure:"ack_limit" validate:"required,gt=0" yaml:"ack_limit"`

	// NakLimit bounds NAK response windows without progress
	NakLimit uint8 `mapstructure:"nak_limit" validate:"required,gt=0" yaml:"nak_limit"`

	// InputMID and OutputMID are the bus message IDs of this channel
	InputMID  uint32 `mapstructure:"input_mid" yaml:"input_mid"`
	OutputMID uint32 `mapstructure:"output_mid" yaml:"output_mid"`

	// InputPipeDepth sizes the transport-side inbound queue
	InputPipeDepth int `mapstructure:"input_pipe_depth" validate:"omitempty,gt=0" yaml:"input_pipe_depth"`

	// ThrottleSemName names the transport throttle semaphore
	ThrottleSemName string `mapstructure:"throttle_sem_name" yaml:"throttle_sem_name"`

	// DequeueEnabled gates pending playback dequeue
	DequeueEnabled bool `mapstructure:"dequeue_enabled" yaml:"dequeue_enabled"`

	// MoveDir parks withdrawn playback source files
	MoveDir string `mapstructure:"move_dir" yaml:"move_dir"`

	// ListenAddr and PeerAddr bind the channel to the UDP transport
	ListenAddr string `mapstructure:"listen_addr" yaml:"listen_addr"`
	PeerAddr   string `mapstructure:"peer_addr" yaml:"peer_addr"`

	// PollDirs lists directories polled for outbound files
	PollDirs []PollDirConfig `mapstructure:"polldirs" validate:"omitempty,dive" yaml:"polldirs"`
}

// PollDirConfig configures one polled directory.
type PollDirConfig struct {
	IntervalSeconds uint32 `mapstructure:"interval_s" validate:"required,gt=0" yaml:"interval_s"`
	Priority        uint8  `mapstructure:"priority" yaml:"priority"`
	Class           uint8  `mapstructure:"class" validate:"required,oneof=1 2" yaml:"class"`
	DestEID         uint64 `mapstructure:"dest_eid" validate:"required" yaml:"dest_eid"`
	SrcDir          string `mapstructure:"src_dir" validate:"required" yaml:"src_dir"`
	DstDir          string `mapstructure:"dst_dir" validate:"required" yaml:"dst_dir"`
	Enabled         bool   `mapstructure:"enabled" yaml:"enabled"`
}

// Load reads the configuration file at path, applies environment
// overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CFDP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_address", ":9090")
	v.SetDefault("engine.ticks_per_second", 10)
	v.SetDefault("engine.rx_crc_calc_bytes_per_wakeup", "32Ki")
	v.SetDefault("engine.outgoing_file_chunk_size", "2Ki")
	v.SetDefault("engine.tmp_dir", "/tmp/cfdp")
}

// configDecodeHooks returns the combined decode hook for custom config
// types.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and integers to
// bytesize.ByteSize, so config files can say "32Ki" or a plain number.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.Parse(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// Validate checks the tagged constraints plus the structural ones the
// tags cannot express.
func (c *Config) Validate() error {
	validate := validator.New()

	// Report mapstructure names instead of Go field names in errors.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if n := c.Engine.RxCrcCalcBytesPerWakeup.Uint64(); n == 0 || n%1024 != 0 {
		return fmt.Errorf("invalid configuration: engine.rx_crc_calc_bytes_per_wakeup must be a positive multiple of 1024, got %d", n)
	}
	if n := c.Engine.OutgoingFileChunkSize.Uint64(); n > engine.DefaultPduBufferCap {
		return fmt.Errorf("invalid configuration: engine.outgoing_file_chunk_size %d exceeds PDU buffer capacity %d",
			n, engine.DefaultPduBufferCap)
	}

	seen := map[uint32]bool{}
	for i, ch := range c.Engine.Channels {
		if seen[ch.InputMID] {
			return fmt.Errorf("invalid configuration: channel %d reuses input_mid %#x", i, ch.InputMID)
		}
		seen[ch.InputMID] = true
	}
	return nil
}

// EngineConfig translates the file-facing configuration into the engine
// core's plain config.
func (c *Config) EngineConfig() engine.Config {
	ec := engine.Config{
		TicksPerSecond:          c.Engine.TicksPerSecond,
		RxCRCCalcBytesPerWakeup: uint32(c.Engine.RxCrcCalcBytesPerWakeup.Uint64()),
		LocalEID:                cfdp.EntityID(c.Engine.LocalEID),
		OutgoingFileChunkSize:   uint32(c.Engine.OutgoingFileChunkSize.Uint64()),
		TmpDir:                  c.Engine.TmpDir,
		PoolSize:                c.Engine.PoolSize,
		HistorySizePerChannel:   c.Engine.HistoryPerChannel,
		MaxChunksPerTransaction: c.Engine.MaxChunksPerTransaction,
		MaxGapsPerNak:           c.Engine.MaxGapsPerNak,
	}
	for _, ch := range c.Engine.Channels {
		cc := engine.ChannelConfig{
			MaxOutgoingMessagesPerWakeup: ch.MaxOutgoingMessagesPerWakeup,
			RxMaxMessagesPerWakeup:       ch.RxMaxMessagesPerWakeup,
			AckTimerSeconds:              ch.AckTimerSeconds,
			NakTimerSeconds:              ch.NakTimerSeconds,
			InactivityTimerSeconds:       ch.InactivityTimerSeconds,
			AckLimit:                     ch.AckLimit,
			NakLimit:                     ch.NakLimit,
			InputMID:                     ch.InputMID,
			OutputMID:                    ch.OutputMID,
			InputPipeDepth:               ch.InputPipeDepth,
			ThrottleSemName:              ch.ThrottleSemName,
			DequeueEnabled:               ch.DequeueEnabled,
			MoveDir:                      ch.MoveDir,
		}
		for _, pd := range ch.PollDirs {
			cc.PollDirs = append(cc.PollDirs, engine.PollDirConfig{
				IntervalSeconds: pd.IntervalSeconds,
				Priority:        pd.Priority,
				Class:           pd.Class,
				DestEID:         cfdp.EntityID(pd.DestEID),
				SrcDir:          pd.SrcDir,
				DstDir:          pd.DstDir,
				Enabled:         pd.Enabled,
			})
		}
		ec.Channels = append(ec.Channels, cc)
	}
	return ec
}

// BusRoutes translates the channel transport bindings for the UDP bus.
func (c *Config) BusRoutes() []bus.UDPRoute {
	var routes []bus.UDPRoute
	for _, ch := range c.Engine.Channels {
		routes = append(routes, bus.UDPRoute{
			InputMID:   ch.InputMID,
			OutputMID:  ch.OutputMID,
			ListenAddr: ch.ListenAddr,
			PeerAddr:   ch.PeerAddr,
		})
	}
	return routes
}

// MaxPipeDepth returns the deepest configured input pipe (at least 16),
// used to size the transport buffers.
func (c *Config) MaxPipeDepth() int {
	depth := 16
	for _, ch := range c.Engine.Channels {
		if ch.InputPipeDepth > depth {
			depth = ch.InputPipeDepth
		}
	}
	return depth
}

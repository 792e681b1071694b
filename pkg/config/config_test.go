package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/cfdp/internal/protocol/cfdp"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const validYAML = `
logging:
  level: DEBUG
engine:
  ticks_per_second: 20
  rx_crc_calc_bytes_per_wakeup: 4Ki
  local_eid: 42
  outgoing_file_chunk_size: 1Ki
  tmp_dir: /tmp/cfdp-test
  channels:
    - max_outgoing_messages_per_wakeup: 4
      rx_max_messages_per_wakeup: 4
      ack_timer_s: 3
      nak_timer_s: 2
      inactivity_timer_s: 30
      ack_limit: 2
      nak_limit: 3
      input_mid: 0x1820
      output_mid: 0x0820
      throttle_sem_name: sem0
      polldirs:
        - interval_s: 5
          priority: 10
          class: 2
          dest_eid: 7
          src_dir: /outbox
          dst_dir: /inbox
          enabled: true
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, uint32(20), cfg.Engine.TicksPerSecond)
	assert.Equal(t, uint64(4096), cfg.Engine.RxCrcCalcBytesPerWakeup.Uint64())
	require.Len(t, cfg.Engine.Channels, 1)
	assert.Equal(t, uint32(0x1820), cfg.Engine.Channels[0].InputMID)
	require.Len(t, cfg.Engine.Channels[0].PollDirs, 1)
	assert.Equal(t, uint64(7), cfg.Engine.Channels[0].PollDirs[0].DestEID)
}

func TestLoadDefaults(t *testing.T) {
	minimal := `
engine:
  local_eid: 1
  channels:
    - max_outgoing_messages_per_wakeup: 1
      rx_max_messages_per_wakeup: 1
      ack_timer_s: 1
      nak_timer_s: 1
      inactivity_timer_s: 1
      ack_limit: 1
      nak_limit: 1
`
	cfg, err := Load(writeConfig(t, minimal))
	require.NoError(t, err)
	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, uint32(10), cfg.Engine.TicksPerSecond)
	assert.Equal(t, uint64(32*1024), cfg.Engine.RxCrcCalcBytesPerWakeup.Uint64())
	assert.Equal(t, "/tmp/cfdp", cfg.Engine.TmpDir)
}

func TestLoadRejections(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "no channels",
			yaml: `
engine:
  local_eid: 1
  channels: []
`,
		},
		{
			name: "crc budget not multiple of 1024",
			yaml: `
engine:
  local_eid: 1
  rx_crc_calc_bytes_per_wakeup: 1500
  channels:
    - max_outgoing_messages_per_wakeup: 1
      rx_max_messages_per_wakeup: 1
      ack_timer_s: 1
      nak_timer_s: 1
      inactivity_timer_s: 1
      ack_limit: 1
      nak_limit: 1
`,
		},
		{
			name: "oversized file chunk",
			yaml: `
engine:
  local_eid: 1
  outgoing_file_chunk_size: 1Gi
  channels:
    - max_outgoing_messages_per_wakeup: 1
      rx_max_messages_per_wakeup: 1
      ack_timer_s: 1
      nak_timer_s: 1
      inactivity_timer_s: 1
      ack_limit: 1
      nak_limit: 1
`,
		},
		{
			name: "duplicate input mid",
			yaml: `
engine:
  local_eid: 1
  channels:
    - max_outgoing_messages_per_wakeup: 1
      rx_max_messages_per_wakeup: 1
      ack_timer_s: 1
      nak_timer_s: 1
      inactivity_timer_s: 1
      ack_limit: 1
      nak_limit: 1
      input_mid: 5
    - max_outgoing_messages_per_wakeup: 1
      rx_max_messages_per_wakeup: 1
      ack_timer_s: 1
      nak_timer_s: 1
      inactivity_timer_s: 1
      ack_limit: 1
      nak_limit: 1
      input_mid: 5
`,
		},
		{
			name: "bad polldir class",
			yaml: `
engine:
  local_eid: 1
  channels:
    - max_outgoing_messages_per_wakeup: 1
      rx_max_messages_per_wakeup: 1
      ack_timer_s: 1
      nak_timer_s: 1
      inactivity_timer_s: 1
      ack_limit: 1
      nak_limit: 1
      polldirs:
        - interval_s: 5
          class: 3
          dest_eid: 7
          src_dir: /a
          dst_dir: /b
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestEngineConfigTranslation(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	ec := cfg.EngineConfig()
	assert.Equal(t, uint32(20), ec.TicksPerSecond)
	assert.Equal(t, uint32(4096), ec.RxCRCCalcBytesPerWakeup)
	assert.Equal(t, cfdp.EntityID(42), ec.LocalEID)
	require.Len(t, ec.Channels, 1)
	assert.Equal(t, uint32(3), ec.Channels[0].AckTimerSeconds)
	require.Len(t, ec.Channels[0].PollDirs, 1)
	assert.Equal(t, cfdp.EntityID(7), ec.Channels[0].PollDirs[0].DestEID)
}

func TestSampleConfigLoads(t *testing.T) {
	cfg, err := Load(writeConfig(t, SampleYAML))
	require.NoError(t, err)
	require.Len(t, cfg.Engine.Channels, 1)
	assert.Equal(t, uint64(25), cfg.Engine.LocalEID)
}

func TestBusRoutes(t *testing.T) {
	cfg, err := Load(writeConfig(t, SampleYAML))
	require.NoError(t, err)
	routes := cfg.BusRoutes()
	require.Len(t, routes, 1)
	assert.Equal(t, uint32(0x1820), routes[0].InputMID)
	assert.Equal(t, "0.0.0.0:4560", routes[0].ListenAddr)
}

package config

// SampleYAML is the commented starter configuration written by
// `cfdp init`.
const SampleYAML = `# cfdp daemon configuration

logging:
  level: INFO        # DEBUG, INFO, WARN, ERROR
  format: text       # text or json
  output: stderr     # stdout, stderr, or a file path

metrics:
  enabled: false
  listen_address: ":9090"

engine:
  # Wakeup rate. All protocol timers are quantized to 1/ticks_per_second.
  ticks_per_second: 10

  # File-byte budget for checksum verification each wakeup, shared by
  # all transactions being verified. Must be a positive multiple of 1024.
  rx_crc_calc_bytes_per_wakeup: 32Ki

  # This entity's CFDP entity ID.
  local_eid: 25

  # Upper bound on outgoing file-data PDU payloads.
  outgoing_file_chunk_size: 2Ki

  # File data that arrives before its metadata lands here until the
  # metadata names the real destination.
  tmp_dir: /tmp/cfdp

  channels:
    - max_outgoing_messages_per_wakeup: 8
      rx_max_messages_per_wakeup: 8
      ack_timer_s: 4
      nak_timer_s: 4
      inactivity_timer_s: 60
      ack_limit: 4
      nak_limit: 4
      input_mid: 0x1820
      output_mid: 0x0820
      input_pipe_depth: 32
      throttle_sem_name: cfdp_chan0
      dequeue_enabled: true
      move_dir: ""
      listen_addr: "0.0.0.0:4560"
      peer_addr: "192.168.1.2:4560"
      polldirs: []
`

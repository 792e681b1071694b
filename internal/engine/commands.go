package engine

import (
	"errors"
	"fmt"

	"github.com/marmos91/cfdp/internal/protocol/cfdp"
)

// Typed command errors. Parsing and validation of raw ground commands
// happens outside the engine; these methods receive decoded arguments.
var (
	ErrChannelRange       = errors.New("engine: channel number out of range")
	ErrUnknownTransaction = errors.New("engine: no such transaction")
	ErrUnknownParam       = errors.New("engine: unknown parameter")
	ErrPollDirRange       = errors.New("engine: polling directory index out of range")
)

// Noop verifies command routing end to end.
func (e *Engine) Noop() error {
	return nil
}

// ResetScope selects what the Reset command clears.
type ResetScope uint8

const (
	// ResetCounters clears the retry counters of live transactions.
	ResetCounters ResetScope = iota

	// ResetAll clears the retry counters and the completed-transaction
	// history.
	ResetAll
)

func (s ResetScope) String() string {
	switch s {
	case ResetCounters:
		return "counters"
	case ResetAll:
		return "all"
	default:
		return "unknown"
	}
}

// Reset clears per-transaction retry counters on one channel; the all
// scope also clears the completed-transaction history.
func (e *Engine) Reset(channel int, scope ResetScope) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, err := e.channel(channel)
	if err != nil {
		return err
	}
	switch scope {
	case ResetCounters, ResetAll:
	default:
		return fmt.Errorf("%w: reset scope %d", ErrUnknownParam, scope)
	}

	for _, q := range []*txnQueue{ch.rxa, ch.pend, ch.txa} {
		for _, slot := range q.slots {
			t := e.pool.Get(slot)
			t.ackRetries = 0
			t.nakRetries = 0
		}
	}
	if scope == ResetAll {
		ch.hist.reset()
	}
	return nil
}

// EnableChannel resumes message processing on a channel.
func (e *Engine) EnableChannel(channel int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, err := e.channel(channel)
	if err != nil {
		return err
	}
	if !ch.enabled {
		ch.enabled = true
		e.reporter.Event(EventChannelEnabled, SeverityInfo, "channel enabled", "channel", ch.num)
	}
	return nil
}

// DisableChannel halts a channel and resets its state: every active
// transaction is force-finished into history and its files are closed.
func (e *Engine) DisableChannel(channel int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, err := e.channel(channel)
	if err != nil {
		return err
	}
	if ch.enabled {
		ch.enabled = false
		e.resetChannel(ch, true)
		e.reporter.Event(EventChannelDisabled, SeverityInfo, "channel disabled", "channel", ch.num)
	}
	return nil
}

// CancelTxn requests cancellation of a transaction. The status latches
// and the transaction completes on the next tick.
func (e *Engine) CancelTxn(key cfdp.TransactionID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, _, err := e.lookup(key)
	if err != nil {
		return err
	}
	t.flags.canceled = true
	return nil
}

// SuspendTxn freezes a transaction: no timer advance, no emissions,
// inbound PDUs ignored until resumed.
func (e *Engine) SuspendTxn(key cfdp.TransactionID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, _, err := e.lookup(key)
	if err != nil {
		return err
	}
	t.flags.suspended = true
	return nil
}

// ResumeTxn thaws a suspended transaction.
func (e *Engine) ResumeTxn(key cfdp.TransactionID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, _, err := e.lookup(key)
	if err != nil {
		return err
	}
	t.flags.suspended = false
	return nil
}

// AbandonTxn drops a transaction immediately, with no closing protocol
// exchange. Pending playback entries are parked in the channel's move
// directory.
func (e *Engine) AbandonTxn(key cfdp.TransactionID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ch, err := e.lookup(key)
	if err != nil {
		return err
	}
	if !t.role.IsReceive() {
		e.withdrawPlayback(ch, t)
	}
	t.setStatus(StatusCancelRequestReceived)
	e.forceComplete(t)
	return nil
}

// PlaybackDir immediately enqueues the files of a directory for
// transmission on a channel.
func (e *Engine) PlaybackDir(channel int, srcDir, dstDir string, class uint8, priority uint8, destEID cfdp.EntityID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, err := e.channel(channel)
	if err != nil {
		return err
	}
	if e.source == nil {
		return errors.New("engine: no transaction source configured")
	}
	if class != 1 && class != 2 {
		return fmt.Errorf("engine: invalid CFDP class %d", class)
	}
	e.enqueuePlayback(ch, srcDir, dstDir, class, priority, destEID)
	return nil
}

// PollDirControl enables or disables one polled directory.
func (e *Engine) PollDirControl(channel, pollDir int, enable bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, err := e.channel(channel)
	if err != nil {
		return err
	}
	if pollDir < 0 || pollDir >= len(ch.polls) {
		return ErrPollDirRange
	}
	ps := &ch.polls[pollDir]
	ps.enabled = enable
	if enable {
		ps.interval.InitRelSec(ps.cfg.IntervalSeconds, e.cfg.TicksPerSecond)
	}
	return nil
}

// Channel parameters addressable through SetParam/GetParam.
const (
	ParamAckTimerSeconds        = "ack_timer_s"
	ParamNakTimerSeconds        = "nak_timer_s"
	ParamInactivityTimerSeconds = "inactivity_timer_s"
	ParamAckLimit               = "ack_limit"
	ParamNakLimit               = "nak_limit"
	ParamDequeueEnabled         = "dequeue_enabled"
)

// SetParam updates one runtime-tunable channel parameter. Transactions
// pick the new value up the next time the relevant timer is armed.
func (e *Engine) SetParam(channel int, name string, value uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, err := e.channel(channel)
	if err != nil {
		return err
	}
	switch name {
	case ParamAckTimerSeconds:
		ch.cfg.AckTimerSeconds = value
	case ParamNakTimerSeconds:
		ch.cfg.NakTimerSeconds = value
	case ParamInactivityTimerSeconds:
		ch.cfg.InactivityTimerSeconds = value
	case ParamAckLimit:
		ch.cfg.AckLimit = uint8(value)
	case ParamNakLimit:
		ch.cfg.NakLimit = uint8(value)
	case ParamDequeueEnabled:
		ch.cfg.DequeueEnabled = value != 0
	default:
		return fmt.Errorf("%w: %q", ErrUnknownParam, name)
	}
	return nil
}

// GetParam reads one runtime-tunable channel parameter.
func (e *Engine) GetParam(channel int, name string) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, err := e.channel(channel)
	if err != nil {
		return 0, err
	}
	switch name {
	case ParamAckTimerSeconds:
		return ch.cfg.AckTimerSeconds, nil
	case ParamNakTimerSeconds:
		return ch.cfg.NakTimerSeconds, nil
	case ParamInactivityTimerSeconds:
		return ch.cfg.InactivityTimerSeconds, nil
	case ParamAckLimit:
		return uint32(ch.cfg.AckLimit), nil
	case ParamNakLimit:
		return uint32(ch.cfg.NakLimit), nil
	case ParamDequeueEnabled:
		if ch.cfg.DequeueEnabled {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownParam, name)
	}
}

// History returns the completed transactions of a channel, oldest
// first.
func (e *Engine) History(channel int) ([]HistoryEntry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, err := e.channel(channel)
	if err != nil {
		return nil, err
	}
	return ch.hist.snapshot(), nil
}

// ChannelCount returns the number of configured channels.
func (e *Engine) ChannelCount() int {
	return len(e.channels)
}

func (e *Engine) channel(n int) (*Channel, error) {
	if n < 0 || n >= len(e.channels) {
		return nil, fmt.Errorf("%w: %d", ErrChannelRange, n)
	}
	return e.channels[n], nil
}

// lookup finds a transaction by key across all channels.
func (e *Engine) lookup(key cfdp.TransactionID) (*Transaction, *Channel, error) {
	for _, ch := range e.channels {
		if t := e.findTransaction(ch, key); t != nil {
			return t, ch, nil
		}
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrUnknownTransaction, key)
}

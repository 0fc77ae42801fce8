package antitheft

import (
	"context"
	"errors"
	"sync"
	"time"

	"aegis/api"
	"aegis/kvstore"
	"aegis/logger"
)

var (
	// ErrPermissionDenied is returned by a Locator when the OS refuses
	// location access. A denied permission is not a dispatch failure.
	ErrPermissionDenied = errors.New("antitheft: location permission denied")
	// ErrWipeRefused means the user declined the wipe confirmation gate.
	ErrWipeRefused = errors.New("antitheft: wipe not confirmed")
)

// RingAutoStop is the hard ceiling on alarm playback. It bounds the battery
// and resource cost of a single malicious or malfunctioning ring command.
const RingAutoStop = 30 * time.Second

// Location is a device position fix.
type Location struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64
	Timestamp time.Time
}

// Locator produces the current device position, or ErrPermissionDenied when
// the platform withholds access.
type Locator interface {
	CurrentLocation(ctx context.Context) (Location, error)
}

// AudioHandle controls one playback session. Stop must be idempotent at the
// dispatcher level; implementations are only ever stopped once.
type AudioHandle interface {
	Stop() error
}

// AudioPlayer starts looping alarm playback at maximum volume.
type AudioPlayer interface {
	PlayLoop() (AudioHandle, error)
}

// Confirmer gates destructive commands behind an explicit user decision.
type Confirmer interface {
	ConfirmWipe(ctx context.Context) (bool, error)
}

// Quarantine is the slice of the quarantine manager the wipe handler needs.
type Quarantine interface {
	ClearAll() error
}

// LocationReporter delivers a locate answer to the backend.
type LocationReporter interface {
	ReportLocation(ctx context.Context, loc api.LocationReport) error
}

// CommandAcker reports terminal command outcomes. May be nil.
type CommandAcker interface {
	AckCommand(ctx context.Context, ack api.CommandAck) error
}

// ErrorSink receives handler failures for observability. May be nil.
type ErrorSink interface {
	CommandFailed(commandID string, commandType CommandType, err error)
}

// Deps wires a Dispatcher. Reporter, Locator, Player, Locks, Store,
// Quarantine and Confirmer are required; Acker and Sink are optional.
type Deps struct {
	Reporter   LocationReporter
	Acker      CommandAcker
	Locator    Locator
	Player     AudioPlayer
	Locks      *LockController
	Store      *kvstore.Store
	Quarantine Quarantine
	Confirmer  Confirmer
	Sink       ErrorSink
	DeviceID   string
	// RingCeiling overrides the auto-stop bound; zero means RingAutoStop.
	RingCeiling time.Duration
}

// Dispatcher executes remote commands. It owns the playback session and the
// lock controller explicitly; there is no package-level mutable state.
type Dispatcher struct {
	deps Deps

	ringMu     sync.Mutex
	ringHandle AudioHandle
	ringTimer  *time.Timer
	ringGen    uint64
}

func NewDispatcher(deps Deps) *Dispatcher {
	return &Dispatcher{deps: deps}
}

// Locks exposes the lock state machine, mainly for the unlock path and for
// surfacing lock state to callers.
func (d *Dispatcher) Locks() *LockController {
	return d.deps.Locks
}

// Dispatch runs one decoded command. Handler failures are logged, routed to
// the error sink and acked as failed, but never propagated: a remote command
// must not be able to crash the agent.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) {
	logger.Infof("Dispatching %s command %s", cmd.Type, cmd.ID)

	var err error
	switch cmd.Type {
	case CommandLocate:
		err = d.handleLocate(ctx, cmd)
	case CommandRing:
		err = d.handleRing()
	case CommandLock:
		err = d.handleLock(cmd)
	case CommandWipe:
		err = d.handleWipe(ctx)
	default:
		err = ErrUnknownCommand
	}

	switch {
	case err == nil:
		d.ack(ctx, cmd, "completed", nil)
	case errors.Is(err, ErrWipeRefused):
		logger.Infof("Wipe command %s refused by user", cmd.ID)
		d.ack(ctx, cmd, "refused", nil)
	default:
		logger.Errorf("Command %s (%s) failed: %v", cmd.ID, cmd.Type, err)
		if d.deps.Sink != nil {
			d.deps.Sink.CommandFailed(cmd.ID, cmd.Type, err)
		}
		d.ack(ctx, cmd, "failed", err)
	}
}

func (d *Dispatcher) handleLocate(ctx context.Context, cmd Command) error {
	loc, err := d.deps.Locator.CurrentLocation(ctx)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			logger.Warnf("Locate command %s: location permission denied", cmd.ID)
			return nil
		}
		return err
	}
	return d.deps.Reporter.ReportLocation(ctx, api.LocationReport{
		DeviceID:  d.deps.DeviceID,
		CommandID: cmd.ID,
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
		Accuracy:  loc.Accuracy,
		Timestamp: loc.Timestamp,
	})
}

// handleRing starts alarm playback. A new ring supersedes a running one, and
// an auto-stop timer enforces the playback ceiling even without user action.
func (d *Dispatcher) handleRing() error {
	d.ringMu.Lock()
	defer d.ringMu.Unlock()

	d.stopRingLocked()
	handle, err := d.deps.Player.PlayLoop()
	if err != nil {
		return err
	}
	d.ringGen++
	gen := d.ringGen
	d.ringHandle = handle
	d.ringTimer = time.AfterFunc(d.ringCeiling(), func() { d.autoStopRing(gen) })
	return nil
}

// autoStopRing enforces the ceiling for the ring generation that armed it. A
// timer that fired just before its ring was superseded must not silence the
// newer alarm.
func (d *Dispatcher) autoStopRing(gen uint64) {
	d.ringMu.Lock()
	defer d.ringMu.Unlock()
	if gen != d.ringGen {
		return
	}
	d.stopRingLocked()
}

func (d *Dispatcher) ringCeiling() time.Duration {
	if d.deps.RingCeiling > 0 {
		return d.deps.RingCeiling
	}
	return RingAutoStop
}

// StopRing halts the current alarm, if any. Safe to call twice; the second
// call is a no-op.
func (d *Dispatcher) StopRing() {
	d.ringMu.Lock()
	defer d.ringMu.Unlock()
	d.stopRingLocked()
}

func (d *Dispatcher) stopRingLocked() {
	if d.ringHandle == nil {
		return
	}
	d.ringTimer.Stop()
	if err := d.ringHandle.Stop(); err != nil {
		logger.Warnf("Failed to stop alarm playback: %v", err)
	}
	d.ringHandle = nil
	d.ringTimer = nil
}

func (d *Dispatcher) handleLock(cmd Command) error {
	return d.deps.Locks.Lock(cmd.Lock.Message, cmd.Lock.PhoneNumber)
}

// handleWipe is gated on explicit user confirmation. On refusal nothing
// changes; on confirmation all persisted key-value state and the quarantine
// root are destroyed.
func (d *Dispatcher) handleWipe(ctx context.Context) error {
	confirmed, err := d.deps.Confirmer.ConfirmWipe(ctx)
	if err != nil {
		return err
	}
	if !confirmed {
		return ErrWipeRefused
	}
	if err := d.deps.Store.Clear(); err != nil {
		return err
	}
	return d.deps.Quarantine.ClearAll()
}

func (d *Dispatcher) ack(ctx context.Context, cmd Command, status string, cause error) {
	if d.deps.Acker == nil {
		return
	}
	ack := api.CommandAck{
		DeviceID:    d.deps.DeviceID,
		CommandID:   cmd.ID,
		CommandType: string(cmd.Type),
		Status:      status,
	}
	if cause != nil {
		ack.Error = cause.Error()
	}
	if err := d.deps.Acker.AckCommand(ctx, ack); err != nil {
		logger.Warnf("Failed to ack command %s: %v", cmd.ID, err)
	}
}

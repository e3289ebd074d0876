// Package newport drives a Newport ESP302 motion controller (1-axis stage)
// over its line-oriented ASCII serial protocol.
package newport

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"
)

// StageName is the device name this adapter reports to hosts.
const StageName = "NewportESP302Stage"

// ErrPositionBeyondLimits means a requested position is outside the stage's
// configured travel range.
var ErrPositionBeyondLimits = errors.New("requested position is beyond the limits of this stage")

// ErrTimeout means the controller did not go idle within the allowed time.
var ErrTimeout = errors.New("timed out waiting for stage command to complete")

// ControllerError is a non-"@" error code reported by the controller's TE
// query.
type ControllerError struct {
	Code string
}

func (e *ControllerError) Error() string {
	return fmt.Sprintf("controller returned error code %q", e.Code)
}

// Config holds the pre-init stage settings. Positions exchanged with callers
// are in micrometers; the controller works in its native unit (millimeters),
// so outbound values are divided by ConversionFactor and inbound values
// multiplied by it.
type Config struct {
	Address          int     // controller address, 1-31
	ConversionFactor float64 // user units (µm) per native unit (mm)
	LowerLimit       float64 // travel limit in native units
	UpperLimit       float64 // travel limit in native units
	StepSizeUm       float64 // step size for the steps-based interface
	PollInterval     time.Duration
}

// DefaultConfig matches the original adapter's construction defaults.
var DefaultConfig = Config{
	Address:          1,
	ConversionFactor: 1000.0,
	LowerLimit:       -50,
	UpperLimit:       50,
	StepSizeUm:       1,
	PollInterval:     time.Millisecond,
}

// ZStage is a single-axis Newport ESP302 stage on a serial line. The
// io.ReadWriter is the serial port in production and a scripted fake in
// tests.
type ZStage struct {
	mu   sync.Mutex // serializes command/response exchanges
	rw   io.ReadWriter
	scan *bufio.Scanner
	cfg  Config

	initialized bool
	velocity    float64 // native units (mm/s), cached from the last exchange
}

// NewZStage wraps the given serial line. Zero config fields fall back to
// DefaultConfig values.
func NewZStage(rw io.ReadWriter, cfg Config) *ZStage {
	if cfg.Address == 0 {
		cfg.Address = DefaultConfig.Address
	}
	if cfg.ConversionFactor == 0 {
		cfg.ConversionFactor = DefaultConfig.ConversionFactor
	}
	if cfg.LowerLimit == 0 && cfg.UpperLimit == 0 {
		cfg.LowerLimit = DefaultConfig.LowerLimit
		cfg.UpperLimit = DefaultConfig.UpperLimit
	}
	if cfg.StepSizeUm == 0 {
		cfg.StepSizeUm = DefaultConfig.StepSizeUm
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultConfig.PollInterval
	}
	return &ZStage{
		rw:   rw,
		scan: bufio.NewScanner(rw),
		cfg:  cfg,
	}
}

// command prepends the controller address, e.g. "PA?" -> "1PA?".
func (z *ZStage) command(cmd string) string {
	return fmt.Sprintf("%d%s", z.cfg.Address, cmd)
}

// send writes one addressed command line. Callers hold z.mu.
func (z *ZStage) send(cmd string) error {
	if _, err := io.WriteString(z.rw, z.command(cmd)+"\n"); err != nil {
		return fmt.Errorf("stage write %q: %w", cmd, err)
	}
	return nil
}

// ask sends a query and returns the next reply line. Callers hold z.mu.
func (z *ZStage) ask(cmd string) (string, error) {
	if err := z.send(cmd); err != nil {
		return "", err
	}
	if !z.scan.Scan() {
		if err := z.scan.Err(); err != nil {
			return "", fmt.Errorf("stage read after %q: %w", cmd, err)
		}
		return "", fmt.Errorf("stage closed the line after %q: %w", cmd, io.ErrUnexpectedEOF)
	}
	return strings.TrimSpace(z.scan.Text()), nil
}

// Initialize homes the stage and verifies it answers position queries.
func (z *ZStage) Initialize() error {
	if err := z.Home(); err != nil {
		return err
	}
	if _, err := z.Position(); err != nil {
		return err
	}
	z.mu.Lock()
	z.initialized = true
	z.mu.Unlock()
	return nil
}

// Shutdown marks the device unready. The serial line is owned by the caller.
func (z *ZStage) Shutdown() error {
	z.mu.Lock()
	z.initialized = false
	z.mu.Unlock()
	return nil
}

// MoveTo commands an absolute move to the given position in µm.
func (z *ZStage) MoveTo(um float64) error {
	native := um / z.cfg.ConversionFactor
	if native > z.cfg.UpperLimit || native < z.cfg.LowerLimit {
		return fmt.Errorf("%w: %g µm (native %g)", ErrPositionBeyondLimits, um, native)
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.send(fmt.Sprintf("PA%g", native))
}

// MoveBy commands a relative move by the given distance in µm.
func (z *ZStage) MoveBy(um float64) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.send(fmt.Sprintf("PR%g", um/z.cfg.ConversionFactor))
}

// Position queries the current absolute position and returns it in µm.
func (z *ZStage) Position() (float64, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	answer, err := z.ask("PA?")
	if err != nil {
		return 0, err
	}
	native, err := strconv.ParseFloat(answer, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot parse position reply %q: %w", answer, err)
	}
	return native * z.cfg.ConversionFactor, nil
}

// MoveToSteps and PositionSteps adapt the µm interface for hosts that think
// in integer steps.
func (z *ZStage) MoveToSteps(steps int64) error {
	return z.MoveTo(float64(steps) * z.cfg.StepSizeUm)
}

// PositionSteps returns the current position in whole steps.
func (z *ZStage) PositionSteps() (int64, error) {
	um, err := z.Position()
	if err != nil {
		return 0, err
	}
	return int64(um / z.cfg.StepSizeUm), nil
}

// Home sends the homing command and waits for the stage to go idle.
func (z *ZStage) Home() error {
	z.mu.Lock()
	if err := z.send("OR"); err != nil {
		z.mu.Unlock()
		return err
	}
	z.mu.Unlock()
	return z.WaitUntilIdle(30 * time.Second)
}

// Busy queries the controller status byte; bit 2 of the first reply byte is
// the motion-in-progress flag.
func (z *ZStage) Busy() (bool, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	answer, err := z.ask("TS")
	if err != nil {
		return false, err
	}
	if len(answer) == 0 {
		return false, fmt.Errorf("empty status reply to %q", z.command("TS"))
	}
	return answer[0]&(1<<2) != 0, nil
}

// WaitUntilIdle polls Busy until motion completes or the timeout elapses.
func (z *ZStage) WaitUntilIdle(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		busy, err := z.Busy()
		if err != nil {
			return err
		}
		if !busy {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w after %v", ErrTimeout, timeout)
		}
		time.Sleep(z.cfg.PollInterval)
	}
}

// SetVelocity sets the stage velocity in native units (mm/s).
func (z *ZStage) SetVelocity(v float64) error {
	z.mu.Lock()
	defer z.mu.Unlock()
	if err := z.send(fmt.Sprintf("VA%g", v)); err != nil {
		return err
	}
	z.velocity = v
	return nil
}

// Velocity queries the stage velocity in native units (mm/s).
func (z *ZStage) Velocity() (float64, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	answer, err := z.ask("VA?")
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(answer, 64)
	if err != nil {
		return 0, fmt.Errorf("cannot parse velocity reply %q: %w", answer, err)
	}
	z.velocity = v
	return v, nil
}

// maxHomeRetries bounds how often LastError re-homes an unreferenced stage
// before giving up. The controller answers "H" until homing completes.
const maxHomeRetries = 3

// LastError queries the controller's error register ("TE"). An "@" code
// means no error. An "H" code means the stage is not referenced: the stage
// is homed and the register re-queried, at most maxHomeRetries times.
func (z *ZStage) LastError() error {
	for attempt := 0; ; attempt++ {
		code, err := z.queryErrorCode()
		if err != nil {
			return err
		}
		switch code {
		case "@":
			return nil
		case "H":
			if attempt >= maxHomeRetries {
				return fmt.Errorf("stage still unreferenced after %d homing attempts: %w",
					maxHomeRetries, &ControllerError{Code: code})
			}
			if err := z.Home(); err != nil {
				return err
			}
		default:
			return &ControllerError{Code: code}
		}
	}
}

func (z *ZStage) queryErrorCode() (string, error) {
	z.mu.Lock()
	defer z.mu.Unlock()
	cmd := z.command("TE")
	answer, err := z.ask("TE")
	if err != nil {
		return "", err
	}
	// The controller echoes the command before the code character.
	code := strings.TrimPrefix(answer, cmd)
	if len(code) < 1 {
		return "", fmt.Errorf("malformed error reply %q to %q", answer, cmd)
	}
	return code[:1], nil
}

// Limits returns the travel limits in µm.
func (z *ZStage) Limits() (lower, upper float64) {
	return z.cfg.LowerLimit * z.cfg.ConversionFactor, z.cfg.UpperLimit * z.cfg.ConversionFactor
}

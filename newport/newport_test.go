package newport

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort is a scripted serial line: it serves the given reply lines in
// order and records every command written to it.
type fakePort struct {
	in  *strings.Reader
	out bytes.Buffer
}

func newFakePort(replies ...string) *fakePort {
	script := ""
	if len(replies) > 0 {
		script = strings.Join(replies, "\r\n") + "\r\n"
	}
	return &fakePort{in: strings.NewReader(script)}
}

func (p *fakePort) Read(b []byte) (int, error)  { return p.in.Read(b) }
func (p *fakePort) Write(b []byte) (int, error) { return p.out.Write(b) }

// sent returns the command lines written so far, without line endings.
func (p *fakePort) sent() []string {
	s := strings.TrimRight(p.out.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

func TestMoveToCommandFormat(t *testing.T) {
	port := newFakePort()
	stage := NewZStage(port, Config{})

	require.NoError(t, stage.MoveTo(5))       // 5 µm = 0.005 mm
	require.NoError(t, stage.MoveTo(-12500))  // -12.5 mm
	require.NoError(t, stage.MoveBy(1000))    // +1 mm relative
	assert.Equal(t, []string{"1PA0.005", "1PA-12.5", "1PR1"}, port.sent())
}

func TestMoveToRejectsOutOfRange(t *testing.T) {
	port := newFakePort()
	stage := NewZStage(port, Config{})

	for _, um := range []float64{60000, -60000} {
		err := stage.MoveTo(um)
		assert.True(t, errors.Is(err, ErrPositionBeyondLimits),
			"MoveTo(%g) returned %v, want ErrPositionBeyondLimits", um, err)
	}
	assert.Empty(t, port.sent(), "out-of-range moves must not reach the controller")
}

func TestCommandsCarryControllerAddress(t *testing.T) {
	port := newFakePort("0.001")
	stage := NewZStage(port, Config{Address: 7})

	require.NoError(t, stage.MoveTo(5))
	_, err := stage.Position()
	require.NoError(t, err)
	assert.Equal(t, []string{"7PA0.005", "7PA?"}, port.sent())
}

func TestPositionConvertsToMicrometers(t *testing.T) {
	port := newFakePort("0.0125")
	stage := NewZStage(port, Config{})

	um, err := stage.Position()
	require.NoError(t, err)
	assert.InDelta(t, 12.5, um, 1e-9)
	assert.Equal(t, []string{"1PA?"}, port.sent())
}

func TestPositionRejectsGarbageReply(t *testing.T) {
	stage := NewZStage(newFakePort("not-a-number"), Config{})
	_, err := stage.Position()
	assert.Error(t, err)
}

func TestStepsInterface(t *testing.T) {
	port := newFakePort("0.0125")
	stage := NewZStage(port, Config{StepSizeUm: 0.5})

	require.NoError(t, stage.MoveToSteps(10)) // 10 steps = 5 µm = 0.005 mm
	steps, err := stage.PositionSteps()
	require.NoError(t, err)
	assert.Equal(t, int64(25), steps) // 12.5 µm at 0.5 µm per step
	assert.Equal(t, []string{"1PA0.005", "1PA?"}, port.sent())
}

// The status byte's bit 2 flags motion in progress. '4' has it set, '0' not.
func TestBusyReadsStatusBit(t *testing.T) {
	stage := NewZStage(newFakePort("4", "0"), Config{})

	busy, err := stage.Busy()
	require.NoError(t, err)
	assert.True(t, busy)

	busy, err = stage.Busy()
	require.NoError(t, err)
	assert.False(t, busy)
}

func TestWaitUntilIdleTimesOut(t *testing.T) {
	replies := make([]string, 200)
	for i := range replies {
		replies[i] = "4" // forever busy
	}
	stage := NewZStage(newFakePort(replies...), Config{PollInterval: time.Millisecond})

	err := stage.WaitUntilIdle(10 * time.Millisecond)
	assert.True(t, errors.Is(err, ErrTimeout), "got %v, want ErrTimeout", err)
}

func TestHomeWaitsForIdle(t *testing.T) {
	port := newFakePort("4", "0") // busy once, then idle
	stage := NewZStage(port, Config{PollInterval: time.Millisecond})

	require.NoError(t, stage.Home())
	assert.Equal(t, []string{"1OR", "1TS", "1TS"}, port.sent())
}

func TestVelocityRoundTrip(t *testing.T) {
	port := newFakePort("0.5")
	stage := NewZStage(port, Config{})

	require.NoError(t, stage.SetVelocity(0.5))
	v, err := stage.Velocity()
	require.NoError(t, err)
	assert.InDelta(t, 0.5, v, 1e-9)
	assert.Equal(t, []string{"1VA0.5", "1VA?"}, port.sent())
}

func TestLastErrorNoError(t *testing.T) {
	// The controller may echo the command before the code character.
	for _, reply := range []string{"@", "1TE@"} {
		stage := NewZStage(newFakePort(reply), Config{})
		assert.NoError(t, stage.LastError(), "reply %q should mean no error", reply)
	}
}

func TestLastErrorReportsCode(t *testing.T) {
	stage := NewZStage(newFakePort("1TEC"), Config{})
	err := stage.LastError()
	var cerr *ControllerError
	require.True(t, errors.As(err, &cerr), "got %v, want a ControllerError", err)
	assert.Equal(t, "C", cerr.Code)
}

func TestLastErrorHomesUnreferencedStage(t *testing.T) {
	// "H" means unreferenced: LastError homes the stage and queries again.
	port := newFakePort("H", "0", "@")
	stage := NewZStage(port, Config{PollInterval: time.Millisecond})

	require.NoError(t, stage.LastError())
	assert.Equal(t, []string{"1TE", "1OR", "1TS", "1TE"}, port.sent())
}

func TestLastErrorGivesUpAfterBoundedHoming(t *testing.T) {
	// The stage keeps answering "H" no matter how often it is homed. The
	// retry loop must terminate rather than recurse forever.
	replies := []string{"H"}
	for i := 0; i < maxHomeRetries; i++ {
		replies = append(replies, "0", "H") // homing idle poll, then still "H"
	}
	port := newFakePort(replies...)
	stage := NewZStage(port, Config{PollInterval: time.Millisecond})

	err := stage.LastError()
	var cerr *ControllerError
	require.True(t, errors.As(err, &cerr), "got %v, want a ControllerError", err)
	assert.Equal(t, "H", cerr.Code)

	queries := 0
	for _, line := range port.sent() {
		if line == "1TE" {
			queries++
		}
	}
	assert.Equal(t, maxHomeRetries+1, queries, "error register queries")
}

func TestInitializeHomesAndReadsPosition(t *testing.T) {
	port := newFakePort("0", "0.0")
	stage := NewZStage(port, Config{PollInterval: time.Millisecond})

	require.NoError(t, stage.Initialize())
	assert.Equal(t, []string{"1OR", "1TS", "1PA?"}, port.sent())
}

func TestLimitsInMicrometers(t *testing.T) {
	stage := NewZStage(newFakePort(), Config{})
	lower, upper := stage.Limits()
	assert.Equal(t, -50000.0, lower)
	assert.Equal(t, 50000.0, upper)
}

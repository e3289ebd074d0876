package scopehub

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
)

// AcqState is used to indicate the active/inactive/transition state of the
// acquisition loop.
type AcqState int

// Names for the possible values of AcqState
const (
	Idle     AcqState = iota // No acquisition in progress
	Starting                 // Loop is in transition to Running state
	Running                  // Loop is actively producing frames
	Stopping                 // Loop is in transition to Idle state
)

func (s AcqState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	}
	return fmt.Sprintf("AcqState(%d)", int(s))
}

// ErrBusy is returned by Start when a session is already active.
var ErrBusy = errors.New("acquisition already in progress")

// ErrBufferFull is the recoverable overflow signal from a FrameBuffer.
// Any other non-nil Enqueue error is fatal to the current session.
var ErrBufferFull = errors.New("frame buffer is full")

// FrameBuffer is the contract of the host-owned circular image buffer the
// acquisition loop fills. Enqueue returns nil, ErrBufferFull on overflow, or
// another error for unrecoverable conditions. Clear discards all pending
// frames. Enqueue may block transiently; the loop treats it as opaque.
type FrameBuffer interface {
	Enqueue(pix []byte, width, height, bytesPerPixel int, md Metadata) error
	Clear()
}

// AcquisitionSession is the transient state of one Start-to-Stop cycle. It
// is created by Start and owned exclusively by the worker goroutine until
// the loop exits; only frameCount is shared (atomically) for status queries.
type AcquisitionSession struct {
	id             string
	label          string
	startTime      time.Time
	requested      int // <0 means unbounded
	interval       time.Duration
	stopOnOverflow bool
	frameCount     atomic.Int64
}

// AcquisitionLoop owns the continuous-acquisition state machine: a single
// background worker that snaps synthetic frames, tags them, and pushes them
// into a FrameBuffer until told to stop, the frame budget is exhausted, or
// an enqueue fails fatally.
type AcquisitionLoop struct {
	source       *FrameSource
	buffer       FrameBuffer
	label        string
	channelNames []string

	state     AcqState
	stateLock sync.Mutex // guards state, session, abort
	session   *AcquisitionSession
	abort     chan struct{}  // signal to the worker to stop
	runDone   sync.WaitGroup // lets Stop wait for the worker to fully exit
}

// NewAcquisitionLoop wires a frame source to the host frame buffer under the
// given device label. Channel names default to chan0, chan1, ...
func NewAcquisitionLoop(source *FrameSource, buffer FrameBuffer, label string) *AcquisitionLoop {
	al := &AcquisitionLoop{source: source, buffer: buffer, label: label}
	al.channelNames = make([]string, source.nchan)
	for i := 0; i < source.nchan; i++ {
		al.channelNames[i] = fmt.Sprintf("chan%d", i)
	}
	return al
}

// setStateStarting moves Idle to Starting in a race-free fashion. Any other
// prior state means a session is active, so Start must be rejected.
func (al *AcquisitionLoop) setStateStarting() error {
	al.stateLock.Lock()
	defer al.stateLock.Unlock()
	if al.state == Idle {
		al.state = Starting
		return nil
	}
	return fmt.Errorf("%w (state is %v, not Idle)", ErrBusy, al.state)
}

// runDoneActivate marks the loop Running and registers the worker with the
// join group. Called only from Start.
func (al *AcquisitionLoop) runDoneActivate() {
	al.stateLock.Lock()
	defer al.stateLock.Unlock()
	al.state = Running
	al.runDone.Add(1)
}

// runDoneDeactivate returns the loop to Idle and releases anyone blocked in
// Stop. Deferred by the worker so every exit path lands in Idle.
func (al *AcquisitionLoop) runDoneDeactivate() {
	al.stateLock.Lock()
	al.state = Idle
	al.session = nil
	al.runDone.Done()
	al.stateLock.Unlock()
}

// GetState returns the state value in a race-free fashion.
func (al *AcquisitionLoop) GetState() AcqState {
	al.stateLock.Lock()
	defer al.stateLock.Unlock()
	return al.state
}

// IsRunning is true exactly while the loop is in the Running state.
func (al *AcquisitionLoop) IsRunning() bool {
	return al.GetState() == Running
}

// FrameCount returns the number of complete frames delivered so far in the
// current session, or the value 0 when no session is active.
func (al *AcquisitionLoop) FrameCount() int64 {
	al.stateLock.Lock()
	defer al.stateLock.Unlock()
	if al.session == nil {
		return 0
	}
	return al.session.frameCount.Load()
}

// SessionID returns the ULID of the current session, or "" when idle.
func (al *AcquisitionLoop) SessionID() string {
	al.stateLock.Lock()
	defer al.stateLock.Unlock()
	if al.session == nil {
		return ""
	}
	return al.session.id
}

// Start begins a new acquisition session of numFrames frames (numFrames < 0
// means unbounded) paced by interval. It returns ErrBusy if a session is
// already active. With stopOnOverflow set, the first buffer overflow ends
// the session instead of triggering the clear-and-retry policy.
func (al *AcquisitionLoop) Start(numFrames int, interval time.Duration, stopOnOverflow bool) error {
	if err := al.setStateStarting(); err != nil {
		return err
	}

	session := &AcquisitionSession{
		id:             ulid.Make().String(),
		label:          al.label,
		startTime:      time.Now(),
		requested:      numFrames,
		interval:       interval,
		stopOnOverflow: stopOnOverflow,
	}
	abort := make(chan struct{})

	al.stateLock.Lock()
	al.session = session
	al.abort = abort
	al.stateLock.Unlock()

	al.runDoneActivate() // the worker calls runDoneDeactivate when it exits
	go al.run(session, abort)
	return nil
}

// Stop tells the worker to stop and blocks until it has fully exited. After
// Stop returns, no further frame is enqueued. Stopping an idle loop is a
// no-op, since the host calls Stop defensively.
func (al *AcquisitionLoop) Stop() error {
	al.stateLock.Lock()
	switch al.state {
	case Idle:
		al.stateLock.Unlock()
		return nil
	case Stopping:
		// Another Stop is already in flight; just join it.
		al.stateLock.Unlock()
		al.runDone.Wait()
		return nil
	}
	al.state = Stopping
	closeIfOpen(al.abort)
	al.stateLock.Unlock()

	al.runDone.Wait()
	return nil
}

func closeIfOpen(c chan struct{}) {
	select {
	case <-c:
		ProblemLogger.Println("warning: tried to close the abort channel twice, but scopehub outsmarted you")
	default:
		close(c)
	}
}

// run is the worker body. Each iteration observes the stop flag at the loop
// boundary (never mid-frame), paces itself to the session interval, produces
// one frame, and enqueues every channel in increasing channel order.
func (al *AcquisitionLoop) run(session *AcquisitionSession, abort chan struct{}) {
	defer al.runDoneDeactivate()

	nextFrame := session.startTime
	for {
		select {
		case <-abort:
			return
		default:
		}

		// Budget check up front so Start(0) delivers no frames at all.
		frameIndex := session.frameCount.Load()
		if session.requested >= 0 && frameIndex >= int64(session.requested) {
			return // frame budget reached: self-stop
		}

		if session.interval > 0 {
			waittime := time.Until(nextFrame)
			if waittime > 0 {
				select {
				case <-abort:
					return
				case <-time.After(waittime):
				}
			}
			nextFrame = nextFrame.Add(session.interval)
		}

		frame := al.source.Produce()
		captureTime := time.Now()
		for ch := 0; ch < frame.Nchan(); ch++ {
			plane, err := frame.Plane(ch)
			if err != nil {
				ProblemLogger.Printf("session %s cannot read channel plane, stopping: %v", session.id, err)
				return
			}
			md := buildMetadata(session, frameIndex, ch, al.channelNames[ch], captureTime)
			if err := al.enqueue(frame, plane, md, session); err != nil {
				return
			}
		}

		session.frameCount.Add(1)
	}
}

// enqueue submits one channel's plane to the frame buffer, applying the
// overflow policy: clear the whole buffer once and retry the same enqueue
// exactly once. A second overflow, or any other error, is fatal to the
// session. There is deliberately no unbounded retry, which could livelock
// against a consumer that never drains.
func (al *AcquisitionLoop) enqueue(frame *Frame, plane []byte, md Metadata, session *AcquisitionSession) error {
	err := al.buffer.Enqueue(plane, frame.Width(), frame.Height(), frame.BytesPerPixel(), md)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrBufferFull) {
		ProblemLogger.Printf("session %s enqueue failed, stopping: %v", session.id, err)
		return err
	}
	if session.stopOnOverflow {
		UpdateLogger.Printf("session %s ended on buffer overflow (stopOnOverflow set)", session.id)
		return err
	}

	al.buffer.Clear()
	if err := al.buffer.Enqueue(plane, frame.Width(), frame.Height(), frame.BytesPerPixel(), md); err != nil {
		ProblemLogger.Printf("session %s frame buffer overflowed again after clear, stopping: %v", session.id, err)
		return err
	}
	return nil
}

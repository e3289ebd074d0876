package scopehub

import (
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sync"
	"time"

	"github.com/openmicro/scopehub/internal/sessiondb"
	"github.com/openmicro/scopehub/newport"
)

// DeviceControl is the RPC receiver that handles configuration and operation
// of the scopehub devices (the fake camera and, when attached, the Z stage).
type DeviceControl struct {
	camera *FakeCamera
	stage  *newport.ZStage // nil when no stage is attached
	db     *sessiondb.Connection

	mu       sync.Mutex // guards status, session, observed
	status   ServerStatus
	session  *sessiondb.SessionMessage // last session handed to the db
	observed int64                     // last frame count seen while running
}

// ServerStatus is the status that DeviceControl reports to clients.
type ServerStatus struct {
	Running       bool
	CameraName    string
	SessionID     string
	Nchannels     int
	FrameCount    int64
	ExposureMs    float64
	StageAttached bool
}

// NewDeviceControl wires the RPC receiver. stage may be nil; db may be a
// sessiondb.DummyConnection.
func NewDeviceControl(camera *FakeCamera, stage *newport.ZStage, db *sessiondb.Connection) *DeviceControl {
	if db == nil {
		db = sessiondb.DummyConnection()
	}
	return &DeviceControl{camera: camera, stage: stage, db: db}
}

// AcquisitionRequest holds the arguments of StartAcquisition.
type AcquisitionRequest struct {
	NFrames        int // <0 means unbounded
	IntervalMs     float64
	StopOnOverflow bool
}

// StartAcquisition begins continuous acquisition. Fails with ErrBusy while a
// session is active.
func (s *DeviceControl) StartAcquisition(args *AcquisitionRequest, reply *bool) error {
	UpdateLogger.Printf("StartAcquisition: %d frames, interval=%.3f ms", args.NFrames, args.IntervalMs)
	interval := time.Duration(args.IntervalMs * float64(time.Millisecond))
	if err := s.camera.StartAcquisition(args.NFrames, interval, args.StopOnOverflow); err != nil {
		return err
	}
	cfg := s.camera.Config()
	session := &sessiondb.SessionMessage{
		ID:        s.camera.SessionID(),
		Camera:    CameraName,
		Nchan:     cfg.Nchan,
		Requested: args.NFrames,
		Start:     time.Now(),
	}
	s.mu.Lock()
	s.session = session
	s.mu.Unlock()
	s.db.RecordSession(session)
	s.broadcastStatus()
	*reply = true
	return nil
}

// StopAcquisition stops the running session, if any, and returns only after
// the acquisition worker has fully exited.
func (s *DeviceControl) StopAcquisition(dummy *string, reply *bool) error {
	UpdateLogger.Printf("StopAcquisition")
	delivered := s.camera.FrameCount()
	if err := s.camera.StopAcquisition(); err != nil {
		return err
	}
	s.finishSession(delivered)
	s.broadcastStatus()
	*reply = true
	return nil
}

// IsAcquiring reports whether a session is running.
func (s *DeviceControl) IsAcquiring(dummy *string, reply *bool) error {
	*reply = s.camera.IsAcquiring()
	return nil
}

// SnapImage captures a single synchronous frame outside the loop.
func (s *DeviceControl) SnapImage(dummy *string, reply *bool) error {
	if err := s.camera.SnapImage(); err != nil {
		return err
	}
	*reply = true
	return nil
}

// SnapshotRequest holds the arguments of SaveSnapshot.
type SnapshotRequest struct {
	Path    string
	Channel int
}

// SaveSnapshot writes the most recent frame plane for a channel to a NumPy
// file at the given path.
func (s *DeviceControl) SaveSnapshot(args *SnapshotRequest, reply *bool) error {
	f, err := os.Create(args.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := s.camera.SaveSnapshot(f, args.Channel); err != nil {
		return err
	}
	UpdateLogger.Printf("SaveSnapshot: wrote channel %d to %s", args.Channel, args.Path)
	*reply = true
	return nil
}

// ConfigureCamera replaces the camera geometry; rejected while acquiring.
func (s *DeviceControl) ConfigureCamera(args *CameraConfig, reply *bool) error {
	UpdateLogger.Printf("ConfigureCamera: %dx%d, %d B/px, %d channels",
		args.Width, args.Height, args.BytesPerPixel, args.Nchan)
	if err := s.camera.Configure(*args); err != nil {
		return err
	}
	s.broadcastStatus()
	*reply = true
	return nil
}

// SetExposure changes the camera exposure time in milliseconds.
func (s *DeviceControl) SetExposure(ms *float64, reply *bool) error {
	s.camera.SetExposure(*ms)
	s.broadcastStatus()
	*reply = true
	return nil
}

func (s *DeviceControl) requireStage() error {
	if s.stage == nil {
		return fmt.Errorf("no stage is attached to this scopehub instance")
	}
	return nil
}

// StageMoveTo moves the stage to an absolute position in µm.
func (s *DeviceControl) StageMoveTo(um *float64, reply *bool) error {
	if err := s.requireStage(); err != nil {
		return err
	}
	if err := s.stage.MoveTo(*um); err != nil {
		return err
	}
	*reply = true
	return nil
}

// StageMoveBy moves the stage by a relative distance in µm.
func (s *DeviceControl) StageMoveBy(um *float64, reply *bool) error {
	if err := s.requireStage(); err != nil {
		return err
	}
	if err := s.stage.MoveBy(*um); err != nil {
		return err
	}
	*reply = true
	return nil
}

// StagePosition returns the current stage position in µm.
func (s *DeviceControl) StagePosition(dummy *string, reply *float64) error {
	if err := s.requireStage(); err != nil {
		return err
	}
	um, err := s.stage.Position()
	if err != nil {
		return err
	}
	*reply = um
	return nil
}

// StageHome homes the stage and waits for the move to finish.
func (s *DeviceControl) StageHome(dummy *string, reply *bool) error {
	if err := s.requireStage(); err != nil {
		return err
	}
	if err := s.stage.Home(); err != nil {
		return err
	}
	*reply = true
	return nil
}

// SetStageVelocity sets the stage velocity in mm/s.
func (s *DeviceControl) SetStageVelocity(v *float64, reply *bool) error {
	if err := s.requireStage(); err != nil {
		return err
	}
	if err := s.stage.SetVelocity(*v); err != nil {
		return err
	}
	*reply = true
	return nil
}

// SendAllStatus causes a broadcast to clients containing all broadcastable
// status info.
func (s *DeviceControl) SendAllStatus(dummy *string, reply *bool) error {
	s.broadcastStatus()
	*reply = true
	return nil
}

// broadcastStatus snapshots the device state and publishes it. It also
// notices a session that stopped on its own (frame budget or fatal enqueue
// error) and finishes its database row.
func (s *DeviceControl) broadcastStatus() {
	s.mu.Lock()
	running := s.camera.IsAcquiring()
	if running {
		s.observed = s.camera.FrameCount()
	} else if s.session != nil {
		s.finishSessionLocked(s.observed)
	}
	cfg := s.camera.Config()
	s.status = ServerStatus{
		Running:       running,
		CameraName:    CameraName,
		SessionID:     s.camera.SessionID(),
		Nchannels:     cfg.Nchan,
		FrameCount:    s.camera.FrameCount(),
		ExposureMs:    cfg.ExposureMs,
		StageAttached: s.stage != nil,
	}
	status := s.status
	s.mu.Unlock()
	PublishUpdate("STATUS", status)
}

func (s *DeviceControl) finishSession(delivered int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishSessionLocked(delivered)
}

func (s *DeviceControl) finishSessionLocked(delivered int64) {
	if s.session == nil {
		return
	}
	s.session.Delivered = delivered
	s.db.FinishSession(s.session)
	s.session = nil
	s.observed = 0
}

// RunRPCServer sets up and runs a permanent JSON-RPC server for the given
// device control object.
func RunRPCServer(deviceControl *DeviceControl, portrpc int) {
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			deviceControl.broadcastStatus()
		}
	}()

	// Now launch the connection handler and accept connections.
	server := rpc.NewServer()
	if err := server.Register(deviceControl); err != nil {
		ProblemLogger.Fatal("could not register DeviceControl RPC service: ", err)
	}
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", portrpc))
	if err != nil {
		ProblemLogger.Fatal("listen error: ", err)
	}
	for {
		conn, err := listener.Accept()
		if err != nil {
			ProblemLogger.Fatal("accept error: " + err.Error())
		}
		UpdateLogger.Printf("new RPC connection established")
		go server.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

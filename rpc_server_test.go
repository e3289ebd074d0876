package scopehub

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestControl(t *testing.T) *DeviceControl {
	t.Helper()
	camera := newTestCamera(t, &scriptedBuffer{})
	return NewDeviceControl(camera, nil, nil)
}

func TestRPCAcquisitionRoundTrip(t *testing.T) {
	control := newTestControl(t)
	dummy := ""
	var ok bool

	if err := control.IsAcquiring(&dummy, &ok); err != nil || ok {
		t.Fatalf("IsAcquiring before start: ok=%v, err=%v", ok, err)
	}

	req := &AcquisitionRequest{NFrames: -1, IntervalMs: 0.1}
	if err := control.StartAcquisition(req, &ok); err != nil {
		t.Fatalf("StartAcquisition failed: %v", err)
	}
	if err := control.IsAcquiring(&dummy, &ok); err != nil || !ok {
		t.Fatalf("IsAcquiring after start: ok=%v, err=%v", ok, err)
	}
	if err := control.StartAcquisition(req, &ok); err == nil {
		t.Error("second StartAcquisition should fail while a session runs")
	}
	if err := control.SnapImage(&dummy, &ok); err == nil {
		t.Error("SnapImage should fail while a session runs")
	}

	if err := control.StopAcquisition(&dummy, &ok); err != nil {
		t.Fatalf("StopAcquisition failed: %v", err)
	}
	if err := control.IsAcquiring(&dummy, &ok); err != nil || ok {
		t.Fatalf("IsAcquiring after stop: ok=%v, err=%v", ok, err)
	}
	// A new session may start once the previous one is fully stopped.
	if err := control.StartAcquisition(req, &ok); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if err := control.StopAcquisition(&dummy, &ok); err != nil {
		t.Fatalf("second StopAcquisition failed: %v", err)
	}
}

func TestRPCBoundedSessionFinishesOnItsOwn(t *testing.T) {
	control := newTestControl(t)
	var ok bool

	req := &AcquisitionRequest{NFrames: 3, IntervalMs: 0.1}
	if err := control.StartAcquisition(req, &ok); err != nil {
		t.Fatalf("StartAcquisition failed: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for control.camera.IsAcquiring() {
		if time.Now().After(deadline) {
			t.Fatal("bounded session did not finish in 5s")
		}
		time.Sleep(time.Millisecond)
	}
	// The periodic status broadcast notices the self-stopped session and
	// closes out its record.
	control.broadcastStatus()
	control.mu.Lock()
	defer control.mu.Unlock()
	if control.session != nil {
		t.Error("session record was not finished after the loop self-stopped")
	}
	if control.status.Running {
		t.Error("status still reports Running after the loop self-stopped")
	}
}

func TestRPCSnapshotToFile(t *testing.T) {
	control := newTestControl(t)
	dummy := ""
	var ok bool

	if err := control.SnapImage(&dummy, &ok); err != nil {
		t.Fatalf("SnapImage failed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "plane1.npy")
	if err := control.SaveSnapshot(&SnapshotRequest{Path: path, Channel: 1}, &ok); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("snapshot file missing: %v", err)
	}
	if info.Size() == 0 {
		t.Error("snapshot file is empty")
	}
}

func TestRPCConfigureAndExposure(t *testing.T) {
	control := newTestControl(t)
	var ok bool

	cfg := CameraConfig{Width: 8, Height: 8, BytesPerPixel: 1, Nchan: 2, ExposureMs: 4}
	if err := control.ConfigureCamera(&cfg, &ok); err != nil {
		t.Fatalf("ConfigureCamera failed: %v", err)
	}
	if got := control.camera.Nchan(); got != 2 {
		t.Errorf("Nchan = %d after ConfigureCamera, want 2", got)
	}
	ms := 2.5
	if err := control.SetExposure(&ms, &ok); err != nil {
		t.Fatalf("SetExposure failed: %v", err)
	}
	if got := control.camera.Exposure(); got != 2.5 {
		t.Errorf("Exposure = %g, want 2.5", got)
	}
}

func TestRPCStageCallsRequireAttachedStage(t *testing.T) {
	control := newTestControl(t)
	dummy := ""
	um := 10.0
	var ok bool
	var pos float64

	if err := control.StageMoveTo(&um, &ok); err == nil {
		t.Error("StageMoveTo should fail with no stage attached")
	}
	if err := control.StageMoveBy(&um, &ok); err == nil {
		t.Error("StageMoveBy should fail with no stage attached")
	}
	if err := control.StagePosition(&dummy, &pos); err == nil {
		t.Error("StagePosition should fail with no stage attached")
	}
	if err := control.StageHome(&dummy, &ok); err == nil {
		t.Error("StageHome should fail with no stage attached")
	}
	if err := control.SendAllStatus(&dummy, &ok); err != nil {
		t.Errorf("SendAllStatus failed: %v", err)
	}
	control.mu.Lock()
	defer control.mu.Unlock()
	if control.status.StageAttached {
		t.Error("status claims a stage is attached")
	}
}

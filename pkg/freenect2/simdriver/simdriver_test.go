package simdriver

import (
	"testing"
	"time"

	"github.com/video-system/go-depth-capture/pkg/freenect2"
)

func openSim(t *testing.T, cfg Config) (*freenect2.Manager, *Driver, *freenect2.Device) {
	t.Helper()
	if len(cfg.Devices) == 0 {
		cfg.Devices = []DeviceInfo{{Serial: "SIM0001"}}
	}
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Millisecond
	}
	drv := New(cfg)
	m := freenect2.NewManager(drv)
	t.Cleanup(func() { m.Close() })
	dev, err := m.OpenDevice(0, nil)
	if err != nil {
		t.Fatalf("OpenDevice: %v", err)
	}
	return m, drv, dev
}

func TestDefaults(t *testing.T) {
	drv := New(Config{Devices: []DeviceInfo{{}}})
	serial, _ := drv.SerialAt(0)
	if serial != "SIM0001" {
		t.Errorf("serial = %q", serial)
	}
	if drv.cfg.Devices[0].Color != freenect2.DefaultColorCameraParams() {
		t.Error("color intrinsics not defaulted")
	}
}

func TestFreeCountsDoubleFree(t *testing.T) {
	drv := New(Config{})
	buf, _ := drv.AllocFrame(2, 2, 4)
	drv.FreeFrame(buf)
	drv.FreeFrame(buf)
	st := drv.Stats()
	if st.Allocs != 1 || st.Frees != 1 || st.DoubleFrees != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestSeparateListenersPerGroup(t *testing.T) {
	_, drv, dev := openSim(t, Config{})
	colorL, _ := freenect2.NewListener(freenect2.Color)
	depthL, _ := freenect2.NewListener(freenect2.Ir | freenect2.Depth)
	dev.SetColorFrameListener(colorL)
	dev.SetIrAndDepthFrameListener(depthL)
	if err := dev.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	cs, err := colorL.WaitForNewFrameTimeout(nil, 2*time.Second)
	if err != nil {
		t.Fatalf("color wait: %v", err)
	}
	ds, err := depthL.WaitForNewFrameTimeout(nil, 2*time.Second)
	if err != nil {
		t.Fatalf("depth wait: %v", err)
	}
	c, _ := cs.Get(freenect2.Color)
	if c.Width() != freenect2.ColorWidth || c.Exposure() == 0 {
		t.Errorf("color metadata = %+v", c.Metadata())
	}
	d, _ := ds.Get(freenect2.Depth)
	dv, err := d.FloatView()
	if err != nil {
		t.Fatalf("FloatView: %v", err)
	}
	if got := dv.At(TargetX(d.Sequence()), freenect2.DepthHeight/2); got != targetMM {
		t.Errorf("depth at target = %v, want %v", got, targetMM)
	}
	cs.Release()
	ds.Release()

	dev.Close()
	if st := drv.Stats(); st.Live() != 0 || st.DoubleFrees != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestDeliverSets(t *testing.T) {
	_, _, dev := openSim(t, Config{DeliverSets: true})
	l, _ := freenect2.NewListener(freenect2.Color | freenect2.Ir | freenect2.Depth)
	dev.SetColorFrameListener(l)
	dev.SetIrAndDepthFrameListener(l)
	dev.Start()

	set, err := l.WaitForNewFrameTimeout(nil, 2*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if set.Len() != 3 {
		t.Errorf("set has %d frames, want 3", set.Len())
	}
	set.Release()
}

func TestPoolExhaustionDrops(t *testing.T) {
	_, drv, dev := openSim(t, Config{PoolSize: 1, Interval: 2 * time.Millisecond})
	l, _ := freenect2.NewListener(freenect2.Ir | freenect2.Depth)
	dev.SetIrAndDepthFrameListener(l)
	dev.Start()

	held, err := l.WaitForNewFrameTimeout(nil, 2*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if l.HasNewFrame() {
		t.Error("new frame produced while the only buffer is held")
	}
	held.Release()

	next, err := l.WaitForNewFrameTimeout(nil, 2*time.Second)
	if err != nil {
		t.Fatalf("wait after release: %v", err)
	}
	next.Release()

	dev.Close()
	if st := drv.Stats(); st.Allocs != 3 || st.Live() != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestDepthRangeClipping(t *testing.T) {
	_, _, dev := openSim(t, Config{})
	cfg := freenect2.DefaultDeviceConfig()
	cfg.MaxDepth = 2
	if err := dev.SetConfig(cfg); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	l, _ := freenect2.NewListener(freenect2.Depth)
	dev.SetIrAndDepthFrameListener(l)
	dev.Start()

	set, err := l.WaitForNewFrameTimeout(nil, 2*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	defer set.Release()
	d, _ := set.Get(freenect2.Depth)
	dv, _ := d.FloatView()
	if got := dv.At(0, 0); got != 0 {
		t.Errorf("background beyond max depth = %v, want 0", got)
	}
}

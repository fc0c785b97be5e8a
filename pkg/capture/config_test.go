package capture

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/video-system/go-depth-capture/pkg/freenect2"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("{}"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	if cfg.Driver != "sim" {
		t.Errorf("Driver = %q, want sim", cfg.Driver)
	}
	if cfg.IsMultiDevice() {
		t.Error("empty config should be single device")
	}
	if cfg.Device.ID != "default" || cfg.Device.Pipeline != "cpu" {
		t.Errorf("Device = %+v", cfg.Device)
	}
	types, err := cfg.Device.FrameTypes()
	if err != nil || types != freenect2.Color|freenect2.Ir|freenect2.Depth {
		t.Errorf("FrameTypes = %v, %v", types, err)
	}
	if !cfg.Registration.Enabled || !cfg.Registration.Filter {
		t.Errorf("Registration = %+v, want enabled with filter", cfg.Registration)
	}
	if cfg.Listener.WaitTimeout != 2*time.Second {
		t.Errorf("WaitTimeout = %v", cfg.Listener.WaitTimeout)
	}
	if len(cfg.Outputs) != 1 || cfg.Outputs[0] != "framestore" {
		t.Errorf("Outputs = %v", cfg.Outputs)
	}
	if cfg.Store.Every != 15 || cfg.Store.Level != "fastest" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if len(cfg.Sim.Devices) != 1 || cfg.Sim.Devices[0].Serial != "SIM0001" {
		t.Errorf("Sim.Devices = %+v", cfg.Sim.Devices)
	}
	if cfg.Device.Selector() != 0 {
		t.Errorf("Selector = %v, want index 0", cfg.Device.Selector())
	}
}

func TestParseConfigMultiDevice(t *testing.T) {
	data := `
devices:
  - serial: "A1"
    channels: [depth]
    max_depth: 2.5
    bilateral_filter: false
  - id: side
    index: 1
    pipeline: opencl
registration:
  enabled: false
`
	cfg, err := ParseConfig([]byte(data))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if !cfg.IsMultiDevice() || len(cfg.Devices) != 2 {
		t.Fatalf("Devices = %+v", cfg.Devices)
	}

	first := cfg.Devices[0]
	if first.ID != "device0" || first.Selector() != "A1" {
		t.Errorf("first device = %+v", first)
	}
	settings := first.DeviceSettings()
	if settings.MaxDepth != 2.5 || settings.EnableBilateralFilter {
		t.Errorf("DeviceSettings = %+v", settings)
	}
	if !settings.EnableEdgeAwareFilter {
		t.Error("edge aware filter should keep its default")
	}
	if cfg.Devices[1].Selector() != 1 || cfg.Devices[1].Pipeline != "opencl" {
		t.Errorf("second device = %+v", cfg.Devices[1])
	}
	if cfg.Registration.Enabled {
		t.Error("registration should be disabled")
	}
	if !cfg.Registration.Filter {
		t.Error("filter default should survive a partial registration block")
	}
}

func TestParseConfigExpandsEnv(t *testing.T) {
	t.Setenv("DEPTH_STORE", "/tmp/depth-store")
	cfg, err := ParseConfig([]byte("store:\n  path: ${DEPTH_STORE}\n"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Store.Path != "/tmp/depth-store" {
		t.Errorf("Store.Path = %q", cfg.Store.Path)
	}
}

func TestParseConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"driver", "driver: kinect", "unknown driver"},
		{"pipeline", "device:\n  pipeline: cuda", "cuda"},
		{"channel", "device:\n  channels: [thermal]", "thermal"},
		{"duplicate", "devices:\n  - id: a\n  - id: a", "duplicate"},
		{"output", "outputs: [\" \"]", "empty output"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.data))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("driver: sim\nstream:\n  depth_threshold: 800\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Stream.DepthThreshold != 800 {
		t.Errorf("DepthThreshold = %v", cfg.Stream.DepthThreshold)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

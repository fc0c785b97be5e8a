package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/video-system/go-depth-capture/pkg/capture"
	"github.com/video-system/go-depth-capture/pkg/output"
)

type fakeManager struct {
	preview   *image.NRGBA
	records   []output.Record
	filter    *bool
	threshold *float32
}

func (f *fakeManager) SessionID() string { return "sess-1" }

func (f *fakeManager) GetAllStatuses() map[string]capture.SessionStatus {
	return map[string]capture.SessionStatus{
		"default": {ID: "default", Serial: "SIM0001", IsRunning: true, Frames: 42},
	}
}

func (f *fakeManager) Devices() ([]capture.DeviceInfo, error) {
	return []capture.DeviceInfo{{Index: 0, Serial: "SIM0001", Open: true}}, nil
}

func (f *fakeManager) Preview(id string) (*image.NRGBA, time.Time, error) {
	if id != "default" {
		return nil, time.Time{}, fmt.Errorf("%w: %s", capture.ErrSessionNotFound, id)
	}
	if f.preview == nil {
		return nil, time.Time{}, capture.ErrNoPreview
	}
	return f.preview, time.Now(), nil
}

func (f *fakeManager) Captures(id string) ([]output.Record, error) {
	if id != "default" {
		return nil, fmt.Errorf("%w: %s", capture.ErrSessionNotFound, id)
	}
	return f.records, nil
}

func (f *fakeManager) UpdateTunables(filter *bool, threshold *float32) {
	f.filter, f.threshold = filter, threshold
}

func serve(t *testing.T, m SessionManager, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	s := NewServer(ServerConfig{Manager: m})
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	rec := serve(t, &fakeManager{}, http.MethodGet, "/api/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	var got struct {
		SessionID string                           `json:"session_id"`
		Sessions  map[string]capture.SessionStatus `json:"sessions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SessionID != "sess-1" || got.Sessions["default"].Frames != 42 {
		t.Errorf("status = %+v", got)
	}

	rec = serve(t, &fakeManager{}, http.MethodPost, "/api/v1/status", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status code = %d", rec.Code)
	}
}

func TestDevices(t *testing.T) {
	rec := serve(t, &fakeManager{}, http.MethodGet, "/api/v1/devices", "")
	var devices []capture.DeviceInfo
	if err := json.NewDecoder(rec.Body).Decode(&devices); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(devices) != 1 || devices[0].Serial != "SIM0001" {
		t.Errorf("devices = %+v", devices)
	}
}

func TestTunables(t *testing.T) {
	m := &fakeManager{}
	rec := serve(t, m, http.MethodPost, "/api/v1/tunables", `{"depth_threshold": 1200}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d: %s", rec.Code, rec.Body)
	}
	if m.filter != nil {
		t.Error("filter should be left unchanged")
	}
	if m.threshold == nil || *m.threshold != 1200 {
		t.Errorf("threshold = %v", m.threshold)
	}

	rec = serve(t, m, http.MethodPost, "/api/v1/tunables", `{"depth_threshold": -1}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("negative threshold status code = %d", rec.Code)
	}
}

func TestPreview(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 64, 32))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	m := &fakeManager{preview: img}

	rec := serve(t, m, http.MethodGet, "/api/v1/sessions/default/preview.jpg?width=16", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d: %s", rec.Code, rec.Body)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q", ct)
	}
	decoded, err := jpeg.Decode(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("jpeg.Decode: %v", err)
	}
	if b := decoded.Bounds(); b.Dx() != 16 || b.Dy() != 8 {
		t.Errorf("resized bounds = %v", b)
	}
	r, _, _, _ := color.NRGBAModel.Convert(decoded.At(8, 4)).RGBA()
	if r>>8 < 0x70 || r>>8 > 0x90 {
		t.Errorf("pixel red = %#x", r>>8)
	}

	rec = serve(t, m, http.MethodGet, "/api/v1/sessions/default/preview.jpg?width=100000", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("oversized width status code = %d", rec.Code)
	}
	decoded, err = jpeg.Decode(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("jpeg.Decode: %v", err)
	}
	if b := decoded.Bounds(); b.Dx() != 64 || b.Dy() != 32 {
		t.Errorf("oversized width bounds = %v, want source size", b)
	}

	if rec := serve(t, m, http.MethodGet, "/api/v1/sessions/default/preview.jpg?width=x", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad width status code = %d", rec.Code)
	}
	if rec := serve(t, m, http.MethodGet, "/api/v1/sessions/other/preview.jpg", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown session status code = %d", rec.Code)
	}
	if rec := serve(t, &fakeManager{}, http.MethodGet, "/api/v1/sessions/default/preview.jpg", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("no preview status code = %d", rec.Code)
	}
}

func TestCaptures(t *testing.T) {
	m := &fakeManager{records: []output.Record{{ID: "a", Sequence: 7, Channels: []string{"depth"}}}}
	rec := serve(t, m, http.MethodGet, "/api/v1/sessions/default/captures", "")
	var records []output.Record
	if err := json.NewDecoder(rec.Body).Decode(&records); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(records) != 1 || records[0].Sequence != 7 {
		t.Errorf("records = %+v", records)
	}

	if rec := serve(t, m, http.MethodGet, "/api/v1/sessions/default/nothing", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown route status code = %d", rec.Code)
	}
}

package capture

// SessionStatus represents the status of a device session
type SessionStatus struct {
	ID           string   `json:"id"`
	SessionID    string   `json:"session_id"`
	Serial       string   `json:"serial"`
	Firmware     string   `json:"firmware"`
	Pipeline     string   `json:"pipeline"`
	State        string   `json:"state"`
	Channels     string   `json:"channels"`
	IsRunning    bool     `json:"is_running"`
	Registration bool     `json:"registration"`
	Outputs      []string `json:"outputs"`
	Frames       uint64   `json:"frames"`
	Dropped      uint64   `json:"dropped"`
	Errors       uint64   `json:"errors"`
	LastCapture  int64    `json:"last_capture"` // Unix timestamp ms
	Error        string   `json:"error,omitempty"`
}

// DeviceInfo describes a device seen by the driver
type DeviceInfo struct {
	Index  int    `json:"index"`
	Serial string `json:"serial"`
	Open   bool   `json:"open"`
}

package session

import (
	"encoding/json"
	"time"
)

// Frame types exchanged with dashboard clients.
const (
	TypeProxyConnected = "PROXY_CONNECTED"
	TypeError          = "ERROR"
	TypeUpdate         = "UPDATE"
	TypeSubscribe      = "SUBSCRIBE"
)

// Close codes sent to clients. A failed backend connect is reported as 1006
// (abnormal closure), which is never written in a close frame; the session
// is dropped instead.
const (
	CloseDefault        = 1000
	CloseShutdown       = 1001
	CloseConnectTimeout = 1008
)

// timestampLayout matches the ISO-8601 millisecond format used by browsers.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// ProxyConnected confirms that the backend link is open.
type ProxyConnected struct {
	Type         string `json:"type"`
	Message      string `json:"message"`
	Proxy        string `json:"proxy"`
	Target       string `json:"target"`
	ConnectionID string `json:"connectionId"`
	Timestamp    string `json:"timestamp"`
}

// Error reports a backend or transport failure. Relay sessions include
// the connection id so that users can quote it when reporting problems.
type Error struct {
	Type         string `json:"type"`
	Error        string `json:"error"`
	ConnectionID string `json:"connectionId,omitempty"`
}

// Update carries one successful fetch of a subscribed path.
type Update struct {
	Type  string          `json:"type"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}

// Subscribe is the only message poll sessions accept from clients.
type Subscribe struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

// Timestamp formats t the way frames carry it.
func Timestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

// Sendable reports whether code may appear in a close frame on the wire.
func Sendable(code int) bool {
	switch {
	case code >= 1000 && code <= 1003:
		return true
	case code >= 1007 && code <= 1014:
		return true
	case code >= 3000 && code <= 4999:
		return true
	}
	return false
}

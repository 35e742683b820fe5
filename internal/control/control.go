package control

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"sensed/internal/cadence"
	"sensed/internal/capture"
	"sensed/internal/listen"
)

// Control socket ops.
const (
	OpStatus   = "status"
	OpHealth   = "health"
	OpState    = "state"
	OpSchedule = "schedule"
	OpSignal   = "signal"
	OpRefresh  = "refresh"
	OpCapture  = "capture"
	OpListen   = "listen"
	OpMicTest  = "mictest"
	OpEvents   = "events"
	OpReload   = "reload"
)

// Request is one line of JSON sent to the daemon.
type Request struct {
	Op     string                  `json:"op"`
	Action string                  `json:"action,omitempty"` // start, stop, status
	Signal *cadence.ActivitySignal `json:"signal,omitempty"`
}

type Status struct {
	Running     bool                 `json:"running"`
	UptimeSec   float64              `json:"uptime_sec"`
	Schedule    cadence.Schedule     `json:"schedule"`
	Listener    listen.ListenerState `json:"listener"`
	Stats       listen.Stats         `json:"stats"`
	LastCapture *capture.Result      `json:"last_capture,omitempty"`
	Transcripts []Transcript         `json:"transcripts"`
}

type SimpleResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

type MicTestResponse struct {
	OK      bool                `json:"ok"`
	Message string              `json:"message,omitempty"`
	Running bool                `json:"running"`
	Summary *listen.TestSummary `json:"summary,omitempty"`
}

type EventsResponse struct {
	Events []listen.Event `json:"events"`
}

type Transcript struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Call sends req to the daemon socket and decodes one response into resp.
func Call(socketPath string, req Request, resp any) error {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return fmt.Errorf("cannot connect to daemon: %w", err)
	}
	defer conn.Close()
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return err
	}
	return json.NewDecoder(conn).Decode(resp)
}

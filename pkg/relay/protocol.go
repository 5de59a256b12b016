package relay

import (
	"github.com/goccy/go-json"
)

// The relay does not interpret client frames beyond this one structural
// requirement: the first frame of a connection must be a session-start
// event. The event format itself belongs to the inference backend's
// contract.
type sessionStartProbe struct {
	Type string `json:"type"`
}

// IsSessionStart reports whether frame is a well-formed session-start event.
func IsSessionStart(frame []byte) bool {
	probe := new(sessionStartProbe)
	if err := json.Unmarshal(frame, probe); err != nil {
		return false
	}
	return probe.Type == "session.start"
}

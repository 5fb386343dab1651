package telemetry

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// AnonymousUser is recorded when no user id can be resolved.
const AnonymousUser = "anonymous"

// Session correlates every event recorded during one browsing session.
type Session struct {
	ID      string    `json:"id"`
	Started time.Time `json:"started"`
}

// NewSession creates a session with a fresh random identifier.
func NewSession(started time.Time) Session {
	return Session{ID: generateSessionID(), Started: started}
}

// generateSessionID creates a unique session identifier
func generateSessionID() string {
	return "session_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// newEventID returns an identifier unique within the process.
func newEventID() string {
	return uuid.NewString()
}

// Page resolves the page-level fields stamped onto every event.
type Page interface {
	URL() string
	UserAgent() string
}

// StaticPage is a Page with fixed values, used outside the browser.
type StaticPage struct {
	PageURL string
	Agent   string
}

func (p StaticPage) URL() string       { return p.PageURL }
func (p StaticPage) UserAgent() string { return p.Agent }

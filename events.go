package privaxy

import (
	"time"

	"github.com/google/uuid"
)

// Event describes one request handled by the proxy engine. Events are
// immutable once published; the engine creates them, the events topic fans
// them out, and no history is kept.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`

	// Timestamp is when the engine handled the request.
	Timestamp time.Time `json:"timestamp"`

	// Method is the HTTP method of the intercepted request.
	Method string `json:"method"`

	// URL is the full request URL.
	URL string `json:"url"`

	// IsRequestBlocked is true if the engine blocked the request.
	IsRequestBlocked bool `json:"is_request_blocked"`
}

// NewEvent creates an Event for a request the engine just handled.
func NewEvent(method, url string, blocked bool) Event {
	return Event{
		ID:               uuid.NewString(),
		Timestamp:        time.Now().UTC(),
		Method:           method,
		URL:              url,
		IsRequestBlocked: blocked,
	}
}

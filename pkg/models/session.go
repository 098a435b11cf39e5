// Package models defines the core data types shared across the Patchwork
// daemon, its storage layer, and the CLI client.
package models

import "time"

// Session is a named container for an ordered sequence of events
// representing one or more agent runs.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionSummary is a session row enriched with event statistics for
// listing. LastEventAt is zero when the session has no events yet.
type SessionSummary struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	LastEventAt time.Time `json:"lastEventAt,omitempty"`
	EventCount  int64     `json:"eventCount"`
}

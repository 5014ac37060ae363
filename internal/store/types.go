// Package store provides SQLite-based persistence for the edit history engine.
package store

import "time"

// Image is the minimal catalog row that edit rows hang off. The full catalog
// schema lives elsewhere; only the identity and cascade behavior matter here.
type Image struct {
	ID         int64
	Path       string
	ImportedAt time.Time
}

// EditEvent is one immutable edit recorded against an image. Only Undone
// changes after insertion.
type EditEvent struct {
	ID        int64
	ImageID   int64
	EventType string
	Payload   string
	Undone    bool
	SessionID *string
	CreatedAt time.Time
}

// Active reports whether the event participates in replay.
func (e *EditEvent) Active() bool {
	return !e.Undone
}

// AutoCheckpoint is the single cached replay result kept per image.
// State holds the serialized parameter map and EventCount the number of
// active events folded into it.
type AutoCheckpoint struct {
	ImageID    int64
	State      string
	EventCount int
	UpdatedAt  time.Time
}

// NamedSnapshot is a user-named, durable copy of reconstructed state.
type NamedSnapshot struct {
	ID          int64
	ImageID     int64
	Name        string
	Description *string
	EventCount  int
	State       string
	CreatedAt   time.Time
}

// Package models contains domain models for retrace.
package models

import (
	"time"
)

// EndReason describes why a text segment was closed.
type EndReason string

const (
	// EndReasonMouseClick - a mouse click arrived while the segment was open.
	EndReasonMouseClick EndReason = "mouse_click"
	// EndReasonFocusChange - focus moved to a different window.
	EndReasonFocusChange EndReason = "focus_change"
	// EndReasonKeyIdleTimeout - no keystroke arrived within the idle timeout.
	EndReasonKeyIdleTimeout EndReason = "key_idle_timeout"
	// EndReasonTokenLimitReached - the segment hit the configured token limit.
	EndReasonTokenLimitReached EndReason = "token_limit_reached"
	// EndReasonExplicitFlush - the session shut down with the segment still open.
	EndReasonExplicitFlush EndReason = "explicit_flush"
)

// EventKind identifies the variant of an InputEvent.
type EventKind string

const (
	// EventKeyPress is a keyboard event. Rune is 0 for non-printable keys.
	EventKeyPress EventKind = "key_press"
	// EventMouseClick is a mouse button press.
	EventMouseClick EventKind = "mouse_click"
	// EventFocusChange is a window focus transition.
	EventFocusChange EventKind = "focus_change"
)

// InputEvent is one raw signal from the input event source.
// Events are ephemeral: they feed the segmentation engine and are never
// persisted directly.
type InputEvent struct {
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	// Rune is the printable character produced by a KeyPress, 0 if none.
	Rune rune `json:"rune,omitempty"`
	// Key is the symbolic key name for non-printable keys
	// (e.g. "backspace", "enter", "shift").
	Key string `json:"key,omitempty"`
	// Window is the window identifier carried by a FocusChange.
	Window string `json:"window,omitempty"`
}

// OCRLine is one extracted text line with its recognition confidence (0-100).
type OCRLine struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// ScreenRecord is one stored screen sample. Immutable once written.
type ScreenRecord struct {
	ID              string    `json:"id"`
	SessionID       string    `json:"session_id"`
	Seq             uint64    `json:"seq"`
	CapturedAt      time.Time `json:"captured_at"`
	CapturedAtEpoch int64     `json:"captured_at_epoch"`
	// ImageRef is the partition-relative path of the raw frame blob.
	// The durable store owns the referenced file.
	ImageRef  string    `json:"image_ref"`
	Lines     []OCRLine `json:"lines"`
	DedupHash string    `json:"dedup_hash"`
	Window    string    `json:"window,omitempty"`
}

// TextSegment is one committed unit of typed text. Immutable once emitted.
type TextSegment struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	Seq            uint64    `json:"seq"`
	StartedAt      time.Time `json:"started_at"`
	StartedAtEpoch int64     `json:"started_at_epoch"`
	EndedAt        time.Time `json:"ended_at"`
	EndedAtEpoch   int64     `json:"ended_at_epoch"`
	Text           string    `json:"text"`
	EndReason      EndReason `json:"end_reason"`
	// Window is the focused window identifier known at segment open.
	Window     string `json:"window,omitempty"`
	TokenCount int    `json:"token_count"`
}

// AudioChunk is one stored run of microphone audio. The raw WAV blob lives
// on disk; the chunk row is catalog bookkeeping.
type AudioChunk struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	StartedAt      time.Time `json:"started_at"`
	StartedAtEpoch int64     `json:"started_at_epoch"`
	EndedAt        time.Time `json:"ended_at"`
	EndedAtEpoch   int64     `json:"ended_at_epoch"`
	// BlobRef is the partition-relative path of the WAV file.
	BlobRef    string `json:"blob_ref"`
	Samples    int    `json:"samples"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// SessionStatus represents the lifecycle status of a capture session.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
)

// Session is the catalog row for one capture session.
type Session struct {
	ID               string        `json:"id"`
	Host             string        `json:"host"`
	Platform         string        `json:"platform"`
	Status           SessionStatus `json:"status"`
	StartedAt        string        `json:"started_at"`
	StartedAtEpoch   int64         `json:"started_at_epoch"`
	CompletedAt      string        `json:"completed_at,omitempty"`
	CompletedAtEpoch int64         `json:"completed_at_epoch,omitempty"`
}

// KeyPress builds a KeyPress event for a printable rune.
func KeyPress(r rune, at time.Time) InputEvent {
	return InputEvent{Kind: EventKeyPress, Rune: r, Timestamp: at}
}

// KeyNamed builds a KeyPress event for a named non-printable key.
func KeyNamed(key string, at time.Time) InputEvent {
	return InputEvent{Kind: EventKeyPress, Key: key, Timestamp: at}
}

// MouseClick builds a MouseClick event.
func MouseClick(at time.Time) InputEvent {
	return InputEvent{Kind: EventMouseClick, Timestamp: at}
}

// FocusChange builds a FocusChange event for the given window.
func FocusChange(window string, at time.Time) InputEvent {
	return InputEvent{Kind: EventFocusChange, Window: window, Timestamp: at}
}

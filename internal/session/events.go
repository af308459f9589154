package session

import (
	"fmt"

	"github.com/MimeLyc/caption-floater/internal/caption"
	"github.com/MimeLyc/caption-floater/internal/config"
)

type EventType string

const (
	EventCaptionsLoading EventType = "captions_loading"
	EventCaptionsLoaded  EventType = "captions_loaded"
	EventCaptionsFailed  EventType = "captions_failed"
	EventCueChanged      EventType = "cue_changed"
	EventCueTranslated   EventType = "cue_translated"
	EventPanelShown      EventType = "panel_shown"
	EventPanelHidden     EventType = "panel_hidden"
	EventSettingsApplied EventType = "settings_applied"
)

// Event is pushed to whoever renders the panel. Index and Previous are
// cue indices; -1 means no cue.
type Event struct {
	Type        EventType        `json:"type"`
	SessionID   string           `json:"sessionId"`
	Generation  uint64           `json:"generation"`
	VideoID     string           `json:"videoId,omitempty"`
	Index       int              `json:"index"`
	Previous    int              `json:"previous"`
	Cue         *caption.Cue     `json:"cue,omitempty"`
	Cues        []caption.Cue    `json:"cues,omitempty"`
	Translation string           `json:"translation,omitempty"`
	Failed      bool             `json:"failed,omitempty"`
	Error       string           `json:"error,omitempty"`
	ErrorType   string           `json:"errorType,omitempty"`
	Settings    *config.Settings `json:"settings,omitempty"`
}

// Emitter receives session events. Emit must not block for long and must not
// call back into the session.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) {
	f(e)
}

type discard struct{}

func (discard) Emit(Event) {}

// ErrorMarker is the inline text shown in place of a failed translation.
func ErrorMarker(err error) string {
	return fmt.Sprintf("[Translation failed: %v]", err)
}

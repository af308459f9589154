package service

import (
	"encoding/json"
	"time"

	"github.com/MimeLyc/caption-floater/internal/apperr"
	"github.com/MimeLyc/caption-floater/internal/caption"
	"github.com/MimeLyc/caption-floater/internal/llm"
)

// CaptionsRequest is the getCaptions control message.
type CaptionsRequest struct {
	VideoID      string `json:"videoId"`
	LanguageCode string `json:"languageCode"`
}

// CaptionsResult never carries both cues and an error.
type CaptionsResult struct {
	Success          bool          `json:"success"`
	Cues             []caption.Cue `json:"cues,omitempty"`
	Language         string        `json:"language,omitempty"`
	TrackName        string        `json:"trackName,omitempty"`
	AutoGenerated    bool          `json:"autoGenerated,omitempty"`
	DetectedLanguage string        `json:"detectedLanguage,omitempty"`
	Error            string        `json:"error,omitempty"`
	ErrorType        string        `json:"errorType,omitempty"`
}

// TranslateRequest is the translateLine control message. A credential,
// when present and different from the current one, replaces it first.
// A message without mixRatio uses the configured ratio.
type TranslateRequest struct {
	llm.Request
	Credential string `json:"credential,omitempty"`

	ratioMissing bool
}

func (r *TranslateRequest) UnmarshalJSON(data []byte) error {
	type plain TranslateRequest
	var msg struct {
		plain
		MixRatio *float64 `json:"mixRatio"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}

	*r = TranslateRequest(msg.plain)
	if msg.MixRatio != nil {
		r.MixRatio = *msg.MixRatio
	} else {
		r.ratioMissing = true
	}
	return nil
}

type TranslateResult struct {
	Success        bool   `json:"success"`
	TranslatedText string `json:"translatedText,omitempty"`
	Error          string `json:"error,omitempty"`
	ErrorType      string `json:"errorType,omitempty"`
}

type ModelsResult struct {
	Success     bool       `json:"success"`
	Models      []string   `json:"models"`
	ActiveModel string     `json:"activeModel,omitempty"`
	NextRefresh *time.Time `json:"nextRefresh,omitempty"`
	Error       string     `json:"error,omitempty"`
	ErrorType   string     `json:"errorType,omitempty"`
}

func errorFields(err error) (string, string) {
	return err.Error(), apperr.TypeOf(err).String()
}

package caption

import (
	"encoding/json"
	"strings"

	"golang.org/x/text/language"
)

// Cue is one timed line of a caption track. Times are in seconds.
type Cue struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Contains reports whether t lies inside the cue, both ends inclusive.
func (c Cue) Contains(t float64) bool {
	return c.Start <= t && t <= c.End
}

// TrackDescriptor describes one caption track listed on the watch page.
type TrackDescriptor struct {
	LanguageCode    string `json:"languageCode"`
	Name            string `json:"name,omitempty"`
	IsAutoGenerated bool   `json:"isAutoGenerated"`
	ContentURL      string `json:"contentUrl"`
}

// Track is the result of a full fetch.
type Track struct {
	Descriptor       TrackDescriptor `json:"descriptor"`
	Cues             []Cue           `json:"cues"`
	DetectedLanguage language.Tag    `json:"detectedLanguage"`
}

// rawTrack mirrors the player response entry.
type rawTrack struct {
	BaseURL      string    `json:"baseUrl"`
	Name         trackName `json:"name"`
	LanguageCode string    `json:"languageCode"`
	Kind         string    `json:"kind"`
	VssID        string    `json:"vssId"`
}

func (r rawTrack) descriptor() TrackDescriptor {
	return TrackDescriptor{
		LanguageCode:    r.LanguageCode,
		Name:            string(r.Name),
		IsAutoGenerated: r.Kind == "asr" || strings.HasPrefix(r.VssID, "a."),
		ContentURL:      r.BaseURL,
	}
}

// trackName accepts a plain string, {"simpleText": ...} or {"runs": [{"text": ...}]}.
type trackName string

func (n *trackName) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*n = trackName(s)
		return nil
	}

	var obj struct {
		SimpleText string `json:"simpleText"`
		Runs       []struct {
			Text string `json:"text"`
		} `json:"runs"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if obj.SimpleText != "" {
		*n = trackName(obj.SimpleText)
		return nil
	}
	var sb strings.Builder
	for _, r := range obj.Runs {
		sb.WriteString(r.Text)
	}
	*n = trackName(sb.String())
	return nil
}

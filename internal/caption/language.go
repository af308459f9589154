package caption

import (
	"github.com/abadojack/whatlanggo"
	"golang.org/x/text/language"
)

// DetectLanguage votes over the cue texts and returns the most common
// language, or language.Und when nothing was recognized.
func DetectLanguage(cues []Cue) language.Tag {
	if len(cues) == 0 {
		return language.Und
	}

	votes := make(map[string]int)
	for _, cue := range cues {
		code := whatlanggo.DetectLang(cue.Text).Iso6391()
		if code == "" {
			continue
		}
		votes[code]++
	}

	var top string
	var topCount int
	for code, count := range votes {
		if count > topCount || (count == topCount && code < top) {
			top = code
			topCount = count
		}
	}
	if top == "" {
		return language.Und
	}

	tag, err := language.Parse(top)
	if err != nil {
		return language.Und
	}
	return tag
}

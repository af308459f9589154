package llm

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/language"
)

var languageNames = map[string]string{
	"zh": "Chinese",
	"en": "English",
	"ja": "Japanese",
	"ko": "Korean",
	"fr": "French",
	"de": "German",
	"es": "Spanish",
	"ru": "Russian",
}

const fallbackLanguageName = "Chinese"

// LanguageName maps a language code to the name used in prompts.
// Region and script subtags are ignored; unknown codes map to Chinese.
func LanguageName(code string) string {
	code = strings.TrimSpace(code)
	if name, ok := languageNames[strings.ToLower(code)]; ok {
		return name
	}
	tag, err := language.Parse(code)
	if err != nil {
		return fallbackLanguageName
	}
	base, _ := tag.Base()
	if name, ok := languageNames[base.String()]; ok {
		return name
	}
	return fallbackLanguageName
}

// NormalizeMixRatio clamps ratio to [0, 1]. NaN means full translation.
func NormalizeMixRatio(ratio float64) float64 {
	switch {
	case math.IsNaN(ratio), ratio >= 1:
		return 1
	case ratio < 0:
		return 0
	default:
		return ratio
	}
}

// BuildPrompt renders the translation instruction for text.
func BuildPrompt(text, targetLanguage string, mixRatio float64) string {
	name := LanguageName(targetLanguage)
	ratio := NormalizeMixRatio(mixRatio)

	var instruction string
	if ratio >= 1 {
		instruction = fmt.Sprintf("Translate the entire text into %s.", name)
	} else {
		instruction = fmt.Sprintf(
			"Translate only %s%% of the text into %s and keep the rest in the original language, so the result reads as one natural mixed-language sentence.",
			formatPercent(ratio), name)
	}

	return fmt.Sprintf(
		"Please translate the following subtitle text. %s Return only the translated text, without any explanation or extra content.\n\nOriginal: \"%s\"",
		instruction, text)
}

func formatPercent(ratio float64) string {
	pct := math.Round(ratio*10000) / 100
	return strconv.FormatFloat(pct, 'f', -1, 64)
}

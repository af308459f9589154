package caption

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/MimeLyc/caption-floater/internal/apperr"
)

// Timed-text markup is scanned with patterns rather than an XML decoder:
// the upstream format is not guaranteed to be well formed.
var (
	textElementPattern = regexp.MustCompile(`(?is)<text\b([^>]*)>(.*?)</text\s*>`)
	attrPattern        = regexp.MustCompile(`(?i)\b(start|dur)\s*=\s*(?:"([^"]*)"|'([^']*)')`)
)

// entity order matters: &amp; first, so "&amp;lt;" becomes "&lt;" and then "<".
var entityReplacements = []struct{ from, to string }{
	{"&amp;", "&"},
	{"&lt;", "<"},
	{"&gt;", ">"},
	{"&quot;", `"`},
	{"&#39;", "'"},
}

// DecodeEntities replaces the five standard entities sequentially.
func DecodeEntities(s string) string {
	for _, r := range entityReplacements {
		s = strings.ReplaceAll(s, r.from, r.to)
	}
	return s
}

// DecodeCues extracts every <text start=".." dur="..">BODY</text> element.
// Elements without a parseable start are skipped; a missing or negative dur
// yields a zero-length cue.
func DecodeCues(markup string) ([]Cue, error) {
	matches := textElementPattern.FindAllStringSubmatch(markup, -1)
	cues := make([]Cue, 0, len(matches))
	for _, m := range matches {
		start, dur, ok := parseTiming(m[1])
		if !ok {
			continue
		}
		cues = append(cues, Cue{
			Start: start,
			End:   start + dur,
			Text:  DecodeEntities(m[2]),
		})
	}

	if len(cues) == 0 {
		return nil, apperr.New(apperr.ErrNoCueText, "caption track contains no text cues")
	}
	return cues, nil
}

func parseTiming(attrs string) (start, dur float64, ok bool) {
	var haveStart bool
	for _, a := range attrPattern.FindAllStringSubmatch(attrs, -1) {
		val := a[2]
		if val == "" {
			val = a[3]
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			continue
		}
		switch strings.ToLower(a[1]) {
		case "start":
			start, haveStart = f, true
		case "dur":
			dur = f
		}
	}
	if dur < 0 {
		dur = 0
	}
	return start, dur, haveStart
}

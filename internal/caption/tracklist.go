package caption

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/MimeLyc/caption-floater/internal/apperr"
)

var (
	// plain JSON embedded in a <script> block
	primaryTrackListPattern = regexp.MustCompile(`"captionTracks"\s*:\s*\[`)
	// player response serialized inside a JS string literal
	fallbackTrackListPattern = regexp.MustCompile(`\\"captionTracks\\"\s*:\s*\[`)
)

// FindTrackList locates the caption track list in the page markup and
// returns the text starting at its opening bracket. The fallback form is
// unescaped one level before it is returned.
func FindTrackList(page string) (string, error) {
	if loc := primaryTrackListPattern.FindStringIndex(page); loc != nil {
		return page[loc[1]-1:], nil
	}
	if loc := fallbackTrackListPattern.FindStringIndex(page); loc != nil {
		return unescapeJSString(page[loc[1]-1:]), nil
	}
	return "", apperr.New(apperr.ErrNoCaptionData, "no caption track list found in page")
}

// ParseTrackList decodes the first JSON array in fragment. Anything after
// the closing bracket is ignored.
func ParseTrackList(fragment string) ([]TrackDescriptor, error) {
	dec := json.NewDecoder(strings.NewReader(fragment))
	var raw []rawTrack
	if err := dec.Decode(&raw); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrMalformedTrackList, "decode caption track list")
	}

	tracks := make([]TrackDescriptor, 0, len(raw))
	for _, r := range raw {
		tracks = append(tracks, r.descriptor())
	}
	return tracks, nil
}

// SelectTrack picks the descriptor whose language code equals preferred,
// else the first usable one. Descriptors without a content URL are skipped.
func SelectTrack(tracks []TrackDescriptor, preferred string) (TrackDescriptor, error) {
	var first *TrackDescriptor
	for i := range tracks {
		t := &tracks[i]
		if strings.TrimSpace(t.ContentURL) == "" {
			continue
		}
		if t.LanguageCode == preferred {
			return *t, nil
		}
		if first == nil {
			first = t
		}
	}
	if first == nil {
		return TrackDescriptor{}, apperr.New(apperr.ErrNoCaptionData, "no usable caption track").
			WithContext("tracks", len(tracks))
	}
	return *first, nil
}

// unescapeJSString removes one level of JS string-literal escaping.
// Unknown escapes keep the escaped character.
func unescapeJSString(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}

	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 >= len(s) {
			sb.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n':
			sb.WriteByte('\n')
		case 't':
			sb.WriteByte('\t')
		case 'r':
			sb.WriteByte('\r')
		case 'u':
			if i+4 < len(s) {
				if code, err := strconv.ParseUint(s[i+1:i+5], 16, 32); err == nil {
					sb.WriteRune(rune(code))
					i += 4
					continue
				}
			}
			sb.WriteByte('u')
		case 'x':
			if i+2 < len(s) {
				if code, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
					r := rune(code)
					if r < utf8.RuneSelf {
						sb.WriteByte(byte(r))
					} else {
						sb.WriteRune(r)
					}
					i += 2
					continue
				}
			}
			sb.WriteByte('x')
		default:
			// \" \\ \/ and anything unknown
			sb.WriteByte(s[i])
		}
	}
	return sb.String()
}

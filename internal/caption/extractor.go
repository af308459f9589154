package caption

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MimeLyc/caption-floater/internal/apperr"
	"github.com/MimeLyc/caption-floater/pkg/log"
)

const (
	DefaultWatchURL  = "https://www.youtube.com/watch"
	DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

	// watch pages are large; anything beyond this is not a page we can use
	maxBodyBytes = 16 << 20
)

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Extractor turns a video identifier into a decoded cue sequence.
type Extractor struct {
	client    HTTPDoer
	watchURL  string
	userAgent string
	maxBody   int64
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithHTTPClient replaces the default client, which times out after 30s.
func WithHTTPClient(c HTTPDoer) Option {
	return func(e *Extractor) {
		e.client = c
	}
}

// WithWatchURL points the extractor at another watch page base. Blank
// values keep the default.
func WithWatchURL(u string) Option {
	return func(e *Extractor) {
		if strings.TrimSpace(u) != "" {
			e.watchURL = u
		}
	}
}

// WithUserAgent overrides DefaultUserAgent. Blank values keep the default.
func WithUserAgent(ua string) Option {
	return func(e *Extractor) {
		if strings.TrimSpace(ua) != "" {
			e.userAgent = ua
		}
	}
}

// NewExtractor creates an extractor for the default watch page.
//
// Example:
//
//	ex := caption.NewExtractor(caption.WithUserAgent("my-agent/1.0"))
//	track, err := ex.Fetch(ctx, "dQw4w9WgXcQ", "en")
func NewExtractor(opts ...Option) *Extractor {
	e := &Extractor{
		client:    &http.Client{Timeout: 30 * time.Second},
		watchURL:  DefaultWatchURL,
		userAgent: DefaultUserAgent,
		maxBody:   maxBodyBytes,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// PageURL returns the watch page address for videoID.
func (e *Extractor) PageURL(videoID string) string {
	u, err := url.Parse(e.watchURL)
	if err != nil {
		return e.watchURL + "?v=" + url.QueryEscape(videoID)
	}
	q := u.Query()
	q.Set("v", videoID)
	u.RawQuery = q.Encode()
	return u.String()
}

// Fetch downloads the watch page for videoID and extracts the cues of the
// preferred (or first) caption track.
func (e *Extractor) Fetch(ctx context.Context, videoID, preferredLanguage string) (*Track, error) {
	if strings.TrimSpace(videoID) == "" {
		return nil, apperr.New(apperr.ErrValidation, "video id is required")
	}

	pageURL := e.PageURL(videoID)
	page, err := e.get(ctx, pageURL)
	if err != nil {
		return nil, err
	}

	desc, cues, err := e.extract(ctx, pageURL, page, preferredLanguage)
	if err != nil {
		return nil, err
	}

	log.Debug("Extracted %d cues for video %s (track %s)", len(cues), videoID, desc.LanguageCode)
	return &Track{
		Descriptor:       desc,
		Cues:             cues,
		DetectedLanguage: DetectLanguage(cues),
	}, nil
}

// ExtractCues runs track discovery, selection and decoding on page markup
// that has already been fetched.
func (e *Extractor) ExtractCues(ctx context.Context, page, preferredLanguage string) ([]Cue, error) {
	_, cues, err := e.extract(ctx, e.watchURL, page, preferredLanguage)
	return cues, err
}

func (e *Extractor) extract(ctx context.Context, pageURL, page, preferredLanguage string) (TrackDescriptor, []Cue, error) {
	fragment, err := FindTrackList(page)
	if err != nil {
		return TrackDescriptor{}, nil, err
	}
	tracks, err := ParseTrackList(fragment)
	if err != nil {
		return TrackDescriptor{}, nil, err
	}
	desc, err := SelectTrack(tracks, preferredLanguage)
	if err != nil {
		return TrackDescriptor{}, nil, err
	}
	if desc.LanguageCode != preferredLanguage {
		log.Info("Caption language %q not available, using %q", preferredLanguage, desc.LanguageCode)
	}

	trackURL, err := resolveURL(pageURL, desc.ContentURL)
	if err != nil {
		return TrackDescriptor{}, nil, apperr.Wrap(err, apperr.ErrMalformedTrackList, "invalid track url")
	}
	markup, err := e.get(ctx, trackURL)
	if err != nil {
		return TrackDescriptor{}, nil, err
	}

	cues, err := DecodeCues(markup)
	if err != nil {
		return TrackDescriptor{}, nil, err
	}
	return desc, cues, nil
}

func (e *Extractor) get(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", apperr.Wrap(err, apperr.ErrNetwork, "create request")
	}
	req.Header.Set("User-Agent", e.userAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := e.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", apperr.Wrap(err, apperr.ErrNetwork, "request failed").WithContext("url", target)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBody+1))
	if err != nil {
		return "", apperr.Wrap(err, apperr.ErrNetwork, "read response body").WithContext("url", target)
	}
	if int64(len(body)) > e.maxBody {
		return "", apperr.New(apperr.ErrNetwork, "response too large").
			WithContext("url", target).
			WithContext("limit", e.maxBody)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", apperr.New(apperr.ErrNetwork, fmt.Sprintf("unexpected status %d", resp.StatusCode)).
			WithContext("url", target)
	}
	return string(body), nil
}

func resolveURL(base, ref string) (string, error) {
	refURL, err := url.Parse(ref)
	if err != nil {
		return "", err
	}
	if refURL.IsAbs() {
		return refURL.String(), nil
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(refURL).String(), nil
}

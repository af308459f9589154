// Package session drives one floating caption panel: loading captions for a
// video, following playback and rendering translations.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MimeLyc/caption-floater/internal/apperr"
	"github.com/MimeLyc/caption-floater/internal/caption"
	"github.com/MimeLyc/caption-floater/internal/config"
	"github.com/MimeLyc/caption-floater/internal/llm"
	"github.com/MimeLyc/caption-floater/internal/playback"
	"github.com/MimeLyc/caption-floater/internal/retry"
	"github.com/MimeLyc/caption-floater/internal/translation"
	"github.com/MimeLyc/caption-floater/pkg/log"
)

const DefaultConcurrency = 4

// ErrStaleGeneration reports a result superseded by a newer video load or
// by a change of the translation settings.
var ErrStaleGeneration = errors.New("session: result was superseded")

// Backend is the background side of the panel. It may live in-process or
// behind the HTTP bridge.
type Backend interface {
	GetCaptions(ctx context.Context, videoID, lang string) ([]caption.Cue, error)
	TranslateLine(ctx context.Context, req llm.Request) (string, error)
	UpdateCredential(ctx context.Context, key string) error
}

type SettingsStore interface {
	GetSettings() (config.Settings, error)
	PatchSettings(p config.SettingsPatch) (config.Settings, error)
}

// State is a point-in-time copy of the session.
type State struct {
	ID           string          `json:"id"`
	Generation   uint64          `json:"generation"`
	VideoID      string          `json:"videoId,omitempty"`
	Visible      bool            `json:"visible"`
	Loading      bool            `json:"loading"`
	ActiveIndex  int             `json:"activeIndex"`
	Cues         []caption.Cue   `json:"cues"`
	Translations map[int]string  `json:"translations,omitempty"`
	Settings     config.Settings `json:"settings"`
	Error        string          `json:"error,omitempty"`
}

type Session struct {
	id          string
	backend     Backend
	emitter     Emitter
	store       SettingsStore
	policy      retry.Policy
	concurrency int

	cursor     *playback.Synchronizer
	translator *translation.CachedTranslator
	generation atomic.Uint64
	inflight   sync.WaitGroup

	// generation only advances under mu; epoch advances when the translation
	// settings change
	mu           sync.Mutex
	epoch        uint64
	settings     config.Settings
	videoID      string
	cues         []caption.Cue
	translations map[int]string
	visible      bool
	loading      bool
	lastErr      string
}

type Option func(*Session)

func WithEmitter(e Emitter) Option {
	return func(s *Session) {
		s.emitter = e
	}
}

func WithSettingsStore(store SettingsStore) Option {
	return func(s *Session) {
		s.store = store
	}
}

// WithSettings seeds the settings when no store is configured.
func WithSettings(settings config.Settings) Option {
	return func(s *Session) {
		s.settings = settings
	}
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Session) {
		s.policy = p
	}
}

func WithConcurrency(n int) Option {
	return func(s *Session) {
		s.concurrency = n
	}
}

// New creates a session. Backend calls are retried only on delivery
// failures; the backend applies its own policy to everything else.
func New(backend Backend, opts ...Option) *Session {
	s := &Session{
		id:           uuid.NewString(),
		backend:      backend,
		emitter:      discard{},
		policy:       retry.DefaultPolicy(),
		concurrency:  DefaultConcurrency,
		settings:     config.DefaultSettings(),
		translations: make(map[int]string),
		cursor:       playback.New(nil),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.concurrency <= 0 {
		s.concurrency = DefaultConcurrency
	}
	if s.policy.Retryable == nil {
		s.policy.Retryable = apperr.IsDelivery
	}

	s.translator = translation.NewCachedTranslator(
		translation.TranslatorFunc(s.backend.TranslateLine),
		translation.NewCache(),
		s.policy,
	)
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Generation() uint64 {
	return s.generation.Load()
}

func (s *Session) Settings() config.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// Initialize loads the settings snapshot and, when the panel is enabled,
// shows it and loads captions for videoID.
func (s *Session) Initialize(ctx context.Context, videoID string) error {
	if s.store != nil {
		settings, err := s.store.GetSettings()
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.settings = settings
		s.mu.Unlock()
	}

	settings := s.Settings()
	if settings.Credential != "" {
		if err := s.backend.UpdateCredential(ctx, settings.Credential); err != nil {
			log.Warn("Session %s: credential update failed: %v", s.id, err)
		}
	}
	if !settings.Enabled {
		s.Hide()
		return nil
	}

	s.Show()
	return s.LoadVideo(ctx, videoID)
}

// LoadVideo resets the session for videoID and fetches its captions.
func (s *Session) LoadVideo(ctx context.Context, videoID string) error {
	s.mu.Lock()
	gen := s.generation.Add(1)
	s.videoID = videoID
	s.cues = nil
	s.translations = make(map[int]string)
	s.loading = true
	s.lastErr = ""
	s.cursor.Reset(nil)
	lang := s.settings.CaptionLanguage
	s.mu.Unlock()
	s.translator.Cache().Clear()

	s.emit(Event{Type: EventCaptionsLoading, Generation: gen, VideoID: videoID, Index: playback.NoCue, Previous: playback.NoCue})

	cues, err := retry.Do(ctx, s.policy, func(ctx context.Context) ([]caption.Cue, error) {
		return s.backend.GetCaptions(ctx, videoID, lang)
	})

	s.mu.Lock()
	if s.generation.Load() != gen {
		s.mu.Unlock()
		log.Debug("Session %s: dropping captions for stale video %s", s.id, videoID)
		return ErrStaleGeneration
	}
	s.loading = false
	if err != nil {
		s.lastErr = err.Error()
	} else {
		s.cues = cues
		s.cursor.Reset(cues)
	}
	enabled := s.settings.TranslationEnabled
	s.mu.Unlock()

	if err != nil {
		s.emit(Event{
			Type:       EventCaptionsFailed,
			Generation: gen,
			VideoID:    videoID,
			Index:      playback.NoCue,
			Previous:   playback.NoCue,
			Error:      err.Error(),
			ErrorType:  apperr.TypeOf(err).String(),
		})
		return err
	}

	log.Info("Session %s: loaded %d cues for %s", s.id, len(cues), videoID)
	s.emit(Event{Type: EventCaptionsLoaded, Generation: gen, VideoID: videoID, Index: playback.NoCue, Previous: playback.NoCue, Cues: cues})

	if enabled && len(cues) > 0 {
		s.RenderAll(ctx)
	}
	return nil
}

// UpdateTime feeds a playback position. A change of active cue is emitted;
// with translation enabled the new cue is translated in the background.
func (s *Session) UpdateTime(ctx context.Context, t float64) {
	ch, changed := s.cursor.Update(t)
	if !changed {
		return
	}

	s.mu.Lock()
	tk := s.ticketLocked()
	cue, ok := s.cueLocked(ch.To)
	s.mu.Unlock()

	ev := Event{Type: EventCueChanged, Generation: tk.gen, Index: ch.To, Previous: ch.From}
	if ok {
		ev.Cue = &cue
	}
	s.emit(ev)

	if !ok || !tk.settings.TranslationEnabled {
		return
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		_, _ = s.translateCue(ctx, tk, ch.To, cue)
	}()
}

// Wait blocks until background translations started by UpdateTime finish.
func (s *Session) Wait() {
	s.inflight.Wait()
}

// Line is one cue's rendering outcome.
type Line struct {
	Index int
	Text  string
	Err   error
}

// RenderAll translates every cue with bounded parallelism. A failed cue
// gets an inline error marker and does not affect the others.
func (s *Session) RenderAll(ctx context.Context) []Line {
	s.mu.Lock()
	tk := s.ticketLocked()
	cues := s.cues
	s.mu.Unlock()

	lines := make([]Line, len(cues))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, cue := range cues {
		g.Go(func() error {
			text, err := s.translateCue(ctx, tk, i, cue)
			lines[i] = Line{Index: i, Text: text, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return lines
}

// ApplySettings merges p into the settings and reacts to what changed.
func (s *Session) ApplySettings(ctx context.Context, p config.SettingsPatch) (config.Settings, error) {
	s.mu.Lock()
	prev := s.settings
	s.mu.Unlock()

	var next config.Settings
	if s.store != nil {
		var err error
		if next, err = s.store.PatchSettings(p); err != nil {
			return prev, err
		}
	} else {
		next = prev.Apply(p)
		if err := next.Validate(); err != nil {
			return prev, apperr.Wrap(err, apperr.ErrValidation, "invalid settings")
		}
	}

	retranslate := next.TranslationEnabled != prev.TranslationEnabled ||
		next.TranslationLanguage != prev.TranslationLanguage ||
		next.MixRatio != prev.MixRatio

	s.mu.Lock()
	s.settings = next
	if retranslate {
		// translations still in flight were asked for the old settings
		s.epoch++
		s.translations = make(map[int]string)
	}
	videoID := s.videoID
	hasCues := len(s.cues) > 0
	s.mu.Unlock()

	redacted := next.Redacted()
	s.emit(Event{Type: EventSettingsApplied, Generation: s.generation.Load(), Index: playback.NoCue, Previous: playback.NoCue, Settings: &redacted})

	if next.Credential != "" && next.Credential != prev.Credential {
		if err := s.backend.UpdateCredential(ctx, next.Credential); err != nil {
			log.Warn("Session %s: credential update failed: %v", s.id, err)
		}
	}

	switch {
	case next.Enabled && !prev.Enabled:
		s.Show()
	case !next.Enabled && prev.Enabled:
		s.Hide()
	}

	switch {
	case next.CaptionLanguage != prev.CaptionLanguage:
		s.translator.Cache().Clear()
		if videoID != "" {
			if err := s.LoadVideo(ctx, videoID); err != nil && !errors.Is(err, ErrStaleGeneration) {
				return next, err
			}
		}
	case retranslate:
		s.translator.Cache().Clear()
		if next.TranslationEnabled && hasCues {
			s.RenderAll(ctx)
		}
	}
	return next, nil
}

// RetryTranslation re-translates the active cue, optionally switching the
// selected model first. It does nothing unless translation is enabled and
// a cue is active.
func (s *Session) RetryTranslation(ctx context.Context, model string) error {
	if model != "" {
		if _, err := s.ApplySettings(ctx, config.SettingsPatch{SelectedModel: &model}); err != nil {
			return err
		}
	}
	idx := s.cursor.Active()
	s.mu.Lock()
	tk := s.ticketLocked()
	cue, ok := s.cueLocked(idx)
	s.mu.Unlock()
	if !ok || !tk.settings.TranslationEnabled {
		return nil
	}
	_, err := s.translateCue(ctx, tk, idx, cue)
	return err
}

func (s *Session) Show() {
	s.setVisible(true)
}

func (s *Session) Hide() {
	s.setVisible(false)
}

func (s *Session) Visible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

func (s *Session) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	translations := make(map[int]string, len(s.translations))
	for k, v := range s.translations {
		translations[k] = v
	}
	return State{
		ID:           s.id,
		Generation:   s.generation.Load(),
		VideoID:      s.videoID,
		Visible:      s.visible,
		Loading:      s.loading,
		ActiveIndex:  s.cursor.Active(),
		Cues:         append([]caption.Cue(nil), s.cues...),
		Translations: translations,
		Settings:     s.settings.Redacted(),
		Error:        s.lastErr,
	}
}

func (s *Session) setVisible(v bool) {
	s.mu.Lock()
	s.visible = v
	s.mu.Unlock()

	typ := EventPanelHidden
	if v {
		typ = EventPanelShown
	}
	s.emit(Event{Type: typ, Generation: s.generation.Load(), Index: playback.NoCue, Previous: playback.NoCue})
}

func (s *Session) cueLocked(idx int) (caption.Cue, bool) {
	if idx < 0 || idx >= len(s.cues) {
		return caption.Cue{}, false
	}
	return s.cues[idx], true
}

// ticket pins the video and translation settings a translation was started
// for.
type ticket struct {
	gen      uint64
	epoch    uint64
	settings config.Settings
}

func (s *Session) ticketLocked() ticket {
	return ticket{gen: s.generation.Load(), epoch: s.epoch, settings: s.settings}
}

// translateCue translates one cue and emits the outcome unless the video or
// the translation settings changed meanwhile.
func (s *Session) translateCue(ctx context.Context, tk ticket, idx int, cue caption.Cue) (string, error) {
	req := llm.Request{
		Text:           cue.Text,
		TargetLanguage: tk.settings.TranslationLanguage,
		MixRatio:       tk.settings.MixRatio,
		Model:          tk.settings.SelectedModel,
	}

	text, err := s.translator.Translate(ctx, req)

	ev := Event{Type: EventCueTranslated, Generation: tk.gen, Index: idx, Previous: idx, Cue: &cue}
	if err != nil {
		apperr.Report("translateCue", err)
		text = ErrorMarker(err)
		ev.Failed = true
		ev.Error = err.Error()
		ev.ErrorType = apperr.TypeOf(err).String()
	}
	ev.Translation = text

	s.mu.Lock()
	if s.generation.Load() != tk.gen || s.epoch != tk.epoch {
		s.mu.Unlock()
		return "", ErrStaleGeneration
	}
	s.translations[idx] = text
	s.mu.Unlock()
	s.emit(ev)
	return text, err
}

func (s *Session) emit(e Event) {
	e.SessionID = s.id
	s.emitter.Emit(e)
}

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/caption-floater/internal/apperr"
	"github.com/MimeLyc/caption-floater/internal/caption"
	"github.com/MimeLyc/caption-floater/internal/config"
	"github.com/MimeLyc/caption-floater/internal/llm"
	"github.com/MimeLyc/caption-floater/internal/playback"
	"github.com/MimeLyc/caption-floater/internal/retry"
)

var testCues = []caption.Cue{
	{Start: 0, End: 2, Text: "Hello"},
	{Start: 3, End: 5, Text: "bad"},
	{Start: 5, End: 7, Text: "World"},
}

type fakeBackend struct {
	mu            sync.Mutex
	captionCalls  int
	langs         []string
	captionErrs   []error
	captions      map[string][]caption.Cue
	block         map[string]chan struct{}
	entered       chan string
	translateReqs []llm.Request
	credentials   []string

	// translations into a gated language wait until the gate closes
	translateGate    map[string]chan struct{}
	translateEntered chan string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		captions: map[string][]caption.Cue{"vid": testCues},
		block:    map[string]chan struct{}{},
		entered:  make(chan string, 4),

		translateGate:    map[string]chan struct{}{},
		translateEntered: make(chan string, 4),
	}
}

func (f *fakeBackend) GetCaptions(ctx context.Context, videoID, lang string) ([]caption.Cue, error) {
	f.mu.Lock()
	f.captionCalls++
	f.langs = append(f.langs, lang)
	var err error
	if len(f.captionErrs) > 0 {
		err, f.captionErrs = f.captionErrs[0], f.captionErrs[1:]
	}
	gate := f.block[videoID]
	cues := f.captions[videoID]
	f.mu.Unlock()

	if gate != nil {
		f.entered <- videoID
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return cues, nil
}

func (f *fakeBackend) TranslateLine(_ context.Context, req llm.Request) (string, error) {
	f.mu.Lock()
	f.translateReqs = append(f.translateReqs, req)
	gate := f.translateGate[req.TargetLanguage]
	f.mu.Unlock()

	if gate != nil {
		f.translateEntered <- req.TargetLanguage
		<-gate
	}
	if req.Text == "bad" {
		return "", apperr.New(apperr.ErrRemote, "upstream rejected")
	}
	return fmt.Sprintf("%s:%s", req.TargetLanguage, req.Text), nil
}

func (f *fakeBackend) UpdateCredential(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credentials = append(f.credentials, key)
	return nil
}

func (f *fakeBackend) translateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.translateReqs)
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func noSleep() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, Sleep: func(context.Context, time.Duration) error { return nil }}
}

func newTestSession(backend Backend, settings config.Settings) (*Session, *recorder) {
	rec := &recorder{}
	s := New(backend, WithEmitter(rec), WithSettings(settings), WithRetryPolicy(noSleep()), WithConcurrency(2))
	return s, rec
}

func translatingSettings() config.Settings {
	settings := config.DefaultSettings()
	settings.TranslationEnabled = true
	return settings
}

func TestSession_LoadVideo(t *testing.T) {
	backend := newFakeBackend()
	s, rec := newTestSession(backend, config.DefaultSettings())

	require.NoError(t, s.LoadVideo(context.Background(), "vid"))

	require.Len(t, rec.ofType(EventCaptionsLoading), 1)
	loaded := rec.ofType(EventCaptionsLoaded)
	require.Len(t, loaded, 1)
	assert.Equal(t, testCues, loaded[0].Cues)
	assert.Equal(t, s.ID(), loaded[0].SessionID)
	assert.Equal(t, uint64(1), loaded[0].Generation)

	state := s.Snapshot()
	assert.Equal(t, "vid", state.VideoID)
	assert.False(t, state.Loading)
	assert.Equal(t, testCues, state.Cues)
	assert.Equal(t, playback.NoCue, state.ActiveIndex)
	assert.Zero(t, backend.translateCalls(), "translation disabled")
	assert.Equal(t, []string{"en"}, backend.langs)
}

func TestSession_LoadVideo_RetriesOnlyDeliveryFailures(t *testing.T) {
	backend := newFakeBackend()
	backend.captionErrs = []error{apperr.Wrap(apperr.ErrDeliveryUnreachable, apperr.ErrDelivery, "send")}
	s, _ := newTestSession(backend, config.DefaultSettings())

	require.NoError(t, s.LoadVideo(context.Background(), "vid"))
	assert.Equal(t, 2, backend.captionCalls)

	backend = newFakeBackend()
	backend.captionErrs = []error{apperr.New(apperr.ErrNoCaptionData, "no captions")}
	s, rec := newTestSession(backend, config.DefaultSettings())

	err := s.LoadVideo(context.Background(), "vid")
	require.Error(t, err)
	assert.Equal(t, 1, backend.captionCalls)
	failed := rec.ofType(EventCaptionsFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "NoCaptionData", failed[0].ErrorType)
	assert.Empty(t, s.Snapshot().Cues)
	assert.NotEmpty(t, s.Snapshot().Error)
}

func TestSession_LoadVideo_StaleResultDiscarded(t *testing.T) {
	backend := newFakeBackend()
	backend.captions["old"] = []caption.Cue{{Start: 0, End: 1, Text: "old"}}
	gate := make(chan struct{})
	backend.block["old"] = gate
	s, rec := newTestSession(backend, config.DefaultSettings())

	done := make(chan error, 1)
	go func() {
		done <- s.LoadVideo(context.Background(), "old")
	}()
	assert.Equal(t, "old", <-backend.entered)

	require.NoError(t, s.LoadVideo(context.Background(), "vid"))
	close(gate)

	assert.ErrorIs(t, <-done, ErrStaleGeneration)
	state := s.Snapshot()
	assert.Equal(t, "vid", state.VideoID)
	assert.Equal(t, testCues, state.Cues)
	assert.Len(t, rec.ofType(EventCaptionsLoaded), 1)
}

func TestSession_LoadVideo_ConcurrentLoadsStayConsistent(t *testing.T) {
	backend := newFakeBackend()
	backend.captions["a"] = []caption.Cue{{Start: 0, End: 1, Text: "alpha"}}
	backend.captions["b"] = []caption.Cue{{Start: 0, End: 1, Text: "beta"}, {Start: 1, End: 2, Text: "gamma"}}
	s, _ := newTestSession(backend, config.DefaultSettings())

	for i := 0; i < 50; i++ {
		var wg sync.WaitGroup
		for _, id := range []string{"a", "b"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = s.LoadVideo(context.Background(), id)
			}()
		}
		wg.Wait()

		state := s.Snapshot()
		require.False(t, state.Loading)
		require.Equal(t, backend.captions[state.VideoID], state.Cues, "cues belong to %s", state.VideoID)
	}
}

func TestSession_UpdateTime_EmitsChanges(t *testing.T) {
	backend := newFakeBackend()
	s, rec := newTestSession(backend, config.DefaultSettings())
	require.NoError(t, s.LoadVideo(context.Background(), "vid"))

	for _, ts := range []float64{0.5, 1.0, 2.5, 3.2, 5.0, 6.0} {
		s.UpdateTime(context.Background(), ts)
	}
	s.Wait()

	changes := rec.ofType(EventCueChanged)
	var got [][2]int
	for _, e := range changes {
		got = append(got, [2]int{e.Previous, e.Index})
	}
	assert.Equal(t, [][2]int{{-1, 0}, {0, -1}, {-1, 1}, {1, 2}}, got)
	assert.Nil(t, changes[1].Cue)
	assert.Equal(t, "bad", changes[2].Cue.Text)
	assert.Zero(t, backend.translateCalls())
}

func TestSession_UpdateTime_TranslatesActiveCue(t *testing.T) {
	backend := newFakeBackend()
	s, rec := newTestSession(backend, config.DefaultSettings())
	require.NoError(t, s.LoadVideo(context.Background(), "vid"))

	enabled := true
	_, err := s.ApplySettings(context.Background(), config.SettingsPatch{TranslationEnabled: &enabled})
	require.NoError(t, err)
	s.Wait()
	calls := backend.translateCalls()

	s.UpdateTime(context.Background(), 1)
	s.Wait()
	s.UpdateTime(context.Background(), 2.5)
	s.UpdateTime(context.Background(), 1)
	s.Wait()

	translated := rec.ofType(EventCueTranslated)
	require.NotEmpty(t, translated)
	last := translated[len(translated)-1]
	assert.Equal(t, 0, last.Index)
	assert.Equal(t, "zh:Hello", last.Translation)
	assert.False(t, last.Failed)
	assert.Equal(t, calls, backend.translateCalls(), "cue 0 served from cache")
}

func TestSession_RenderAll_FailureStaysInline(t *testing.T) {
	backend := newFakeBackend()
	s, rec := newTestSession(backend, translatingSettings())
	require.NoError(t, s.LoadVideo(context.Background(), "vid"))

	translated := rec.ofType(EventCueTranslated)
	require.Len(t, translated, 3)

	lines := s.RenderAll(context.Background())
	require.Len(t, lines, 3)
	assert.Equal(t, "zh:Hello", lines[0].Text)
	assert.NoError(t, lines[0].Err)
	assert.Error(t, lines[1].Err)
	assert.Contains(t, lines[1].Text, "[Translation failed:")
	assert.Equal(t, "zh:World", lines[2].Text)

	state := s.Snapshot()
	assert.Equal(t, "zh:World", state.Translations[2])
	assert.Contains(t, state.Translations[1], "upstream rejected")
}

func TestSession_ApplySettings_CacheRules(t *testing.T) {
	backend := newFakeBackend()
	s, _ := newTestSession(backend, translatingSettings())
	require.NoError(t, s.LoadVideo(context.Background(), "vid"))
	assert.Equal(t, 2, s.translator.Cache().Len(), "failed cue is not cached")

	model := "qwen/b"
	_, err := s.ApplySettings(context.Background(), config.SettingsPatch{SelectedModel: &model})
	require.NoError(t, err)
	assert.Equal(t, 2, s.translator.Cache().Len())

	target := "fr"
	before := backend.translateCalls()
	next, err := s.ApplySettings(context.Background(), config.SettingsPatch{TranslationLanguage: &target})
	require.NoError(t, err)
	assert.Equal(t, "fr", next.TranslationLanguage)
	assert.Equal(t, before+3, backend.translateCalls())
	assert.Equal(t, "fr:Hello", s.Snapshot().Translations[0])

	lang := "ja"
	_, err = s.ApplySettings(context.Background(), config.SettingsPatch{CaptionLanguage: &lang})
	require.NoError(t, err)
	assert.Equal(t, []string{"en", "ja"}, backend.langs)
	assert.Equal(t, uint64(2), s.Generation())
}

func TestSession_ApplySettings_DropsTranslationsForOldLanguage(t *testing.T) {
	backend := newFakeBackend()
	backend.captions["one"] = []caption.Cue{{Start: 0, End: 2, Text: "Hello"}}
	gate := make(chan struct{})
	backend.translateGate["zh"] = gate
	s, rec := newTestSession(backend, config.DefaultSettings())
	require.NoError(t, s.LoadVideo(context.Background(), "one"))

	enabled := true
	done := make(chan error, 1)
	go func() {
		_, err := s.ApplySettings(context.Background(), config.SettingsPatch{TranslationEnabled: &enabled})
		done <- err
	}()
	assert.Equal(t, "zh", <-backend.translateEntered)

	target := "ja"
	_, err := s.ApplySettings(context.Background(), config.SettingsPatch{TranslationLanguage: &target})
	require.NoError(t, err)
	assert.Equal(t, "ja:Hello", s.Snapshot().Translations[0])

	close(gate)
	require.NoError(t, <-done)

	assert.Equal(t, "ja", s.Settings().TranslationLanguage)
	assert.Equal(t, "ja:Hello", s.Snapshot().Translations[0])
	for _, e := range rec.ofType(EventCueTranslated) {
		assert.NotEqual(t, "zh:Hello", e.Translation)
	}
}

func TestSession_ApplySettings_EmptyCredentialNotPushed(t *testing.T) {
	backend := newFakeBackend()
	settings := config.DefaultSettings()
	settings.Credential = "sk-old"
	s, _ := newTestSession(backend, settings)

	empty := ""
	_, err := s.ApplySettings(context.Background(), config.SettingsPatch{Credential: &empty})
	require.NoError(t, err)
	assert.Empty(t, backend.credentials)

	key := "sk-new"
	_, err = s.ApplySettings(context.Background(), config.SettingsPatch{Credential: &key})
	require.NoError(t, err)
	assert.Equal(t, []string{"sk-new"}, backend.credentials)
}

func TestSession_ApplySettings_Invalid(t *testing.T) {
	s, _ := newTestSession(newFakeBackend(), config.DefaultSettings())
	ratio := 1.5
	_, err := s.ApplySettings(context.Background(), config.SettingsPatch{MixRatio: &ratio})
	assert.True(t, apperr.IsErrorType(err, apperr.ErrValidation))
	assert.Equal(t, 1.0, s.Settings().MixRatio)
}

func TestSession_RetryTranslation(t *testing.T) {
	backend := newFakeBackend()
	s, _ := newTestSession(backend, translatingSettings())
	require.NoError(t, s.LoadVideo(context.Background(), "vid"))
	calls := backend.translateCalls()

	// no active cue
	require.NoError(t, s.RetryTranslation(context.Background(), ""))
	assert.Equal(t, calls, backend.translateCalls())

	s.UpdateTime(context.Background(), 1)
	s.Wait()
	require.NoError(t, s.RetryTranslation(context.Background(), "deepseek/x"))
	assert.Equal(t, calls+1, backend.translateCalls())
	assert.Equal(t, "deepseek/x", backend.translateReqs[len(backend.translateReqs)-1].Model)
	assert.Equal(t, "deepseek/x", s.Settings().SelectedModel)
}

func TestSession_Initialize(t *testing.T) {
	backend := newFakeBackend()
	settings := config.DefaultSettings()
	settings.Enabled = false
	settings.Credential = "sk-test"
	s, rec := newTestSession(backend, settings)

	require.NoError(t, s.Initialize(context.Background(), "vid"))
	assert.False(t, s.Visible())
	assert.Len(t, rec.ofType(EventPanelHidden), 1)
	assert.Zero(t, backend.captionCalls)
	assert.Equal(t, []string{"sk-test"}, backend.credentials)

	enabled := true
	_, err := s.ApplySettings(context.Background(), config.SettingsPatch{Enabled: &enabled})
	require.NoError(t, err)
	assert.True(t, s.Visible())
	assert.Len(t, rec.ofType(EventPanelShown), 1)
	assert.Equal(t, "***", s.Snapshot().Settings.Credential)
}

func TestSession_Initialize_FromStore(t *testing.T) {
	backend := newFakeBackend()
	store, err := config.NewSettingsStore(t.TempDir()+"/settings.json", translatingSettings())
	require.NoError(t, err)
	s := New(backend, WithSettingsStore(store), WithRetryPolicy(noSleep()))

	require.NoError(t, s.Initialize(context.Background(), "vid"))
	assert.True(t, s.Visible())
	assert.Len(t, s.Snapshot().Translations, 3)

	ratio := 0.5
	_, err = s.ApplySettings(context.Background(), config.SettingsPatch{MixRatio: &ratio})
	require.NoError(t, err)
	persisted, err := store.GetSettings()
	require.NoError(t, err)
	assert.Equal(t, 0.5, persisted.MixRatio)
}

func TestErrorMarker(t *testing.T) {
	assert.Equal(t, "[Translation failed: boom]", ErrorMarker(errors.New("boom")))
}

var _ Backend = (*fakeBackend)(nil)

func TestEmitterFunc(t *testing.T) {
	var n atomic.Int32
	s := New(newFakeBackend(), WithEmitter(EmitterFunc(func(Event) { n.Add(1) })))
	s.Show()
	assert.Equal(t, int32(1), n.Load())
}

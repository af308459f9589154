package translation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MimeLyc/caption-floater/internal/llm"
	"github.com/MimeLyc/caption-floater/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(context.Context, time.Duration) error { return nil }

func TestNewKey_DefaultModel(t *testing.T) {
	k := NewKey(llm.Request{Text: "hi", TargetLanguage: "zh", MixRatio: 1})
	assert.Equal(t, DefaultModel, k.Model)
	assert.Equal(t, k, NewKey(llm.Request{Text: "hi", TargetLanguage: "zh", MixRatio: 1, Model: " "}))
}

func TestKey_NoDelimiterCollision(t *testing.T) {
	a := NewKey(llm.Request{Text: "a|zh", TargetLanguage: "en", MixRatio: 1})
	b := NewKey(llm.Request{Text: "a", TargetLanguage: "zh|en", MixRatio: 1})
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a.String(), b.String())
}

func TestCachedTranslator_Idempotent(t *testing.T) {
	var calls atomic.Int32
	backend := TranslatorFunc(func(_ context.Context, req llm.Request) (string, error) {
		calls.Add(1)
		return "T:" + req.Text, nil
	})
	tr := NewCachedTranslator(backend, NewCache(), retry.Policy{Sleep: noSleep})

	req := llm.Request{Text: "Hello", TargetLanguage: "zh", MixRatio: 0.5, Model: "qwen/x"}
	first, err := tr.Translate(context.Background(), req)
	require.NoError(t, err)
	second, err := tr.Translate(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "T:Hello", first)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCachedTranslator_ConcurrentCallsCollapse(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	backend := TranslatorFunc(func(_ context.Context, req llm.Request) (string, error) {
		calls.Add(1)
		<-release
		return "done", nil
	})
	tr := NewCachedTranslator(backend, nil, retry.Policy{Sleep: noSleep})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := tr.Translate(context.Background(), llm.Request{Text: "same", TargetLanguage: "zh", MixRatio: 1})
			assert.NoError(t, err)
			assert.Equal(t, "done", v)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, tr.Cache().Len())
}

func TestCachedTranslator_FailuresAreNotCached(t *testing.T) {
	var calls atomic.Int32
	boom := errors.New("remote down")
	backend := TranslatorFunc(func(context.Context, llm.Request) (string, error) {
		calls.Add(1)
		return "", boom
	})
	tr := NewCachedTranslator(backend, NewCache(), retry.Policy{Sleep: noSleep})

	_, err := tr.Translate(context.Background(), llm.Request{Text: "x"})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(3), calls.Load())
	assert.Zero(t, tr.Cache().Len())
}

func TestCache_InvalidationOnLanguageChange(t *testing.T) {
	var calls atomic.Int32
	backend := TranslatorFunc(func(_ context.Context, req llm.Request) (string, error) {
		calls.Add(1)
		return req.TargetLanguage + ":" + req.Text, nil
	})
	cache := NewCache()
	tr := NewCachedTranslator(backend, cache, retry.Policy{Sleep: noSleep})

	old := llm.Request{Text: "Hello", TargetLanguage: "zh", MixRatio: 1}
	_, err := tr.Translate(context.Background(), old)
	require.NoError(t, err)
	_, ok := cache.Get(NewKey(old))
	require.True(t, ok)

	// target language changed: the session clears the cache
	cache.Clear()
	_, ok = cache.Get(NewKey(old))
	assert.False(t, ok)

	v, err := tr.Translate(context.Background(), llm.Request{Text: "Hello", TargetLanguage: "ja", MixRatio: 1})
	require.NoError(t, err)
	assert.Equal(t, "ja:Hello", v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCachedTranslator_CancelledCallerDoesNotFailOthers(t *testing.T) {
	var calls atomic.Int32
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	backend := TranslatorFunc(func(ctx context.Context, req llm.Request) (string, error) {
		calls.Add(1)
		entered <- struct{}{}
		select {
		case <-release:
			return "T:" + req.Text, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	tr := NewCachedTranslator(backend, nil, retry.Policy{MaxAttempts: 1, Sleep: noSleep})
	req := llm.Request{Text: "Hello", TargetLanguage: "zh", MixRatio: 1}

	firstCtx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := tr.Translate(firstCtx, req)
		first <- err
	}()
	<-entered

	second := make(chan string, 1)
	go func() {
		v, err := tr.Translate(context.Background(), req)
		assert.NoError(t, err)
		second <- v
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	close(release)
	assert.Equal(t, "T:Hello", <-second)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, tr.Cache().Len())
}

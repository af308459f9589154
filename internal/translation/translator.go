package translation

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/caption-floater/internal/llm"
	"github.com/MimeLyc/caption-floater/internal/retry"
	"github.com/MimeLyc/caption-floater/pkg/log"
)

// Translator is anything that can translate one line.
type Translator interface {
	Translate(ctx context.Context, req llm.Request) (string, error)
}

// TranslatorFunc adapts a function to Translator.
type TranslatorFunc func(ctx context.Context, req llm.Request) (string, error)

func (f TranslatorFunc) Translate(ctx context.Context, req llm.Request) (string, error) {
	return f(ctx, req)
}

// CachedTranslator consults the cache, collapses identical in-flight
// requests and retries the backend. Only successes are stored.
type CachedTranslator struct {
	backend Translator
	cache   *Cache
	policy  retry.Policy
	group   singleflight.Group
}

// NewCachedTranslator wraps backend. A nil cache gets a fresh one.
func NewCachedTranslator(backend Translator, cache *Cache, policy retry.Policy) *CachedTranslator {
	if cache == nil {
		cache = NewCache()
	}
	if policy.OnRetry == nil {
		policy.OnRetry = func(attempt int, err error, delay time.Duration) {
			log.Warn("Translation attempt %d failed, retrying in %s: %v", attempt, delay, err)
		}
	}
	return &CachedTranslator{
		backend: backend,
		cache:   cache,
		policy:  policy,
	}
}

func (t *CachedTranslator) Cache() *Cache {
	return t.cache
}

// Translate returns the translation of req. Identical concurrent requests
// share one backend call, which runs detached from any single caller so a
// cancelled caller does not fail the others. Each caller still returns as
// soon as its own ctx is done.
func (t *CachedTranslator) Translate(ctx context.Context, req llm.Request) (string, error) {
	key := NewKey(req)
	if v, ok := t.cache.Get(key); ok {
		return v, nil
	}

	shared := context.WithoutCancel(ctx)
	ch := t.group.DoChan(key.String(), func() (any, error) {
		if v, ok := t.cache.Get(key); ok {
			return v, nil
		}
		out, err := retry.Do(shared, t.policy, func(ctx context.Context) (string, error) {
			return t.backend.Translate(ctx, req)
		})
		if err != nil {
			return "", err
		}
		t.cache.Put(key, out)
		return out, nil
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

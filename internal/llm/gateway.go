package llm

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/MimeLyc/caption-floater/internal/apperr"
	"github.com/MimeLyc/caption-floater/pkg/log"
)

// Gateway owns the credential, the model catalog and the active model, and
// turns translation requests into chat completions.
type Gateway struct {
	client   *Client
	prefixes []string
	limiter  *rate.Limiter

	mu         sync.RWMutex
	credential string
	models     []string
	active     string
	preferred  string
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithCredential sets the initial API key.
func WithCredential(key string) GatewayOption {
	return func(g *Gateway) {
		g.credential = strings.TrimSpace(key)
	}
}

// WithPreferredModel makes id the active model after discovery when the
// catalog contains it.
func WithPreferredModel(id string) GatewayOption {
	return func(g *Gateway) {
		g.preferred = strings.TrimSpace(id)
	}
}

// WithHTTPClient replaces the client built from Config.Timeout. Nil is
// ignored.
func WithHTTPClient(hc *http.Client) GatewayOption {
	return func(g *Gateway) {
		if hc != nil {
			g.client.httpClient = hc
		}
	}
}

// NewGateway creates a gateway for the API described by config.
//
// Parameters:
//   - config: endpoint, limits and model allow-list; validated here
//   - opts: initial credential, preferred model, HTTP client
//
// The catalog starts empty. Call DiscoverModels, or SetCredential, before
// translating without an explicit model.
//
// Example:
//
//	g, err := llm.NewGateway(llm.DefaultConfig(), llm.WithCredential(key))
//	if err != nil {
//		return err
//	}
//	if _, err := g.DiscoverModels(ctx); err != nil {
//		return err
//	}
//	out, err := g.Translate(ctx, llm.Request{Text: "Hello", TargetLanguage: "zh", MixRatio: 1})
func NewGateway(config *Config, opts ...GatewayOption) (*Gateway, error) {
	client, err := NewClient(config)
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		client:   client,
		prefixes: normalizePrefixes(config.ModelPrefixes),
	}
	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func normalizePrefixes(prefixes []string) []string {
	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (g *Gateway) eligible(id string) bool {
	if len(g.prefixes) == 0 {
		return true
	}
	lower := strings.ToLower(id)
	for _, p := range g.prefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// DiscoverModels fetches the catalog, applies the prefix allow-list and
// replaces the cached catalog. If no model is active, or the active one
// left the catalog, the preferred model or else the first one becomes active.
func (g *Gateway) DiscoverModels(ctx context.Context) ([]string, error) {
	g.mu.RLock()
	credential := g.credential
	g.mu.RUnlock()

	if credential == "" {
		return nil, apperr.New(apperr.ErrInvalidCredential, "credential is empty")
	}

	infos, err := g.client.ListModels(ctx, credential)
	if err != nil {
		return nil, err
	}

	models := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.ID != "" && g.eligible(info.ID) {
			models = append(models, info.ID)
		}
	}
	if len(models) == 0 {
		return nil, apperr.New(apperr.ErrNoEligibleModels, "no eligible models in catalog").
			WithContext("catalog_size", len(infos))
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.credential != credential {
		// credential swapped mid-flight; this catalog belongs to the old one
		return slices.Clone(models), nil
	}
	g.models = models
	if g.active == "" || !slices.Contains(models, g.active) {
		if g.preferred != "" && slices.Contains(models, g.preferred) {
			g.active = g.preferred
		} else {
			g.active = models[0]
		}
	}
	log.Info("Discovered %d eligible models, active model %s", len(models), g.active)
	return slices.Clone(models), nil
}

// SetModel selects id as the active model. The active model is unchanged
// when id is not in the catalog.
func (g *Gateway) SetModel(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !slices.Contains(g.models, id) {
		return apperr.New(apperr.ErrModelNotAvailable, "model not available").WithContext("model", id)
	}
	g.active = id
	g.preferred = id
	return nil
}

// SetCredential swaps the API key and refreshes the catalog. An empty key
// clears the catalog.
func (g *Gateway) SetCredential(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)

	g.mu.Lock()
	if key == g.credential && len(g.models) > 0 {
		g.mu.Unlock()
		return nil
	}
	g.credential = key
	g.models = nil
	g.mu.Unlock()

	if key == "" {
		return nil
	}
	_, err := g.DiscoverModels(ctx)
	return err
}

// Models returns a copy of the cached catalog, empty until the first
// successful discovery.
func (g *Gateway) Models() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.models)
}

// ActiveModel is the model used when a request names none.
func (g *Gateway) ActiveModel() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.active
}

func (g *Gateway) HasCredential() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.credential != ""
}

func (g *Gateway) Credential() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.credential
}

// Translate sends one translation request. The explicit model wins over the
// active one.
func (g *Gateway) Translate(ctx context.Context, req Request) (string, error) {
	g.mu.RLock()
	credential := g.credential
	model := g.active
	g.mu.RUnlock()

	if credential == "" {
		return "", apperr.New(apperr.ErrMissingCredential, "no API key configured")
	}
	if m := strings.TrimSpace(req.Model); m != "" {
		model = m
	}
	if model == "" {
		return "", apperr.New(apperr.ErrMissingModel, "no model selected")
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	prompt := BuildPrompt(req.Text, req.TargetLanguage, req.MixRatio)
	resp, err := g.client.ChatCompletion(ctx, credential, model, []Message{
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == nil {
		return "", apperr.New(apperr.ErrUnexpectedResponseShape, "completion has no message content").
			WithContext("model", model)
	}
	return strings.TrimSpace(*resp.Choices[0].Message.Content), nil
}

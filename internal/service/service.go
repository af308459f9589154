package service

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/caption-floater/internal/apperr"
	"github.com/MimeLyc/caption-floater/internal/caption"
	"github.com/MimeLyc/caption-floater/internal/config"
	"github.com/MimeLyc/caption-floater/internal/llm"
	"github.com/MimeLyc/caption-floater/internal/retry"
	"github.com/MimeLyc/caption-floater/pkg/icron"
	"github.com/MimeLyc/caption-floater/pkg/log"
)

// CaptionSource fetches a caption track for a video.
type CaptionSource interface {
	Fetch(ctx context.Context, videoID, preferredLanguage string) (*caption.Track, error)
}

type cronEngine interface {
	AddFunc(spec string, cmd func()) (cron.EntryID, error)
}

// Service handles the background control messages: caption retrieval,
// single-line translation and model catalog management.
type Service struct {
	cfg       config.Config
	captions  CaptionSource
	gateway   *llm.Gateway
	policy    retry.Policy
	refreshes singleflight.Group
}

type Option func(*Service)

func WithCaptionSource(src CaptionSource) Option {
	return func(s *Service) {
		s.captions = src
	}
}

func WithGateway(g *llm.Gateway) Option {
	return func(s *Service) {
		s.gateway = g
	}
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Service) {
		s.policy = p
	}
}

// New creates the service. Without options it builds the caption extractor
// and the gateway from cfg.
func New(cfg config.Config, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:    cfg,
		policy: cfg.Retry.Policy(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.captions == nil {
		s.captions = caption.NewExtractor(
			caption.WithWatchURL(cfg.Caption.WatchURL),
			caption.WithUserAgent(cfg.Caption.UserAgent),
			caption.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Caption.Timeout) * time.Second}),
		)
	}
	if s.gateway == nil {
		g, err := llm.NewGateway(&llm.Config{
			APIURL:        cfg.LLM.APIURL,
			MaxTokens:     cfg.LLM.MaxTokens,
			Temperature:   cfg.LLM.Temperature,
			Timeout:       cfg.LLM.Timeout,
			SiteURL:       cfg.LLM.SiteURL,
			AppName:       cfg.LLM.AppName,
			ModelPrefixes: cfg.LLM.ModelPrefixes,
			RateLimit:     cfg.LLM.RateLimit,
			RateBurst:     cfg.LLM.RateBurst,
		},
			llm.WithCredential(cfg.LLM.APIKey),
			llm.WithPreferredModel(cfg.LLM.Model),
		)
		if err != nil {
			return nil, err
		}
		s.gateway = g
	}
	if s.policy.OnRetry == nil {
		s.policy.OnRetry = func(attempt int, err error, delay time.Duration) {
			log.Warn("Caption fetch attempt %d failed, retrying in %s: %v", attempt, delay, err)
		}
	}
	return s, nil
}

func (s *Service) Gateway() *llm.Gateway {
	return s.gateway
}

// GetCaptions fetches and decodes the captions of videoID with retries.
func (s *Service) GetCaptions(ctx context.Context, req CaptionsRequest) CaptionsResult {
	lang := strings.TrimSpace(req.LanguageCode)
	if lang == "" {
		lang = s.cfg.Caption.Language
	}

	track, err := retry.Do(ctx, s.policy, func(ctx context.Context) (*caption.Track, error) {
		return s.captions.Fetch(ctx, req.VideoID, lang)
	})
	if err != nil {
		apperr.Report("getCaptions", err)
		msg, typ := errorFields(err)
		return CaptionsResult{Error: msg, ErrorType: typ}
	}

	log.Info("Loaded %d cues for video %s (%s)", len(track.Cues), req.VideoID, track.Descriptor.LanguageCode)
	return CaptionsResult{
		Success:          true,
		Cues:             track.Cues,
		Language:         track.Descriptor.LanguageCode,
		TrackName:        track.Descriptor.Name,
		AutoGenerated:    track.Descriptor.IsAutoGenerated,
		DetectedLanguage: track.DetectedLanguage.String(),
	}
}

// TranslateLine translates one line through the gateway.
func (s *Service) TranslateLine(ctx context.Context, req TranslateRequest) TranslateResult {
	if cred := strings.TrimSpace(req.Credential); cred != "" && cred != s.gateway.Credential() {
		if err := s.UpdateCredential(ctx, cred); err != nil {
			// the new key is kept even when the catalog refresh fails
			log.Warn("Model refresh after credential change failed: %v", err)
		}
	}
	if strings.TrimSpace(req.TargetLanguage) == "" {
		req.TargetLanguage = s.cfg.Translate.TargetLanguage.String()
	}
	if req.ratioMissing {
		req.MixRatio = s.cfg.Translate.MixRatio
	}

	out, err := s.gateway.Translate(ctx, req.Request)
	if err != nil {
		apperr.Report("translateLine", err)
		msg, typ := errorFields(err)
		return TranslateResult{Error: msg, ErrorType: typ}
	}
	return TranslateResult{Success: true, TranslatedText: out}
}

// UpdateCredential swaps the API key and refreshes the catalog.
func (s *Service) UpdateCredential(ctx context.Context, key string) error {
	log.Info("Updating API credential")
	return s.gateway.SetCredential(ctx, key)
}

// Models returns the catalog, discovering it first when it is empty.
func (s *Service) Models(ctx context.Context) ModelsResult {
	models := s.gateway.Models()
	if len(models) == 0 {
		var err error
		models, err = s.RefreshModels(ctx)
		if err != nil {
			msg, typ := errorFields(err)
			return ModelsResult{Models: []string{}, Error: msg, ErrorType: typ}
		}
	}

	res := ModelsResult{
		Success:     true,
		Models:      models,
		ActiveModel: s.gateway.ActiveModel(),
	}
	if info, err := icron.GetTriggerInfo(s.cfg.Translate.ModelRefreshCron, time.Now()); err == nil {
		res.NextRefresh = &info.Next
	}
	return res
}

// SelectModel makes id the active model.
func (s *Service) SelectModel(id string) error {
	if err := s.gateway.SetModel(id); err != nil {
		return err
	}
	log.Info("Active model set to %s", id)
	return nil
}

// RefreshModels rediscovers the catalog. Concurrent callers share one request.
func (s *Service) RefreshModels(ctx context.Context) ([]string, error) {
	v, err, _ := s.refreshes.Do("models", func() (any, error) {
		return s.gateway.DiscoverModels(ctx)
	})
	if err != nil {
		apperr.Report("refreshModels", err)
		return nil, err
	}
	return v.([]string), nil
}

// Schedule registers the periodic model catalog refresh.
func (s *Service) Schedule(ctx context.Context, engine cronEngine) error {
	log.Info("Scheduling model refresh with %q", s.cfg.Translate.ModelRefreshCron)

	_, err := engine.AddFunc(s.cfg.Translate.ModelRefreshCron, func() {
		if !s.gateway.HasCredential() {
			log.Debug("Skip model refresh: no credential")
			return
		}
		if _, err := s.RefreshModels(ctx); err != nil {
			log.Error("Scheduled model refresh failed: %v", err)
		}
	})
	return err
}

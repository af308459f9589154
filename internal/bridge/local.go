// Package bridge connects a panel session to the background service, either
// in-process or over HTTP.
package bridge

import (
	"context"
	"strings"

	"github.com/MimeLyc/caption-floater/internal/apperr"
	"github.com/MimeLyc/caption-floater/internal/caption"
	"github.com/MimeLyc/caption-floater/internal/llm"
	"github.com/MimeLyc/caption-floater/internal/service"
)

// Local calls a Service in the same process.
type Local struct {
	svc *service.Service
}

// NewLocal serves session calls straight from svc.
func NewLocal(svc *service.Service) *Local {
	return &Local{svc: svc}
}

func (l *Local) GetCaptions(ctx context.Context, videoID, lang string) ([]caption.Cue, error) {
	res := l.svc.GetCaptions(ctx, service.CaptionsRequest{VideoID: videoID, LanguageCode: lang})
	if !res.Success {
		return nil, resultError(res.Error, res.ErrorType)
	}
	return res.Cues, nil
}

func (l *Local) TranslateLine(ctx context.Context, req llm.Request) (string, error) {
	res := l.svc.TranslateLine(ctx, service.TranslateRequest{Request: req})
	if !res.Success {
		return "", resultError(res.Error, res.ErrorType)
	}
	return res.TranslatedText, nil
}

func (l *Local) UpdateCredential(ctx context.Context, key string) error {
	return l.svc.UpdateCredential(ctx, key)
}

func (l *Local) Models(ctx context.Context) (service.ModelsResult, error) {
	res := l.svc.Models(ctx)
	if !res.Success {
		return res, resultError(res.Error, res.ErrorType)
	}
	return res, nil
}

func (l *Local) SelectModel(_ context.Context, id string) error {
	return l.svc.SelectModel(id)
}

// resultError turns a failure result back into a typed error.
func resultError(msg, typ string) *apperr.Error {
	msg = strings.TrimPrefix(msg, "["+typ+"] ")
	if msg == "" {
		msg = "request failed"
	}
	return apperr.New(apperr.ParseType(typ), msg)
}

package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/MimeLyc/caption-floater/internal/apperr"
	"github.com/MimeLyc/caption-floater/internal/caption"
	"github.com/MimeLyc/caption-floater/internal/llm"
	"github.com/MimeLyc/caption-floater/internal/service"
)

// DefaultTimeout covers a full caption fetch including server side retries.
const DefaultTimeout = 60 * time.Second

// Client talks to a running server. The credential set through
// UpdateCredential travels with every translation request.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu         sync.RWMutex
	credential string
}

type ClientOption func(*Client)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// NewClient creates a client for the server at baseURL, for example
// http://127.0.0.1:8080. Requests time out after DefaultTimeout.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) GetCaptions(ctx context.Context, videoID, lang string) ([]caption.Cue, error) {
	var res service.CaptionsResult
	req := service.CaptionsRequest{VideoID: videoID, LanguageCode: lang}
	if err := c.do(ctx, http.MethodPost, "/api/captions", req, &res); err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, resultError(res.Error, res.ErrorType)
	}
	return res.Cues, nil
}

func (c *Client) TranslateLine(ctx context.Context, req llm.Request) (string, error) {
	c.mu.RLock()
	body := service.TranslateRequest{Request: req, Credential: c.credential}
	c.mu.RUnlock()

	var res service.TranslateResult
	if err := c.do(ctx, http.MethodPost, "/api/translate", body, &res); err != nil {
		return "", err
	}
	if !res.Success {
		return "", resultError(res.Error, res.ErrorType)
	}
	return res.TranslatedText, nil
}

// UpdateCredential only stores key locally; the server picks it up with
// the next translation.
func (c *Client) UpdateCredential(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credential = strings.TrimSpace(key)
	return nil
}

func (c *Client) Models(ctx context.Context) (service.ModelsResult, error) {
	var res service.ModelsResult
	if err := c.do(ctx, http.MethodGet, "/api/models", nil, &res); err != nil {
		return res, err
	}
	if !res.Success {
		return res, resultError(res.Error, res.ErrorType)
	}
	return res, nil
}

func (c *Client) SelectModel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPut, "/api/models/active", map[string]string{"model": id}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrValidation, "invalid server url")
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if unreachable(err) {
			return apperr.Wrap(apperr.ErrDeliveryUnreachable, apperr.ErrDelivery, err.Error())
		}
		return apperr.Wrap(err, apperr.ErrNetwork, "request to server failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrNetwork, "failed to read server response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error     string `json:"error"`
			ErrorType string `json:"errorType"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return resultError(e.Error, e.ErrorType).WithContext("status", resp.StatusCode)
		}
		return apperr.New(apperr.ErrRemote, fmt.Sprintf("server returned %d", resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperr.Wrap(err, apperr.ErrUnexpectedResponseShape, "failed to parse server response")
	}
	return nil
}

// unreachable reports a failure where nothing was listening on the other
// side.
func unreachable(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr) && dnsErr.IsNotFound
}

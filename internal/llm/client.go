package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/MimeLyc/caption-floater/internal/apperr"
)

// Client is a thin OpenAI-compatible HTTP client.
// It is safe for concurrent use; the credential is passed per call.
type Client struct {
	config     *Config
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a new client with the given configuration
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &Client{
		config:  config,
		baseURL: strings.TrimRight(config.APIURL, "/"),
		httpClient: &http.Client{
			Timeout: time.Duration(config.Timeout) * time.Second,
		},
	}, nil
}

// ChatCompletion posts a single chat completion request.
func (c *Client) ChatCompletion(ctx context.Context, credential, model string, messages []Message) (*ChatResponse, error) {
	request := ChatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   c.config.MaxTokens,
		Temperature: c.config.Temperature,
	}

	var response ChatResponse
	if err := c.makeRequest(ctx, credential, http.MethodPost, "/chat/completions", request, &response); err != nil {
		return nil, err
	}
	if response.Error != nil && response.Error.Message != "" {
		return &response, apperr.Wrap(response.Error, apperr.ErrRemote, "chat completion rejected")
	}
	return &response, nil
}

// ListModels returns the raw model catalog.
func (c *Client) ListModels(ctx context.Context, credential string) ([]ModelInfo, error) {
	var list ModelList
	if err := c.makeRequest(ctx, credential, http.MethodGet, "/models", nil, &list); err != nil {
		return nil, err
	}
	return list.Data, nil
}

// makeRequest sends payload as JSON and decodes a 2xx body into out.
// Non-2xx responses become a *RemoteError inside an apperr.ErrRemote.
func (c *Client) makeRequest(ctx context.Context, credential, method, path string, payload, out any) error {
	url := c.baseURL + path

	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range c.config.headers(credential) {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if os.IsTimeout(err) {
			return apperr.Wrap(err, apperr.ErrNetwork, "request timed out")
		}
		return apperr.Wrap(err, apperr.ErrNetwork, "failed to make request")
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperr.Wrap(err, apperr.ErrNetwork, "failed to read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		remote := &RemoteError{StatusCode: resp.StatusCode, Body: string(responseBody)}
		return apperr.Wrap(remote, apperr.ErrRemote, fmt.Sprintf("%s %s", method, path)).
			WithContext("status", resp.StatusCode)
	}

	if err := json.Unmarshal(responseBody, out); err != nil {
		return apperr.Wrap(err, apperr.ErrUnexpectedResponseShape, "failed to parse response")
	}
	return nil
}

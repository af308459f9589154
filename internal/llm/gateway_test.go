package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/MimeLyc/caption-floater/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catalogJSON = `{"data":[
	{"id":"openai/gpt-4o"},
	{"id":"Qwen/Qwen2.5-7B-Instruct"},
	{"id":"deepseek-ai/DeepSeek-V3"},
	{"id":"deepseek/deepseek-chat"}
]}`

type fakeAPI struct {
	server      *httptest.Server
	modelsCalls atomic.Int32
	chatCalls   atomic.Int32
	lastChat    atomic.Pointer[ChatRequest]
	lastAuth    atomic.Pointer[string]
	chatBody    string
}

func newFakeAPI(t *testing.T) *fakeAPI {
	t.Helper()
	return newFakeAPIWithChatBody(t, `{"choices":[{"message":{"role":"assistant","content":"  translated  "}}]}`)
}

func newFakeAPIWithChatBody(t *testing.T, chatBody string) *fakeAPI {
	t.Helper()
	f := &fakeAPI{chatBody: chatBody}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		f.lastAuth.Store(&auth)
		switch r.URL.Path {
		case "/models":
			f.modelsCalls.Add(1)
			if auth == "Bearer rejected" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"error":"bad key"}`))
				return
			}
			_, _ = w.Write([]byte(catalogJSON))
		case "/chat/completions":
			f.chatCalls.Add(1)
			var req ChatRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			f.lastChat.Store(&req)
			_, _ = w.Write([]byte(f.chatBody))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.server.Close)
	return f
}

func newTestGateway(t *testing.T, api *fakeAPI, opts ...GatewayOption) *Gateway {
	t.Helper()
	g, err := NewGateway(testConfig(api.server.URL), opts...)
	require.NoError(t, err)
	return g
}

func TestGateway_DiscoverModels_FiltersByPrefix(t *testing.T) {
	api := newFakeAPI(t)
	g := newTestGateway(t, api, WithCredential("key"))

	models, err := g.DiscoverModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Qwen/Qwen2.5-7B-Instruct", "deepseek/deepseek-chat"}, models)
	assert.Equal(t, "Qwen/Qwen2.5-7B-Instruct", g.ActiveModel())
	assert.Equal(t, models, g.Models())
}

func TestGateway_DiscoverModels_EmptyPrefixesKeepsAll(t *testing.T) {
	api := newFakeAPI(t)
	cfg := testConfig(api.server.URL)
	cfg.ModelPrefixes = nil
	g, err := NewGateway(cfg, WithCredential("key"))
	require.NoError(t, err)

	models, err := g.DiscoverModels(context.Background())
	require.NoError(t, err)
	assert.Len(t, models, 4)
}

func TestGateway_DiscoverModels_Errors(t *testing.T) {
	api := newFakeAPI(t)

	_, err := newTestGateway(t, api).DiscoverModels(context.Background())
	assert.True(t, apperr.IsErrorType(err, apperr.ErrInvalidCredential))
	assert.Zero(t, api.modelsCalls.Load())

	_, err = newTestGateway(t, api, WithCredential("rejected")).DiscoverModels(context.Background())
	assert.True(t, apperr.IsErrorType(err, apperr.ErrRemote))

	cfg := testConfig(api.server.URL)
	cfg.ModelPrefixes = []string{"anthropic/"}
	g, err := NewGateway(cfg, WithCredential("key"))
	require.NoError(t, err)
	_, err = g.DiscoverModels(context.Background())
	assert.True(t, apperr.IsErrorType(err, apperr.ErrNoEligibleModels))
}

func TestGateway_PreferredModelWins(t *testing.T) {
	api := newFakeAPI(t)
	g := newTestGateway(t, api, WithCredential("key"), WithPreferredModel("deepseek/deepseek-chat"))

	_, err := g.DiscoverModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "deepseek/deepseek-chat", g.ActiveModel())
}

func TestGateway_SetModel(t *testing.T) {
	api := newFakeAPI(t)
	g := newTestGateway(t, api, WithCredential("key"))
	_, err := g.DiscoverModels(context.Background())
	require.NoError(t, err)

	require.NoError(t, g.SetModel("deepseek/deepseek-chat"))
	assert.Equal(t, "deepseek/deepseek-chat", g.ActiveModel())

	err = g.SetModel("openai/gpt-4o")
	require.Error(t, err)
	assert.True(t, apperr.IsErrorType(err, apperr.ErrModelNotAvailable))
	assert.Equal(t, "deepseek/deepseek-chat", g.ActiveModel())
}

func TestGateway_SetCredential_RefreshesCatalog(t *testing.T) {
	api := newFakeAPI(t)
	g := newTestGateway(t, api)
	assert.False(t, g.HasCredential())

	require.NoError(t, g.SetCredential(context.Background(), "new-key"))
	assert.True(t, g.HasCredential())
	assert.Equal(t, int32(1), api.modelsCalls.Load())
	assert.Len(t, g.Models(), 2)

	// same key with a populated catalog is a no-op
	require.NoError(t, g.SetCredential(context.Background(), "new-key"))
	assert.Equal(t, int32(1), api.modelsCalls.Load())

	require.NoError(t, g.SetCredential(context.Background(), ""))
	assert.Empty(t, g.Models())
	assert.False(t, g.HasCredential())
}

func TestGateway_Translate(t *testing.T) {
	api := newFakeAPI(t)
	g := newTestGateway(t, api, WithCredential("key"))
	_, err := g.DiscoverModels(context.Background())
	require.NoError(t, err)

	out, err := g.Translate(context.Background(), Request{Text: "Hello", TargetLanguage: "zh", MixRatio: 1})
	require.NoError(t, err)
	assert.Equal(t, "translated", out)

	req := api.lastChat.Load()
	require.NotNil(t, req)
	assert.Equal(t, "Qwen/Qwen2.5-7B-Instruct", req.Model)
	assert.Equal(t, BuildPrompt("Hello", "zh", 1), req.Messages[0].Content)

	_, err = g.Translate(context.Background(), Request{Text: "Hello", TargetLanguage: "zh", MixRatio: 1, Model: "custom/model"})
	require.NoError(t, err)
	assert.Equal(t, "custom/model", api.lastChat.Load().Model)
}

func TestGateway_Translate_Preconditions(t *testing.T) {
	api := newFakeAPI(t)

	_, err := newTestGateway(t, api).Translate(context.Background(), Request{Text: "x", Model: "m"})
	assert.True(t, apperr.IsErrorType(err, apperr.ErrMissingCredential))

	_, err = newTestGateway(t, api, WithCredential("key")).Translate(context.Background(), Request{Text: "x"})
	assert.True(t, apperr.IsErrorType(err, apperr.ErrMissingModel))

	assert.Zero(t, api.chatCalls.Load())
}

func TestGateway_Translate_UnexpectedShape(t *testing.T) {
	for _, body := range []string{`{"choices":[]}`, `{"choices":[{"message":{"role":"assistant"}}]}`} {
		api := newFakeAPIWithChatBody(t, body)
		g := newTestGateway(t, api, WithCredential("key"))

		_, err := g.Translate(context.Background(), Request{Text: "x", Model: "m"})
		assert.True(t, apperr.IsErrorType(err, apperr.ErrUnexpectedResponseShape), body)
	}
}

func TestGateway_Translate_RateLimited(t *testing.T) {
	api := newFakeAPI(t)
	cfg := testConfig(api.server.URL)
	cfg.RateLimit = 1000
	g, err := NewGateway(cfg, WithCredential("key"))
	require.NoError(t, err)
	require.NotNil(t, g.limiter)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Translate(ctx, Request{Text: "x", Model: "m"})
	assert.Error(t, err)
	assert.Zero(t, api.chatCalls.Load())
}

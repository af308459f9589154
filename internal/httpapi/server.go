package httpapi

import (
	"context"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/MimeLyc/caption-floater/internal/config"
	"github.com/MimeLyc/caption-floater/internal/service"
	"github.com/MimeLyc/caption-floater/internal/session"
)

type backgroundService interface {
	GetCaptions(ctx context.Context, req service.CaptionsRequest) service.CaptionsResult
	TranslateLine(ctx context.Context, req service.TranslateRequest) service.TranslateResult
	Models(ctx context.Context) service.ModelsResult
	SelectModel(id string) error
}

type settingsStore interface {
	GetSettings() (config.Settings, error)
	UpdateSettings(next config.Settings) (config.Settings, error)
	PatchSettings(p config.SettingsPatch) (config.Settings, error)
}

type settingsApplier func(next config.Settings) error

// SessionFactory creates the session behind one panel connection. Events
// of the session must go to emitter.
type SessionFactory func(emitter session.Emitter) *session.Session

// Server exposes the background service, the settings store and panel
// websockets over HTTP.
type Server struct {
	svc        backgroundService
	settings   settingsStore
	apply      settingsApplier
	newSession SessionFactory

	uiEnabled   bool
	uiStaticDir string

	originPatterns []string

	panels atomic.Int32

	mux    *http.ServeMux
	server *http.Server
}

type Option func(*Server)

func WithUI(staticDir string, enabled bool) Option {
	return func(s *Server) {
		s.uiStaticDir = staticDir
		s.uiEnabled = enabled
	}
}

func WithSettingsStore(store settingsStore) Option {
	return func(s *Server) {
		s.settings = store
	}
}

func WithSettingsApplier(apply settingsApplier) Option {
	return func(s *Server) {
		s.apply = apply
	}
}

// WithSessionFactory enables /api/panel.
func WithSessionFactory(f SessionFactory) Option {
	return func(s *Server) {
		s.newSession = f
	}
}

// WithOriginPatterns lists the origin hosts, besides the server's own,
// that may open panel websockets. Patterns use path.Match syntax.
func WithOriginPatterns(patterns []string) Option {
	return func(s *Server) {
		s.originPatterns = patterns
	}
}

func NewServer(svc backgroundService, opts ...Option) *Server {
	s := &Server{
		svc:       svc,
		uiEnabled: false,
		mux:       http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/captions", s.handleCaptions)
	s.mux.HandleFunc("/api/translate", s.handleTranslate)
	s.mux.HandleFunc("/api/models", s.handleModels)
	s.mux.HandleFunc("/api/models/active", s.handleActiveModel)
	s.mux.HandleFunc("/api/settings", s.handleSettings)
	s.mux.HandleFunc("/api/panel", s.handlePanel)
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/", s.handleStatic)
}

func (s *Server) handleStatic(w http.ResponseWriter, r *http.Request) {
	if !s.uiEnabled || s.uiStaticDir == "" {
		http.NotFound(w, r)
		return
	}

	rel := strings.TrimPrefix(path.Clean(r.URL.Path), "/")
	indexPath := filepath.Join(s.uiStaticDir, "index.html")

	if rel == "" || !strings.Contains(filepath.Base(rel), ".") {
		http.ServeFile(w, r, indexPath)
		return
	}

	filePath := filepath.Join(s.uiStaticDir, rel)
	if _, err := os.Stat(filePath); err != nil {
		// unknown asset paths fall back to the panel page
		http.ServeFile(w, r, indexPath)
		return
	}
	http.ServeFile(w, r, filePath)
}

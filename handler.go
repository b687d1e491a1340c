package websim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// HandlerConfig configures the simulator handler.
type HandlerConfig struct {
	Config    *Config
	Cache     *Cache
	Providers *ModelProviderManager
	Logger    *slog.Logger
	// ErrorHandler writes non-generation failures (404, 400, ...).
	ErrorHandler func(w http.ResponseWriter, r *http.Request, err error, code int)
}

// Handler simulates a website: every GET synthesizes (or serves a cached)
// page for its path, every POST is answered with generated JSON.
type Handler struct {
	cfg      *HandlerConfig
	mu       sync.Mutex
	inFlight map[string]struct{}
}

var _ http.Handler = (*Handler)(nil)

var (
	errorPageTemplate = template.Must(template.New("api_error").Parse(
		"<h1>Error generating page</h1><p>{{ .error }}</p>"))
	buildRequestErrorPageTemplate = template.Must(template.New("build_request_error").Parse(
		"<h1>Error generating page</h1><p>Failed to build request: {{ .error }}</p>"))
)

func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if cfg.Config == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Cache == nil {
		return nil, errors.New("cache is required")
	}
	if cfg.Providers == nil {
		cfg.Providers = DefaultModelProviderManager()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = func(w http.ResponseWriter, _ *http.Request, err error, code int) {
			http.Error(w, err.Error(), code)
		}
	}
	return &Handler{
		cfg:      &cfg,
		inFlight: make(map[string]struct{}),
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := h.cfg.Logger
	path := NormalizePath(r.URL.Path)
	query := r.URL.RawQuery
	pathAndQuery := path
	if query != "" {
		pathAndQuery += "?" + query
	}
	logger.InfoContext(ctx, "request received", "method", r.Method, "path", path, "query", query)

	referer := r.Header.Get("Referer")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		logger.InfoContext(ctx, "failed to read request body", "error", err)
		h.cfg.ErrorHandler(w, r, errors.New("failed to read request body"), http.StatusBadRequest)
		return
	}

	mimeType, ct, code, err := h.determineContentType(r.Method, r.Header.Get("Accept"), path)
	if err != nil {
		logger.InfoContext(ctx, "no content type resolved", "error", err)
		h.cfg.ErrorHandler(w, r, err, code)
		return
	}

	if r.Method == http.MethodPost {
		if err := ct.ValidatePayload(body); err != nil {
			logger.InfoContext(ctx, "payload rejected", "error", err)
			h.cfg.ErrorHandler(w, r, err, http.StatusBadRequest)
			return
		}
	}

	if r.Method == http.MethodGet {
		if content, ok, err := h.cfg.Cache.Get(ctx, path, query); err != nil {
			// fall through to generation on read errors
			logger.InfoContext(ctx, "cache read error", "query", query, "error", err)
		} else if ok {
			logger.InfoContext(ctx, "cache hit", "query", query)
			w.Header().Set("Content-Type", ct.ContentTypeHeader)
			io.WriteString(w, content)
			return
		} else {
			logger.InfoContext(ctx, "cache miss", "query", query)
		}

		if !h.tryRegisterInFlight(pathAndQuery) {
			logger.InfoContext(ctx, "generation already in progress", "key", pathAndQuery)
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Content generation in progress. Please retry shortly.", http.StatusServiceUnavailable)
			return
		}
		defer h.releaseInFlight(pathAndQuery)
	}

	referenceMaterials := BuildReferenceMaterials(ctx, h.cfg.Cache, logger, referer, path, query, r.Method, string(body))

	builder := ct.UserPromptBuilder(pathAndQuery)
	if referer != "" {
		builder = builder.Headers(referer)
	}
	if referenceMaterials != "" {
		builder = builder.ReferenceMaterials(referenceMaterials)
	}
	userPrompt, err := builder.Build()
	if err != nil {
		logger.InfoContext(ctx, "failed to render user prompt template", "error", err)
		h.renderErrorPage(w, buildRequestErrorPageTemplate, err)
		return
	}

	content, err := h.callModel(ctx, mimeType, ct, userPrompt)
	if err != nil {
		h.renderErrorPage(w, errorPageTemplate, err)
		return
	}

	if r.Method == http.MethodGet {
		if err := h.cfg.Cache.Set(ctx, path, query, content); err != nil {
			// keep serving the response even if storing fails
			logger.InfoContext(ctx, "failed to store generation", "query", query, "error", err)
		} else {
			logger.InfoContext(ctx, "stored generation", "query", query)
		}
	}

	w.Header().Set("Content-Type", ct.ContentTypeHeader)
	io.WriteString(w, content)
}

// Browse serves a path the way a GET request without headers would: cache
// first, then generation. It backs the MCP browse tool and the render command.
func (h *Handler) Browse(ctx context.Context, path, query string) (contentType, content string, err error) {
	path = NormalizePath(path)
	mimeType, ct, ok := h.cfg.Config.DetermineFromPath(path)
	if !ok {
		return "", "", fmt.Errorf("no content type configured for path %s", path)
	}
	if content, ok, err := h.cfg.Cache.Get(ctx, path, query); err == nil && ok {
		return ct.ContentTypeHeader, content, nil
	}
	pathAndQuery := path
	if query != "" {
		pathAndQuery += "?" + query
	}
	builder := ct.UserPromptBuilder(pathAndQuery)
	if materials := BuildReferenceMaterials(ctx, h.cfg.Cache, h.cfg.Logger, "", path, query, http.MethodGet, ""); materials != "" {
		builder = builder.ReferenceMaterials(materials)
	}
	userPrompt, err := builder.Build()
	if err != nil {
		return "", "", fmt.Errorf("build user prompt: %w", err)
	}
	content, err = h.callModel(ctx, mimeType, ct, userPrompt)
	if err != nil {
		return "", "", err
	}
	if err := h.cfg.Cache.Set(ctx, path, query, content); err != nil {
		h.cfg.Logger.InfoContext(ctx, "failed to store generation", "path", path, "error", err)
	}
	return ct.ContentTypeHeader, content, nil
}

// RenderUserPrompt renders the prompt that would be sent for a GET on the
// path, without calling any model.
func (h *Handler) RenderUserPrompt(ctx context.Context, path, query, referer string) (string, error) {
	path = NormalizePath(path)
	_, ct, ok := h.cfg.Config.DetermineFromPath(path)
	if !ok {
		return "", fmt.Errorf("no content type configured for path %s", path)
	}
	pathAndQuery := path
	if query != "" {
		pathAndQuery += "?" + query
	}
	builder := ct.UserPromptBuilder(pathAndQuery)
	if referer != "" {
		builder = builder.Headers(referer)
	}
	if materials := BuildReferenceMaterials(ctx, h.cfg.Cache, h.cfg.Logger, referer, path, query, http.MethodGet, ""); materials != "" {
		builder = builder.ReferenceMaterials(materials)
	}
	return builder.Build()
}

func (h *Handler) determineContentType(method, accept, path string) (string, *ContentTypeConfig, int, error) {
	if method == http.MethodPost {
		// POST requests always generate JSON regardless of path
		if ct, ok := h.cfg.Config.ContentTypes[MIMETypeJSON]; ok {
			return MIMETypeJSON, ct, 0, nil
		}
		return "", nil, http.StatusInternalServerError, errors.New("application/json not configured")
	}
	if mimeType, ct, ok := h.cfg.Config.DetermineFromAccept(accept); ok {
		return mimeType, ct, 0, nil
	}
	if mimeType, ct, ok := h.cfg.Config.DetermineFromPath(path); ok {
		return mimeType, ct, 0, nil
	}
	return "", nil, http.StatusNotFound, errors.New("Not Found")
}

func (h *Handler) callModel(ctx context.Context, mimeType string, ct *ContentTypeConfig, userPrompt string) (string, error) {
	providerName := ct.Provider
	if providerName == "" {
		providerName = DefaultModelProviderName
	}
	provider, err := h.cfg.Providers.Get(providerName)
	if err != nil {
		return "", err
	}
	req := &GenerateRequest{
		ModelID:     ct.Model,
		ModelParams: ct.ModelParams,
		System:      ct.SystemPrompt,
		Prompt:      userPrompt,
	}
	start := time.Now()
	h.cfg.Logger.InfoContext(ctx, "calling model", "provider", providerName, "model", ct.Model, "content_type", mimeType)
	content, err := provider.GenerateText(ctx, req)
	if err != nil {
		h.cfg.Logger.WarnContext(ctx, "model call failed", "duration", time.Since(start), "error", err)
		return "", err
	}
	h.cfg.Logger.InfoContext(ctx, "model responded", "duration", time.Since(start), "bytes", len(content), "content_type", mimeType)
	return content, nil
}

func (h *Handler) tryRegisterInFlight(key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.inFlight[key]; ok {
		return false
	}
	h.inFlight[key] = struct{}{}
	return true
}

func (h *Handler) releaseInFlight(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.inFlight, key)
}

func (h *Handler) renderErrorPage(w http.ResponseWriter, tmpl *template.Template, genErr error) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, map[string]any{"error": genErr.Error()}); err != nil {
		fmt.Fprintf(w, "<h1>Error generating page</h1><p>%s</p>", template.HTMLEscapeString(genErr.Error()))
		return
	}
	w.Write(buf.Bytes())
}

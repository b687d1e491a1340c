package websim

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	mu       sync.Mutex
	requests []*GenerateRequest
	generate func(ctx context.Context, req *GenerateRequest) (string, error)
}

func (p *stubProvider) GenerateText(ctx context.Context, req *GenerateRequest) (string, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if p.generate != nil {
		return p.generate(ctx, req)
	}
	return "<h1>generated</h1>", nil
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *stubProvider) lastRequest() *GenerateRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.requests) == 0 {
		return nil
	}
	return p.requests[len(p.requests)-1]
}

func newTestHandler(t *testing.T, cfg *Config, provider ModelProvider) *Handler {
	t.Helper()
	cache, err := NewCache("")
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	manager := NewModelProviderManager()
	require.NoError(t, manager.Register("openrouter", provider))

	h, err := NewHandler(HandlerConfig{
		Config:    cfg,
		Cache:     cache,
		Providers: manager,
	})
	require.NoError(t, err)
	return h
}

func TestHandlerGetGeneratesAndCaches(t *testing.T) {
	provider := &stubProvider{}
	h := newTestHandler(t, newTestConfig(t), provider)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/apples", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	require.Equal(t, "<h1>generated</h1>", rec.Body.String())
	require.Equal(t, 1, provider.callCount())

	req := provider.lastRequest()
	require.Equal(t, "openai/gpt-4o-mini", req.ModelID)
	require.Equal(t, "You are a website.", req.System)
	require.Contains(t, req.Prompt, "Generate content for path: /apples")

	// second request is served from the cache
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/apples", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "<h1>generated</h1>", rec.Body.String())
	require.Equal(t, 1, provider.callCount())
}

func TestHandlerTrailingSlashSharesCache(t *testing.T) {
	provider := &stubProvider{}
	h := newTestHandler(t, newTestConfig(t), provider)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/apples/", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/apples", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, provider.callCount())
}

func TestHandlerQueryVariationsAreDistinct(t *testing.T) {
	provider := &stubProvider{}
	h := newTestHandler(t, newTestConfig(t), provider)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/apples", nil))
	require.Equal(t, 1, provider.callCount())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/apples?color=green", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 2, provider.callCount())

	// the base page is offered as reference material for the variation
	require.Contains(t, provider.lastRequest().Prompt, "### /apples (base page)")
}

func TestHandlerUnknownExtensionNotFound(t *testing.T) {
	provider := &stubProvider{}
	h := newTestHandler(t, newTestConfig(t), provider)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/theme.css", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, 0, provider.callCount())
}

func TestHandlerAcceptHeader(t *testing.T) {
	provider := &stubProvider{generate: func(_ context.Context, _ *GenerateRequest) (string, error) {
		return `{"items": []}`, nil
	}}
	h := newTestHandler(t, newTestConfig(t), provider)

	req := httptest.NewRequest(http.MethodGet, "/apples", nil)
	req.Header.Set("Accept", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.Equal(t, "You are an API.", provider.lastRequest().System)
}

func TestHandlerRefererInPrompt(t *testing.T) {
	provider := &stubProvider{}
	h := newTestHandler(t, newTestConfig(t), provider)

	req := httptest.NewRequest(http.MethodGet, "/apples", nil)
	req.Header.Set("Referer", "http://localhost:3000/")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, provider.lastRequest().Prompt, "Headers: http://localhost:3000/")
}

func TestHandlerPostGeneratesJSON(t *testing.T) {
	provider := &stubProvider{generate: func(_ context.Context, _ *GenerateRequest) (string, error) {
		return `{"status": "ok"}`, nil
	}}
	cfg := newTestConfig(t)
	h := newTestHandler(t, cfg, provider)

	body := `{"name": "John Doe", "text": "hello"}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/guestbook", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.JSONEq(t, `{"status": "ok"}`, rec.Body.String())

	req := provider.lastRequest()
	require.Equal(t, "You are an API.", req.System)
	require.Contains(t, req.Prompt, "## Request Body")
	require.Contains(t, req.Prompt, body)

	// POST responses are never cached
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/guestbook", strings.NewReader(body)))
	require.Equal(t, 2, provider.callCount())
}

func TestHandlerPostWithoutJSONConfigured(t *testing.T) {
	cfg := newTestConfig(t)
	delete(cfg.ContentTypes, "application/json")
	provider := &stubProvider{}
	h := newTestHandler(t, cfg, provider)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/guestbook", strings.NewReader("{}")))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "application/json not configured")
}

func TestHandlerPostPayloadValidation(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.ContentTypes["application/json"].PayloadSchema = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
		},
		"required": []any{"name"},
	}
	provider := &stubProvider{}
	h := newTestHandler(t, cfg, provider)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/guestbook", strings.NewReader(`{"text": "no name"}`)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, 0, provider.callCount())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/guestbook", strings.NewReader(`{"name": "John Doe"}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, provider.callCount())
}

func TestHandlerProviderErrorPage(t *testing.T) {
	provider := &stubProvider{generate: func(_ context.Context, _ *GenerateRequest) (string, error) {
		return "", context.DeadlineExceeded
	}}
	h := newTestHandler(t, newTestConfig(t), provider)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/apples", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "<h1>Error generating page</h1>")
	require.Contains(t, rec.Body.String(), "context deadline exceeded")

	// failed generations are not cached
	_, ok, err := h.cfg.Cache.Get(context.Background(), "/apples", "")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHandlerInFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	provider := &stubProvider{generate: func(_ context.Context, _ *GenerateRequest) (string, error) {
		close(entered)
		<-release
		return "<h1>slow</h1>", nil
	}}
	h := newTestHandler(t, newTestConfig(t), provider)

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/slow", nil))
		done <- rec
	}()

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("generation never started")
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/slow", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))

	close(release)
	first := <-done
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, "<h1>slow</h1>", first.Body.String())

	// the guard is released afterwards
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/slow", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerBrowse(t *testing.T) {
	provider := &stubProvider{}
	h := newTestHandler(t, newTestConfig(t), provider)
	ctx := context.Background()

	contentType, content, err := h.Browse(ctx, "/apples", "")
	require.NoError(t, err)
	require.Equal(t, "text/html; charset=utf-8", contentType)
	require.Equal(t, "<h1>generated</h1>", content)
	require.Equal(t, 1, provider.callCount())

	_, _, err = h.Browse(ctx, "/apples/", "")
	require.NoError(t, err)
	require.Equal(t, 1, provider.callCount())
}

func TestHandlerRenderUserPrompt(t *testing.T) {
	provider := &stubProvider{}
	h := newTestHandler(t, newTestConfig(t), provider)

	prompt, err := h.RenderUserPrompt(context.Background(), "/apples", "color=green", "")
	require.NoError(t, err)
	require.Contains(t, prompt, "Generate content for path: /apples?color=green")
	require.Equal(t, 0, provider.callCount())
}

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-relay-backend/internal/config"
	"github.com/tbourn/go-relay-backend/internal/domain"
	"github.com/tbourn/go-relay-backend/internal/telegram"
)

// --- fake platform adapter and pipeline ---

type fakeAdapter struct {
	mu    sync.Mutex
	sends int
}

func (f *fakeAdapter) VerifyWebhook(secret string) bool { return secret == "router-secret" }

func (f *fakeAdapter) ExtractMessage(u tgbotapi.Update) telegram.Extraction {
	ext := telegram.Extraction{UpdateID: u.UpdateID}
	if u.Message != nil {
		ext.Text = u.Message.Text
		if u.Message.Chat.ID != 0 {
			ext.ChatID = u.Message.Chat.ID
		}
	}
	return ext
}

func (f *fakeAdapter) BuildAttachments(context.Context, []telegram.FileInfo, string) []domain.Attachment {
	return nil
}

func (f *fakeAdapter) SendMessage(context.Context, int64, string) error {
	f.mu.Lock()
	f.sends++
	f.mu.Unlock()
	return nil
}

type fakePipeline struct {
	mu    sync.Mutex
	calls int
	done  chan struct{}
}

func newFakePipeline() *fakePipeline { return &fakePipeline{done: make(chan struct{}, 8)} }

func (f *fakePipeline) Relay(context.Context, domain.NormalizedMessage) domain.NormalizedResponse {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	f.done <- struct{}{}
	return domain.NormalizedResponse{Text: "ok", StatusCode: 200}
}

// --- test DB helper (pure-Go sqlite, no CGO) ---
func newTestDB(t *testing.T, dsn string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.AuditRecord{}, &domain.ProcessedUpdate{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func testConfig() config.Config {
	return config.Config{
		RateRPS:         100,
		RateBurst:       10,
		UpdateDedupeTTL: time.Hour,
		CORS:            config.CORSConfig{AllowedOrigins: nil}, // triggers AllowAllOrigins branch
		Security:        config.SecurityConfig{EnableHSTS: false, HSTSMaxAge: 0},
		OTEL:            config.OTELConfig{ServiceName: "test-svc"},
	}
}

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	db := newTestDB(t, "file:routerdb?mode=memory&cache=shared")

	RegisterRoutes(r, db, &fakeAdapter{}, newFakePipeline(), testConfig())

	// /health works
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	// CORS (AllowAllOrigins) → header "*"
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}

	// /metrics is wired
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || len(w.Body.Bytes()) == 0 {
		t.Fatalf("GET /metrics bad: code=%d len=%d", w.Code, w.Body.Len())
	}

	// NoRoute → 404
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/nope", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope expected 404, got %d", w.Code)
	}

	// NoMethod → 405 (GET on the webhook route)
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/webhook/telegram", nil)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /webhook/telegram expected 405, got %d", w.Code)
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	db := newTestDB(t, "file:routerdb_cors?mode=memory&cache=shared")

	cfg := testConfig()
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"http://example.com"}}
	RegisterRoutes(r, db, &fakeAdapter{}, newFakePipeline(), cfg)

	// Any request runs through CORS middleware; header should reflect origin.
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://example.com")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	// tiny cap to trigger MaxBytesReader
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		_, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB")) // 12 bytes
	r.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

// Smoke test that a request traverses otel + logging + ratelimit + security headers pipeline.
func TestPipeline_Smoke(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	db := newTestDB(t, "file:routerdb_smoke?mode=memory&cache=shared")

	cfg := testConfig()
	cfg.Security = config.SecurityConfig{EnableHSTS: true, HSTSMaxAge: time.Hour} // enabled (but only set on https)
	RegisterRoutes(r, db, &fakeAdapter{}, newFakePipeline(), cfg)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	// simulate https so HSTS could be eligible if middleware checks scheme
	req.URL.Scheme = "https"
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("pipeline GET /health = %d", w.Code)
	}
	// RequestID header should be present (from RequestID middleware)
	if rid := w.Header().Get("X-Request-ID"); rid == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
}

func postWebhook(r *gin.Engine, updateID int) *httptest.ResponseRecorder {
	body := `{"update_id":` + jsonInt(updateID) + `,"message":{"message_id":1,"chat":{"id":5},"text":"hello"}}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook/telegram", strings.NewReader(body))
	req.Header.Set(telegram.SecretTokenHeader, "router-secret")
	r.ServeHTTP(w, req)
	return w
}

func jsonInt(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestRegisterRoutes_WebhookDedupe_FirstThenDuplicate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	db := newTestDB(t, "file:routerdb_dedupe?mode=memory&cache=shared")

	adapter := &fakeAdapter{}
	pipe := newFakePipeline()
	RegisterRoutes(r, db, adapter, pipe, testConfig())

	// First delivery is accepted and relayed.
	w := postWebhook(r, 1001)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "accepted") {
		t.Fatalf("first delivery = %d %s", w.Code, w.Body.String())
	}
	select {
	case <-pipe.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("pipeline never ran for first delivery")
	}

	// Same update_id again → recognized as a redelivery.
	w = postWebhook(r, 1001)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "duplicate") {
		t.Fatalf("redelivery = %d %s", w.Code, w.Body.String())
	}

	// A different update_id is fresh.
	w = postWebhook(r, 1002)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "accepted") {
		t.Fatalf("fresh delivery = %d %s", w.Code, w.Body.String())
	}
}

func TestRegisterRoutes_WebhookDedupe_DBErrorFailsOpen(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	db := newTestDB(t, "file:routerdb_err?mode=memory&cache=shared")

	pipe := newFakePipeline()
	RegisterRoutes(r, db, &fakeAdapter{}, pipe, testConfig())

	// Force dedupe queries to fail by closing the underlying connection.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db.DB(): %v", err)
	}
	_ = sqlDB.Close()

	// The update must still be relayed.
	w := postWebhook(r, 2001)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "accepted") {
		t.Fatalf("delivery with broken dedupe store = %d %s", w.Code, w.Body.String())
	}
	select {
	case <-pipe.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("pipeline never ran despite fail-open dedupe")
	}
}

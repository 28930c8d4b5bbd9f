package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"cheersplit/internal/cache"
	"cheersplit/internal/log"
	"cheersplit/internal/services"
	"cheersplit/internal/settle"
)

func quietLogger() *log.Logger {
	return log.New(log.Config{Level: slog.LevelError, Output: io.Discard})
}

func newTestServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()
	results := cache.NewLRUCache[*services.Settlement](16, time.Minute)
	if cfg.CacheStats == nil {
		cfg.CacheStats = results.Stats
	}
	svc := services.NewSettlementService(settle.ModeFloat, "AUD", results, nil, quietLogger())
	srv := NewServer(cfg, svc, quietLogger())
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return srv
}

func do(t *testing.T, h http.Handler, method, target, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

const formType = "application/x-www-form-urlencoded"

func settleForm(rows ...[]string) string {
	form := url.Values{}
	for i, row := range rows {
		id := "p" + string(rune('a'+i))
		form.Add("participant_id", id)
		form.Set("name_"+id, row[0])
		form.Set("details_"+id, row[1])
		for _, price := range row[2:] {
			form.Add("item_name_"+id, "thing")
			form.Add("item_price_"+id, price)
		}
	}
	return form.Encode()
}

func TestIndexAndHealth(t *testing.T) {
	srv := newTestServer(t, ServerConfig{})

	rr := do(t, srv.Handler, http.MethodGet, "/", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("index status=%d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{"Calculate Split", `name="participant_id"`, `hx-post="/settle"`} {
		if !strings.Contains(body, want) {
			t.Errorf("index body missing %q", want)
		}
	}

	for _, path := range []string{"/healthz", "/readyz"} {
		rr := do(t, srv.Handler, http.MethodGet, path, "", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status=%d", path, rr.Code)
		}
	}

	rr = do(t, srv.Handler, http.MethodGet, "/static/app.js", "", "")
	if rr.Code != http.StatusOK {
		t.Errorf("static status=%d", rr.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	srv := newTestServer(t, ServerConfig{})
	rr := do(t, srv.Handler, http.MethodGet, "/", "", "")

	if got := rr.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
	if got := rr.Header().Get("Content-Security-Policy"); got != contentSecurityPolicy {
		t.Errorf("Content-Security-Policy = %q", got)
	}
	if rr.Header().Get("X-Request-Id") == "" {
		t.Error("X-Request-Id not set")
	}
}

func TestUIPartials(t *testing.T) {
	srv := newTestServer(t, ServerConfig{})

	rr := do(t, srv.Handler, http.MethodPost, "/ui/participants", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("new participant status=%d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `name="participant_id"`) {
		t.Errorf("participant row missing id input: %s", rr.Body.String())
	}
	if !strings.Contains(rr.Header().Get("HX-Trigger"), "participant:added") {
		t.Errorf("HX-Trigger = %q", rr.Header().Get("HX-Trigger"))
	}

	rr = do(t, srv.Handler, http.MethodPost, "/ui/participants/abc-123/items", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("new item status=%d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `name="item_price_abc-123"`) {
		t.Errorf("item row missing price input: %s", rr.Body.String())
	}

	rr = do(t, srv.Handler, http.MethodPost, "/ui/participants/bad.id/items", "", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("invalid id status=%d, want 400", rr.Code)
	}
}

func TestSettleForm(t *testing.T) {
	srv := newTestServer(t, ServerConfig{})

	rr := do(t, srv.Handler, http.MethodPost, "/settle", formType,
		settleForm([]string{"A", "0812345678", "30"}, []string{"B", ""}, []string{"C", ""}))
	if rr.Code != http.StatusOK {
		t.Fatalf("settle status=%d body=%s", rr.Code, rr.Body.String())
	}
	body := rr.Body.String()
	for _, want := range []string{
		"<strong>B</strong> owes <strong>A</strong>",
		"<strong>C</strong> owes <strong>A</strong>",
		"$10.00",
		"PromptPay 0812345678",
		`src="data:image/png;base64,`,
		"AUD 30.00",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("result missing %q:\n%s", want, body)
		}
	}
	if !strings.Contains(rr.Header().Get("HX-Trigger"), "settlement:computed") {
		t.Errorf("HX-Trigger = %q", rr.Header().Get("HX-Trigger"))
	}
}

func TestSettleFormAlreadySettled(t *testing.T) {
	srv := newTestServer(t, ServerConfig{})

	rr := do(t, srv.Handler, http.MethodPost, "/settle", formType,
		settleForm([]string{"A", "", "10"}, []string{"B", "", "10"}))
	if rr.Code != http.StatusOK {
		t.Fatalf("settle status=%d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "owes") {
		t.Errorf("expected no transactions:\n%s", rr.Body.String())
	}
}

func TestSettleFormErrors(t *testing.T) {
	srv := newTestServer(t, ServerConfig{RateLimitPerMinute: 1000})

	tests := []struct {
		name       string
		method     string
		body       string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "single participant",
			method:     http.MethodPost,
			body:       settleForm([]string{"A", "", "30"}),
			wantStatus: http.StatusUnprocessableEntity,
			wantBody:   "Should be more than 1 participants",
		},
		{
			name:       "zero total",
			method:     http.MethodPost,
			body:       settleForm([]string{"A", ""}, []string{"B", ""}),
			wantStatus: http.StatusUnprocessableEntity,
			wantBody:   "Total amount is 0",
		},
		{
			name:       "missing name",
			method:     http.MethodPost,
			body:       settleForm([]string{"A", "", "30"}, []string{"", "", "5"}),
			wantStatus: http.StatusUnprocessableEntity,
			wantBody:   "Name of every participants is required.",
		},
		{
			name:       "invalid price",
			method:     http.MethodPost,
			body:       settleForm([]string{"A", "", "abc"}, []string{"B", "", "5"}),
			wantStatus: http.StatusUnprocessableEntity,
			wantBody:   "not a valid amount",
		},
		{
			name:       "malformed id",
			method:     http.MethodPost,
			body:       "participant_id=%3Cscript%3E",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown mode",
			method:     http.MethodPost,
			body:       settleForm([]string{"A", "", "30"}, []string{"B", ""}) + "&mode=banker",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "wrong method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, srv.Handler, tt.method, "/settle", formType, tt.body)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status=%d, want %d, body=%s", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if tt.wantBody != "" && !strings.Contains(rr.Body.String(), tt.wantBody) {
				t.Errorf("body missing %q: %s", tt.wantBody, rr.Body.String())
			}
		})
	}
}

func TestAPISettle(t *testing.T) {
	srv := newTestServer(t, ServerConfig{})

	body := `{"participants":[
		{"name":"A","paymentDetails":"a@example.com","items":[{"itemName":"dinner","price":30}]},
		{"name":"B","paymentDetails":"","items":[]},
		{"name":"C","paymentDetails":"","items":[]}]}`
	rr := do(t, srv.Handler, http.MethodPost, "/api/v1/settlements", "application/json", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}

	var got services.Settlement
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Mode != settle.ModeFloat || got.Currency != "AUD" || got.Total != 30 || got.Mean != 10 {
		t.Errorf("settlement = %+v", got)
	}
	if len(got.Transactions) != 2 {
		t.Fatalf("transactions = %+v, want 2", got.Transactions)
	}
	for i, from := range []string{"B", "C"} {
		tx := got.Transactions[i]
		if tx.From != from || tx.To != "A" || tx.Amount != 10 {
			t.Errorf("transaction %d = %+v", i, tx)
		}
	}
	if len(got.Lines) != 2 || got.Lines[0].Recipient.Value != "a@example.com" {
		t.Errorf("lines = %+v", got.Lines)
	}
}

func TestAPISettleMode(t *testing.T) {
	srv := newTestServer(t, ServerConfig{})

	body := `{"mode":"exact","participants":[
		{"name":"A","items":[{"itemName":"x","price":100}]},
		{"name":"B","items":[]},
		{"name":"C","items":[]}]}`
	rr := do(t, srv.Handler, http.MethodPost, "/api/v1/settlements", "application/json", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	var got services.Settlement
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Mode != settle.ModeExact {
		t.Errorf("mode = %q, want exact", got.Mode)
	}
	// A keeps the leftover cent of the 33.33 shares
	if len(got.Transactions) != 2 {
		t.Fatalf("transactions = %+v, want 2", got.Transactions)
	}
	for _, tx := range got.Transactions {
		if tx.To != "A" || tx.Amount != 33.33 {
			t.Errorf("transaction = %+v, want 33.33 to A", tx)
		}
	}
}

func TestAPISettleErrors(t *testing.T) {
	srv := newTestServer(t, ServerConfig{})

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantKind   string
	}{
		{
			name:       "too few participants",
			body:       `{"participants":[{"name":"A","items":[{"itemName":"x","price":30}]}]}`,
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   "too_few_participants",
		},
		{
			name:       "negative price",
			body:       `{"participants":[{"name":"A","items":[{"itemName":"x","price":-1}]},{"name":"B","items":[]}]}`,
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   "invalid_price",
		},
		{
			name:       "duplicate names",
			body:       `{"participants":[{"name":"A","items":[{"itemName":"x","price":1}]},{"name":"A","items":[]}]}`,
			wantStatus: http.StatusUnprocessableEntity,
			wantKind:   "duplicate_name",
		},
		{
			name:       "malformed",
			body:       `{"participants":`,
			wantStatus: http.StatusBadRequest,
			wantKind:   "malformed",
		},
		{
			name:       "invalid mode",
			body:       `{"mode":"banker","participants":[]}`,
			wantStatus: http.StatusBadRequest,
			wantKind:   "invalid_mode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, srv.Handler, http.MethodPost, "/api/v1/settlements", "application/json", tt.body)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status=%d, want %d, body=%s", rr.Code, tt.wantStatus, rr.Body.String())
			}
			var body apiError
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if body.Kind != tt.wantKind || body.Error == "" {
				t.Errorf("error body = %+v, want kind %q", body, tt.wantKind)
			}
		})
	}
}

func TestAPICORS(t *testing.T) {
	srv := newTestServer(t, ServerConfig{CORSOrigins: []string{"https://split.example"}})

	preflight := func(origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/settlements", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rr := httptest.NewRecorder()
		srv.Handler.ServeHTTP(rr, req)
		return rr
	}

	rr := preflight("https://split.example")
	if rr.Code >= 300 {
		t.Errorf("preflight status=%d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://split.example" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}

	rr = preflight("https://evil.example")
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("disallowed origin got Access-Control-Allow-Origin = %q", got)
	}
}

func TestReadyChecks(t *testing.T) {
	srv := newTestServer(t, ServerConfig{Checks: map[string]ReadinessCheck{
		"amqp": func(context.Context) error { return errors.New("connection refused") },
	}})

	rr := do(t, srv.Handler, http.MethodGet, "/readyz", "", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz status=%d, want 503", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "failed: connection refused") {
		t.Errorf("readyz body = %s", rr.Body.String())
	}
}

func TestMetrics(t *testing.T) {
	srv := newTestServer(t, ServerConfig{})
	form := settleForm([]string{"A", "", "30"}, []string{"B", ""})

	do(t, srv.Handler, http.MethodPost, "/settle", formType, form)
	do(t, srv.Handler, http.MethodPost, "/settle", formType, form)
	do(t, srv.Handler, http.MethodPost, "/settle", formType, settleForm([]string{"A", "", "30"}))

	rr := do(t, srv.Handler, http.MethodGet, "/metrics", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status=%d", rr.Code)
	}
	body := rr.Body.String()
	for _, want := range []string{
		"settlements_computed_total 1\n",
		"settlement_cache_hits_total 1\n",
		"settlement_validation_errors_total 1\n",
		"cache_entries 1\n",
		"# TYPE uptime_seconds gauge",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestRateLimitPOST(t *testing.T) {
	srv := newTestServer(t, ServerConfig{RateLimitPerMinute: 2})

	for i := 0; i < 2; i++ {
		if rr := do(t, srv.Handler, http.MethodPost, "/ui/participants", "", ""); rr.Code != http.StatusOK {
			t.Fatalf("request %d status=%d", i, rr.Code)
		}
	}

	rr := do(t, srv.Handler, http.MethodPost, "/ui/participants", "", "")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status=%d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", rr.Header().Get("Retry-After"))
	}

	rr = do(t, srv.Handler, http.MethodPost, "/api/v1/settlements", "application/json", `{}`)
	if rr.Code != http.StatusTooManyRequests || !strings.Contains(rr.Body.String(), "rate_limited") {
		t.Errorf("api status=%d body=%s", rr.Code, rr.Body.String())
	}

	// GETs are not limited
	if rr := do(t, srv.Handler, http.MethodGet, "/", "", ""); rr.Code != http.StatusOK {
		t.Errorf("GET after limit status=%d", rr.Code)
	}

	metrics := do(t, srv.Handler, http.MethodGet, "/metrics", "", "").Body.String()
	if !strings.Contains(metrics, "rate_limit_hits_total 2\n") {
		t.Errorf("metrics missing rate limit hits:\n%s", metrics)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	srv := newTestServer(t, ServerConfig{})
	ctx := context.Background()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

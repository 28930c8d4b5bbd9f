package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"cheersplit/internal/core"
	"cheersplit/internal/log"
	"cheersplit/internal/services"
	"cheersplit/internal/settle"
)

const qrDataURIPrefix = "data:image/png;base64,"

type (
	itemRow struct {
		ParticipantID string
		Name          string
		Price         string
	}

	participantRow struct {
		ID       string
		Name     string
		Details  string
		Items    []itemRow
		Currency string
	}

	lineView struct {
		From    string
		To      string
		Amount  string
		Kind    string
		Routing string
		QRCode  template.URL
	}

	resultView struct {
		Currency string
		Mode     string
		Total    string
		Mean     string
		Lines    []lineView
	}
)

func (s *Server) newParticipantRow() participantRow {
	return participantRow{ID: core.NewParticipant("", "").ID, Currency: s.settler.Currency()}
}

// render executes a template into memory so that failures never leave a
// half-written response.
func (s *Server) render(ctx context.Context, name string, data any) ([]byte, error) {
	if s.templates == nil {
		return nil, errors.New("templates not loaded")
	}
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		log.FromContext(ctx).WithComponent(log.ComponentTemplate).ErrorContext(ctx, "Template execution failed",
			"template", name,
			log.FieldOperation, log.OpRender,
			log.FieldError, err)
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	data := struct {
		Currency     string
		Mode         string
		Participants []participantRow
	}{
		Currency:     s.settler.Currency(),
		Mode:         string(s.settler.Mode()),
		Participants: []participantRow{s.newParticipantRow()},
	}

	body, err := s.render(r.Context(), "index.html", data)
	if err != nil {
		http.Error(w, "templates not loaded", http.StatusInternalServerError)
		return
	}
	NewHTMXResponse().BodyHTML(string(body)).Write(w)
}

// handleNewParticipant returns an empty participant card.
func (s *Server) handleNewParticipant(w http.ResponseWriter, r *http.Request) {
	row := s.newParticipantRow()
	body, err := s.render(r.Context(), "participant_row.html", row)
	if err != nil {
		InternalServerError("Could not add a participant").Write(w)
		return
	}
	NewHTMXResponse().
		TriggerParticipantAdded(row.ID).
		BodyHTML(string(body)).
		Write(w)
}

// handleNewItem returns an empty item row for the participant in the URL.
func (s *Server) handleNewItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !participantIDPattern.MatchString(id) {
		BadRequestError("Unknown participant").Write(w)
		return
	}
	body, err := s.render(r.Context(), "item_row.html", itemRow{ParticipantID: id})
	if err != nil {
		InternalServerError("Could not add an item").Write(w)
		return
	}
	NewHTMXResponse().BodyHTML(string(body)).Write(w)
}

// handleSettleForm settles the submitted form and renders the transactions
// partial, or a 422 alert when the group is not valid.
func (s *Server) handleSettleForm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.FromContext(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		logger.WarnContext(ctx, "Parse form error", log.FieldError, err, log.FieldOperation, log.OpParse)
		BadRequestError("Malformed request").Write(w)
		return
	}

	mode, err := s.requestMode(r.PostForm.Get("mode"))
	if err != nil {
		BadRequestError(err.Error()).Write(w)
		return
	}

	g, err := ParseGroupForm(r.PostForm)
	if err != nil {
		s.writeSettleError(w, r, err)
		return
	}

	result, err := s.settler.SettleWithMode(ctx, g, mode)
	if err != nil {
		s.writeSettleError(w, r, err)
		return
	}

	view := s.resultView(result)
	body, err := s.render(ctx, "result.html", view)
	if err != nil {
		InternalServerError("Could not render the settlement").Write(w)
		return
	}
	NewHTMXResponse().
		TriggerSettlementComputed(len(result.Transactions), view.Total).
		BodyHTML(string(body)).
		Write(w)
}

func (s *Server) writeSettleError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *core.ValidationError
	switch {
	case errors.As(err, &verr):
		UnprocessableEntityError(verr.Message).Write(w)
	case errors.Is(err, ErrMalformedRequest):
		log.FromContext(r.Context()).WarnContext(r.Context(), "Malformed settlement form", log.FieldError, err)
		BadRequestError("Malformed request").Write(w)
	default:
		log.NewStructuredLogger(log.FromContext(r.Context())).LogError(r.Context(), "Settlement failed", err,
			log.ComponentHTTP, log.OpSettle, log.NewFields().WithClientIP(extractClientIP(r)))
		InternalServerError("Could not compute the settlement").Write(w)
	}
}

// requestMode parses an optional per-request mode, defaulting to the
// service's configured one.
func (s *Server) requestMode(raw string) (settle.Mode, error) {
	if strings.TrimSpace(raw) == "" {
		return s.settler.Mode(), nil
	}
	return settle.ParseMode(raw)
}

func (s *Server) resultView(result *services.Settlement) resultView {
	view := resultView{
		Currency: result.Currency,
		Mode:     string(result.Mode),
		Total:    formatCurrency(result.Currency, result.Total),
		Mean:     formatCurrency(result.Currency, result.Mean),
		Lines:    make([]lineView, 0, len(result.Lines)),
	}
	for _, l := range result.Lines {
		lv := lineView{
			From:    l.From,
			To:      l.To,
			Amount:  "$" + core.FormatAmount(l.Amount),
			Kind:    string(l.Recipient.Kind),
			Routing: l.Recipient.Label(),
		}
		// only data URIs produced by payment.DataURI reach the page
		if strings.HasPrefix(l.QRCode, qrDataURIPrefix) {
			lv.QRCode = template.URL(l.QRCode)
		}
		view.Lines = append(view.Lines, lv)
	}
	return view
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// handleReady reports not_ready when templates are missing or any configured
// dependency check fails.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	httpStatus := http.StatusOK
	checks := make(map[string]string, len(s.config.Checks)+1)

	if s.templates == nil {
		checks["templates"] = "failed: templates not loaded"
		status, httpStatus = "not_ready", http.StatusServiceUnavailable
	} else {
		checks["templates"] = "ok"
	}

	for name, check := range s.config.Checks {
		if err := check(ctx); err != nil {
			checks[name] = fmt.Sprintf("failed: %v", err)
			status, httpStatus = "not_ready", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	writeJSON(w, httpStatus, map[string]any{
		"status":    status,
		"timestamp": time.Now().Format(time.RFC3339),
		"checks":    checks,
	})
}

// handleMetrics writes counters in the Prometheus text format.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	stats := s.settler.Stats()
	sec := s.security.snapshot()

	metric := func(name, help, kind string, value any) {
		fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		fmt.Fprintf(w, "# TYPE %s %s\n", name, kind)
		fmt.Fprintf(w, "%s %v\n\n", name, value)
	}

	metric("http_requests_total", "Total number of HTTP requests", "counter", s.requests.Load())
	metric("settlements_computed_total", "Settlements computed (cache misses)", "counter", stats.Computed)
	metric("settlement_cache_hits_total", "Settlements served from cache", "counter", stats.CacheHits)
	metric("settlement_validation_errors_total", "Groups rejected by validation", "counter", stats.ValidationErrors)
	metric("settlement_publish_failures_total", "Settlement events that could not be published", "counter", stats.PublishFailures)
	metric("settlement_qrcode_failures_total", "Payment QR codes that could not be rendered", "counter", stats.QRCodeFailures)

	if s.config.CacheStats != nil {
		cs := s.config.CacheStats()
		metric("cache_entries", "Current settlement cache entries", "gauge", cs.Size)
		metric("cache_evictions_total", "Entries evicted to respect the cache size", "counter", cs.Evictions)
		metric("cache_expired_total", "Entries dropped after their TTL", "counter", cs.Expired)
	}

	metric("rate_limit_hits_total", "Requests rejected by the rate limiter", "counter", sec.RateLimitHits)
	metric("suspicious_requests_total", "Suspicious requests detected", "counter", sec.SuspiciousRequests)
	metric("active_rate_limit_clients", "Currently tracked rate limit clients", "gauge", s.rateLimiter.ActiveClients())
	metric("uptime_seconds", "Application uptime in seconds", "gauge", int64(time.Since(s.startedAt).Seconds()))
}

// handleAPISettle is POST /api/v1/settlements.
func (s *Server) handleAPISettle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	req, err := decodeSettlementRequest(w, r)
	if err != nil {
		log.FromContext(ctx).WarnContext(ctx, "Malformed settlement request", log.FieldError, err, log.FieldOperation, log.OpParse)
		writeJSONError(w, http.StatusBadRequest, "request body must be a JSON settlement request", "malformed")
		return
	}

	mode, err := s.requestMode(req.Mode)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error(), "invalid_mode")
		return
	}

	result, err := s.settler.SettleWithMode(ctx, core.Group{Participants: req.Participants}, mode)
	if err != nil {
		var verr *core.ValidationError
		if errors.As(err, &verr) {
			writeJSONError(w, http.StatusUnprocessableEntity, verr.Message, verr.Code())
			return
		}
		log.NewStructuredLogger(log.FromContext(ctx)).LogError(ctx, "Settlement failed", err,
			log.ComponentHTTP, log.OpSettle, nil)
		writeJSONError(w, http.StatusInternalServerError, "could not compute the settlement", "internal")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

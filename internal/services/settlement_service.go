package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"cheersplit/internal/amqp"
	"cheersplit/internal/cache"
	"cheersplit/internal/core"
	"cheersplit/internal/log"
	"cheersplit/internal/payment"
	"cheersplit/internal/settle"
)

// Settlement is the result handed to the UI, the API and the CLI. Cached
// values are shared between callers and must not be modified.
type Settlement struct {
	Mode         settle.Mode        `json:"mode"`
	Currency     string             `json:"currency"`
	Total        float64            `json:"total"`
	Mean         float64            `json:"mean"`
	Balances     []settle.Balance   `json:"balances"`
	Transactions []core.Transaction `json:"transactions"`
	Lines        []Line             `json:"lines"`
	Fingerprint  string             `json:"fingerprint"`
}

// Line is a transaction together with how to pay its recipient.
type Line struct {
	core.Transaction
	Recipient payment.Routing `json:"recipient"`
	QRCode    string          `json:"qrCode,omitempty"` // data: URI, PromptPay only
}

// EventPublisher is satisfied by *amqp.Client.
type EventPublisher interface {
	PublishComputed(ctx context.Context, ev *amqp.SettlementComputed) error
}

// Stats are the service counters exposed on /metrics.
type Stats struct {
	Computed         uint64
	CacheHits        uint64
	ValidationErrors uint64
	PublishFailures  uint64
	QRCodeFailures   uint64
}

// SettlementService validates a group, settles it and enriches the result
// with payment routing. It is safe for concurrent use.
type SettlementService struct {
	mode      settle.Mode
	currency  string
	results   cache.Cache[*Settlement]
	publisher EventPublisher
	logger    *log.Logger
	events    *log.StructuredLogger

	computed, cacheHits, validationErrors, publishFailures, qrFailures atomic.Uint64
}

// NewSettlementService builds the service. results and publisher are optional.
func NewSettlementService(mode settle.Mode, currency string, results cache.Cache[*Settlement], publisher EventPublisher, logger *log.Logger) *SettlementService {
	if logger == nil {
		logger = log.New(log.DefaultConfig())
	}
	logger = logger.WithComponent(log.ComponentSettle)
	return &SettlementService{
		mode:      mode,
		currency:  currency,
		results:   results,
		publisher: publisher,
		logger:    logger,
		events:    log.NewStructuredLogger(logger),
	}
}

func (s *SettlementService) Mode() settle.Mode { return s.mode }

func (s *SettlementService) Currency() string { return s.currency }

// Settle runs SettleWithMode with the configured mode.
func (s *SettlementService) Settle(ctx context.Context, g core.Group) (*Settlement, error) {
	return s.SettleWithMode(ctx, g, s.mode)
}

// SettleWithMode normalizes and validates g, then settles it. Validation
// failures are returned as *core.ValidationError.
func (s *SettlementService) SettleWithMode(ctx context.Context, g core.Group, mode settle.Mode) (*Settlement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g = g.Normalize()
	if err := g.Validate(); err != nil {
		s.validationErrors.Add(1)
		var verr *core.ValidationError
		if errors.As(err, &verr) {
			s.events.LogValidationFailed(ctx, verr.Code(), len(g.Participants))
		}
		return nil, err
	}

	key, err := Fingerprint(g, mode)
	if err != nil {
		return nil, fmt.Errorf("fingerprint group: %w", err)
	}

	if s.results != nil {
		if cached, ok := s.results.Get(key); ok {
			s.cacheHits.Add(1)
			s.events.LogSettlementComputed(ctx, len(g.Participants), len(cached.Transactions), string(mode), core.MoneyFromAmount(cached.Total).Cents, true)
			return cached, nil
		}
	}

	result := s.build(ctx, g, mode, key)
	s.computed.Add(1)

	if s.results != nil {
		s.results.Set(key, result)
	}
	s.events.LogSettlementComputed(ctx, len(g.Participants), len(result.Transactions), string(mode), core.MoneyFromAmount(result.Total).Cents, false)

	// the settlement is already computed; a broker outage must not fail the request
	if err := s.publish(ctx, g, result); err != nil {
		s.publishFailures.Add(1)
		s.logger.ErrorContext(ctx, "Failed to publish settlement event",
			log.FieldFingerprint, key,
			log.FieldError, err)
	}

	return result, nil
}

func (s *SettlementService) build(ctx context.Context, g core.Group, mode settle.Mode, key string) *Settlement {
	ledger := settle.Balances(g.Participants)
	txs := mode.Compute(g.Participants)

	var total float64
	for _, b := range ledger {
		total += b.Paid
	}
	var mean float64
	if len(ledger) > 0 {
		mean = total / float64(len(ledger))
	}

	lines := make([]Line, 0, len(txs))
	for _, tx := range txs {
		line := Line{Transaction: tx}
		if p, ok := payment.Resolve(g.Participants, tx.To); ok {
			line.Recipient = payment.Parse(p.PaymentDetails)
		} else {
			line.Recipient = payment.Routing{Kind: payment.KindNone}
		}
		if line.Recipient.HasQR() {
			uri, err := payment.DataURI(line.Recipient, tx.Amount)
			if err != nil {
				s.qrFailures.Add(1)
				s.logger.WarnContext(ctx, "Failed to render payment QR code",
					"to", tx.To,
					log.FieldError, err)
			} else {
				line.QRCode = uri
			}
		}
		lines = append(lines, line)
	}

	return &Settlement{
		Mode:         mode,
		Currency:     s.currency,
		Total:        total,
		Mean:         mean,
		Balances:     ledger,
		Transactions: txs,
		Lines:        lines,
		Fingerprint:  key,
	}
}

func (s *SettlementService) publish(ctx context.Context, g core.Group, result *Settlement) error {
	if s.publisher == nil {
		return nil
	}
	return s.publisher.PublishComputed(ctx, &amqp.SettlementComputed{
		Fingerprint:  result.Fingerprint,
		Mode:         string(result.Mode),
		Currency:     result.Currency,
		Participants: len(g.Participants),
		TotalCents:   core.MoneyFromAmount(result.Total).Cents,
		Transactions: result.Transactions,
		ComputedAt:   time.Now().UTC(),
	})
}

func (s *SettlementService) Stats() Stats {
	return Stats{
		Computed:         s.computed.Load(),
		CacheHits:        s.cacheHits.Load(),
		ValidationErrors: s.validationErrors.Load(),
		PublishFailures:  s.publishFailures.Load(),
		QRCodeFailures:   s.qrFailures.Load(),
	}
}

type fingerprintParticipant struct {
	Name    string    `json:"n"`
	Details string    `json:"d"`
	Prices  []float64 `json:"p"`
}

// Fingerprint identifies everything that affects a settlement: names, payment
// details, prices and mode. Row IDs and item names are left out.
func Fingerprint(g core.Group, mode settle.Mode) (string, error) {
	canonical := struct {
		Mode         settle.Mode              `json:"m"`
		Participants []fingerprintParticipant `json:"ps"`
	}{Mode: mode, Participants: make([]fingerprintParticipant, 0, len(g.Participants))}

	for _, p := range g.Participants {
		fp := fingerprintParticipant{Name: p.Name, Details: p.PaymentDetails, Prices: make([]float64, 0, len(p.Items))}
		for _, it := range p.Items {
			fp.Prices = append(fp.Prices, it.Price)
		}
		canonical.Participants = append(canonical.Participants, fp)
	}

	data, err := json.Marshal(canonical)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"cheersplit/internal/amqp"
	"cheersplit/internal/core"
	"cheersplit/internal/services"
	"cheersplit/internal/settle"
)

// Settler is the part of services.SettlementService the worker needs.
type Settler interface {
	Mode() settle.Mode
	SettleWithMode(ctx context.Context, g core.Group, mode settle.Mode) (*services.Settlement, error)
}

// SettlementWorker answers settlement requests received over AMQP.
type SettlementWorker struct {
	settler  Settler
	handled  atomic.Uint64
	rejected atomic.Uint64
}

func NewSettlementWorker(settler Settler) *SettlementWorker {
	return &SettlementWorker{settler: settler}
}

// Handle settles one request. Rejected input becomes a failed reply so the
// request is acknowledged; only infrastructure errors are returned.
func (w *SettlementWorker) Handle(ctx context.Context, req *amqp.SettlementRequest) (*amqp.SettlementReply, error) {
	mode := w.settler.Mode()
	if req.Mode != "" {
		m, err := settle.ParseMode(req.Mode)
		if err != nil {
			w.rejected.Add(1)
			slog.InfoContext(ctx, "Rejected settlement request", "reason", "invalid_mode", "mode", req.Mode)
			return &amqp.SettlementReply{Error: err.Error(), Kind: "invalid_mode", Timestamp: time.Now().UTC()}, nil
		}
		mode = m
	}

	result, err := w.settler.SettleWithMode(ctx, req.Group(), mode)
	if err != nil {
		var verr *core.ValidationError
		if errors.As(err, &verr) {
			w.rejected.Add(1)
			return &amqp.SettlementReply{Error: verr.Message, Kind: verr.Code(), Mode: string(mode), Timestamp: time.Now().UTC()}, nil
		}
		return nil, fmt.Errorf("settle request: %w", err)
	}

	w.handled.Add(1)
	slog.InfoContext(ctx, "Settlement request handled",
		"participants", len(req.Participants),
		"transactions", len(result.Transactions),
		"mode", result.Mode)

	lines := make([]amqp.ReplyLine, 0, len(result.Lines))
	for _, l := range result.Lines {
		lines = append(lines, amqp.ReplyLine{
			Transaction: l.Transaction,
			Routing:     l.Recipient.Label(),
			QRCode:      l.QRCode,
		})
	}

	return &amqp.SettlementReply{
		Transactions: result.Transactions,
		Lines:        lines,
		Total:        result.Total,
		Mean:         result.Mean,
		Mode:         string(result.Mode),
		Timestamp:    time.Now().UTC(),
	}, nil
}

// Counts returns how many requests were answered and how many were rejected.
func (w *SettlementWorker) Counts() (handled, rejected uint64) {
	return w.handled.Load(), w.rejected.Load()
}

package amqp

import (
	"encoding/json"
	"errors"
	"time"

	"cheersplit/internal/core"
)

// RoutingKeyComputed is the routing key of SettlementComputed events.
const RoutingKeyComputed = "settlement.computed"

// SettlementRequest asks a worker to settle a group. The body has the same
// shape as the JSON API request.
type SettlementRequest struct {
	Participants []core.Participant `json:"participants"`
	Mode         string             `json:"mode,omitempty"`
	Timestamp    time.Time          `json:"timestamp"`
}

func NewSettlementRequest(g core.Group, mode string) *SettlementRequest {
	return &SettlementRequest{
		Participants: g.Participants,
		Mode:         mode,
		Timestamp:    time.Now(),
	}
}

func (m *SettlementRequest) Group() core.Group {
	return core.Group{Participants: m.Participants}
}

func (m *SettlementRequest) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func SettlementRequestFromJSON(data []byte) (*SettlementRequest, error) {
	var msg SettlementRequest
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SettlementReply carries either the transactions or a validation failure.
type SettlementReply struct {
	Transactions []core.Transaction `json:"transactions"`
	Lines        []ReplyLine        `json:"lines,omitempty"`
	Total        float64            `json:"total"`
	Mean         float64            `json:"mean"`
	Mode         string             `json:"mode,omitempty"`
	Error        string             `json:"error,omitempty"`
	Kind         string             `json:"kind,omitempty"`
	Timestamp    time.Time          `json:"timestamp"`
}

// ReplyLine is a transaction with the recipient's routing label and, for
// PromptPay recipients, the payment QR code as a data URI.
type ReplyLine struct {
	core.Transaction
	Routing string `json:"routing,omitempty"`
	QRCode  string `json:"qrCode,omitempty"`
}

// Failed reports whether the request was rejected.
func (m *SettlementReply) Failed() bool {
	return m.Error != ""
}

// Err turns a rejected reply back into an error carrying the message.
func (m *SettlementReply) Err() error {
	if !m.Failed() {
		return nil
	}
	return errors.New(m.Error)
}

func (m *SettlementReply) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func SettlementReplyFromJSON(data []byte) (*SettlementReply, error) {
	var msg SettlementReply
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SettlementComputed is published after a settlement was computed (cache
// misses only). It carries names and amounts, never payment details.
type SettlementComputed struct {
	Fingerprint  string             `json:"fingerprint"`
	Mode         string             `json:"mode"`
	Currency     string             `json:"currency"`
	Participants int                `json:"participants"`
	TotalCents   int64              `json:"total_cents"`
	Transactions []core.Transaction `json:"transactions"`
	ComputedAt   time.Time          `json:"computed_at"`
}

func (m *SettlementComputed) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func SettlementComputedFromJSON(data []byte) (*SettlementComputed, error) {
	var msg SettlementComputed
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

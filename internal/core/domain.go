package core

import (
	"math"
	"strings"

	"github.com/google/uuid"
)

type (
	Money struct {
		Cents int64
	}

	// Item is something a participant paid for. It is not split per item:
	// all splitting happens on participant totals.
	Item struct {
		Name  string  `json:"itemName"`
		Price float64 `json:"price"`
	}

	Participant struct {
		ID             string `json:"id,omitempty"` // UI row identity, never used as ledger key
		Name           string `json:"name"`
		PaymentDetails string `json:"paymentDetails"` // PayID, BSB & account, PromptPay id...
		Items          []Item `json:"items"`
	}

	// Transaction reads "From owes To Amount".
	Transaction struct {
		From   string  `json:"from"`
		To     string  `json:"to"`
		Amount float64 `json:"amount"`
	}

	// Group is the full input of one "calculate" action.
	Group struct {
		Participants []Participant `json:"participants"`
	}
)

// NewParticipant creates an empty participant with a fresh stable ID.
func NewParticipant(name, details string) Participant {
	return Participant{
		ID:             uuid.NewString(),
		Name:           name,
		PaymentDetails: details,
	}
}

// Paid returns the sum of the participant's item prices. NaN prices count as zero,
// the same way an empty price field does.
func (p Participant) Paid() float64 {
	var sum float64
	for _, it := range p.Items {
		if math.IsNaN(it.Price) {
			continue
		}
		sum += it.Price
	}
	return sum
}

// Total returns the sum paid by every participant.
func (g Group) Total() float64 {
	var sum float64
	for _, p := range g.Participants {
		sum += p.Paid()
	}
	return sum
}

// Normalize trims names and details, drops blank form rows (no name and no items)
// and assigns IDs to participants that lack one. The receiver is not modified.
func (g Group) Normalize() Group {
	out := Group{Participants: make([]Participant, 0, len(g.Participants))}
	for _, p := range g.Participants {
		p.Name = strings.TrimSpace(p.Name)
		p.PaymentDetails = strings.TrimSpace(p.PaymentDetails)
		if p.Name == "" && len(p.Items) == 0 {
			continue
		}
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		items := make([]Item, len(p.Items))
		for i, it := range p.Items {
			it.Name = strings.TrimSpace(it.Name)
			items[i] = it
		}
		p.Items = items
		out.Participants = append(out.Participants, p)
	}
	return out
}

// FindByName returns the first participant with the given name.
func (g Group) FindByName(name string) (Participant, bool) {
	for _, p := range g.Participants {
		if p.Name == name {
			return p, true
		}
	}
	return Participant{}, false
}

// Package settle computes the peer-to-peer payments that equalize what each
// participant of a group paid.
//
// The computation is a pure function of its input: it performs no I/O, keeps
// no state between calls and is safe for concurrent use. Input validation is
// the caller's job (see core.Group.Validate); any input, including empty or
// single-participant groups, yields a result rather than an error.
package settle

import (
	"math"
	"sort"

	"cheersplit/internal/core"
)

// Epsilon is the tolerance under which a running balance counts as settled.
const Epsilon = 1e-9

// Balance is one ledger entry: what a name paid and how far that is from the mean.
// Positive balances are creditors, negative ones debtors.
type Balance struct {
	Name    string  `json:"name"`
	Paid    float64 `json:"paid"`
	Balance float64 `json:"balance"`
}

// Balances returns the ledger for the given participants in first-seen name order.
//
// Participants are keyed by name: a later participant with an already seen name
// replaces the earlier total under that key instead of adding a new entry.
func Balances(participants []core.Participant) []Balance {
	ledger := make([]Balance, 0, len(participants))
	index := make(map[string]int, len(participants))
	for _, p := range participants {
		if i, ok := index[p.Name]; ok {
			ledger[i].Paid = p.Paid()
			continue
		}
		index[p.Name] = len(ledger)
		ledger = append(ledger, Balance{Name: p.Name, Paid: p.Paid()})
	}
	if len(ledger) == 0 {
		return ledger
	}

	var total float64
	for _, b := range ledger {
		total += b.Paid
	}
	mean := total / float64(len(ledger))
	for i := range ledger {
		ledger[i].Balance = ledger[i].Paid - mean
	}
	return ledger
}

// Compute returns the transactions that settle the group, in emission order.
//
// Debtors are matched against creditors with a greedy two-pointer sweep over
// the ledger sorted by balance. Each amount is rounded to two decimals when it
// is emitted; the running balances keep full precision. At most n-1
// transactions are returned for n distinct names.
func Compute(participants []core.Participant) []core.Transaction {
	ledger := Balances(participants)
	txs := make([]core.Transaction, 0, max(len(ledger)-1, 0))
	if len(ledger) < 2 {
		return txs
	}

	sort.SliceStable(ledger, func(a, b int) bool {
		return ledger[a].Balance < ledger[b].Balance
	})

	i, j := 0, len(ledger)-1
	for i < j {
		debtor, creditor := &ledger[i], &ledger[j]
		transfer := math.Min(-debtor.Balance, creditor.Balance)

		// one side always lands on exactly zero; a near-zero transfer is drift
		if transfer > Epsilon {
			txs = append(txs, core.Transaction{
				From:   debtor.Name,
				To:     creditor.Name,
				Amount: core.Round2(transfer),
			})
		}
		debtor.Balance += transfer
		creditor.Balance -= transfer

		if math.Abs(debtor.Balance) < Epsilon {
			i++
		}
		if math.Abs(creditor.Balance) < Epsilon {
			j--
		}
	}
	return txs
}

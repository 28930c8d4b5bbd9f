package settle

import (
	"sort"

	"cheersplit/internal/core"
)

type centsEntry struct {
	name    string
	balance int64
}

// ComputeExact settles the group in integer cents.
//
// Every price is rounded to the cent first. The fair share is total/n cents;
// the total%n leftover cents go one each to the first names in first-seen
// order, so shares add up to the total. Every transaction amount is then a
// whole number of cents and each participant's credits minus debits equal
// paid minus share exactly.
func ComputeExact(participants []core.Participant) []core.Transaction {
	var ledger []centsEntry
	index := make(map[string]int, len(participants))
	for _, p := range participants {
		var paid int64
		for _, it := range p.Items {
			paid += core.MoneyFromAmount(it.Price).Cents
		}
		if i, ok := index[p.Name]; ok {
			ledger[i].balance = paid
			continue
		}
		index[p.Name] = len(ledger)
		ledger = append(ledger, centsEntry{name: p.Name, balance: paid})
	}

	txs := make([]core.Transaction, 0, max(len(ledger)-1, 0))
	if len(ledger) < 2 {
		return txs
	}

	n := int64(len(ledger))
	var total int64
	for _, e := range ledger {
		total += e.balance
	}
	share, leftover := total/n, total%n
	if leftover < 0 {
		share--
		leftover += n
	}
	for k := range ledger {
		ledger[k].balance -= share
		if int64(k) < leftover {
			ledger[k].balance--
		}
	}

	sort.SliceStable(ledger, func(a, b int) bool {
		return ledger[a].balance < ledger[b].balance
	})

	i, j := 0, len(ledger)-1
	for i < j {
		debtor, creditor := &ledger[i], &ledger[j]
		transfer := min(-debtor.balance, creditor.balance)
		if transfer > 0 {
			txs = append(txs, core.Transaction{
				From:   debtor.name,
				To:     creditor.name,
				Amount: core.Money{Cents: transfer}.Dollars(),
			})
		}
		debtor.balance += transfer
		creditor.balance -= transfer

		if debtor.balance == 0 {
			i++
		}
		if creditor.balance == 0 {
			j--
		}
	}
	return txs
}

package signing

import (
	"sort"
	"time"
)

// Evaluation is the derived aggregate state of a signing request.
type Evaluation struct {
	Status         RequestStatus
	NextEligible   []string
	SignerStatuses map[string]SignerStatus
	SignedCount    int
	Total          int
	Progress       int
}

// Evaluate derives the request status and per-signer eligibility from a
// ledger snapshot. It is a pure function: same inputs, same answer,
// regardless of which signer acted last.
//
// Expiry takes precedence over partial progress but never overrides a
// request that already reached fully_signed.
func Evaluate(signers []Signer, events []SignatureEvent, mode Mode, now time.Time, dueDate *time.Time) Evaluation {
	signed := make(map[string]bool, len(events))
	for _, ev := range events {
		signed[ev.SignerID] = true
	}

	eval := Evaluation{
		Total:          len(signers),
		SignerStatuses: make(map[string]SignerStatus, len(signers)),
	}

	declined := false
	for _, s := range signers {
		if signed[s.ID] {
			eval.SignedCount++
			eval.SignerStatuses[s.ID] = SignerSigned
			continue
		}
		if s.DeclinedAt != nil {
			declined = true
			eval.SignerStatuses[s.ID] = SignerDeclined
		}
	}

	switch mode {
	case ModeSequential:
		ordered := make([]Signer, len(signers))
		copy(ordered, signers)
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })
		seenCurrent := false
		for _, s := range ordered {
			if signed[s.ID] || s.DeclinedAt != nil {
				continue
			}
			if !seenCurrent {
				seenCurrent = true
				eval.SignerStatuses[s.ID] = SignerPending
				eval.NextEligible = append(eval.NextEligible, s.ID)
			} else {
				eval.SignerStatuses[s.ID] = SignerAwaitingTurn
			}
		}
	default: // parallel: everyone outstanding may act, order irrelevant
		for _, s := range signers {
			if signed[s.ID] || s.DeclinedAt != nil {
				continue
			}
			eval.SignerStatuses[s.ID] = SignerPending
			eval.NextEligible = append(eval.NextEligible, s.ID)
		}
	}

	eval.Progress = progressPercent(eval.SignedCount, eval.Total)

	switch {
	case eval.Total > 0 && eval.SignedCount == eval.Total:
		eval.Status = StatusFullySigned
	case declined:
		// A decline is treated as an owner-equivalent cancel until product
		// intent says otherwise.
		eval.Status = StatusCancelled
	case eval.SignedCount > 0:
		eval.Status = StatusPartiallySigned
	default:
		eval.Status = StatusSentForSigning
	}

	if eval.Status != StatusFullySigned && dueDate != nil && now.After(*dueDate) {
		eval.Status = StatusExpired
		eval.NextEligible = nil
	}

	return eval
}

// progressPercent rounds to the nearest integer so 1-of-3 reports 33 and
// 2-of-3 reports 67.
func progressPercent(signedCount, total int) int {
	if total <= 0 {
		return 0
	}
	return (100*signedCount + total/2) / total
}

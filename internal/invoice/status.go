package invoice

import (
	"fmt"
	"strings"
	"time"
)

// ReversalPolicy decides whether a paid invoice may go back to unpaid.
type ReversalPolicy int

const (
	// ReversalWithReason allows paid → unpaid only with a correction reason.
	ReversalWithReason ReversalPolicy = iota
	// ReversalAllowed allows paid → unpaid without a reason.
	ReversalAllowed
	// ReversalDenied makes paid terminal.
	ReversalDenied
)

// ParseReversalPolicy reads the policy names used in configuration.
func ParseReversalPolicy(s string) (ReversalPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reason":
		return ReversalWithReason, nil
	case "allowed":
		return ReversalAllowed, nil
	case "denied":
		return ReversalDenied, nil
	}
	return 0, fmt.Errorf("unknown reversal policy %q (want reason, allowed or denied)", s)
}

func (p ReversalPolicy) String() string {
	switch p {
	case ReversalWithReason:
		return "reason"
	case ReversalAllowed:
		return "allowed"
	case ReversalDenied:
		return "denied"
	}
	return fmt.Sprintf("ReversalPolicy(%d)", int(p))
}

// StatusMachine validates and applies lifecycle transitions. It is the only
// place an invoice's Status field is assigned after creation.
type StatusMachine struct {
	Reversal ReversalPolicy
}

// Apply moves inv to target, recording the change at the given time.
// inv is left untouched when the transition is rejected.
func (m StatusMachine) Apply(inv *Invoice, target Status, reason string, at time.Time) error {
	from := inv.Status
	reason = strings.TrimSpace(reason)

	switch {
	case from == StatusUnpaid && target == StatusPaid:
		if len(inv.Lines) == 0 {
			return &TransitionError{From: from, To: target, Cause: ErrEmptyInvoice}
		}
		paidAt := at
		inv.PaidAt = &paidAt
	case from == StatusPaid && target == StatusUnpaid:
		switch m.Reversal {
		case ReversalDenied:
			return &TransitionError{From: from, To: target}
		case ReversalWithReason:
			if reason == "" {
				return &TransitionError{From: from, To: target, Cause: ErrReasonRequired}
			}
		}
		inv.PaidAt = nil
	default:
		return &TransitionError{From: from, To: target}
	}

	inv.Status = target
	inv.UpdatedAt = at
	inv.StatusHistory = append(inv.StatusHistory, StatusChange{
		From:   from,
		To:     target,
		At:     at,
		Reason: reason,
	})
	return nil
}

// Allowed lists the statuses inv can move to right now.
func (m StatusMachine) Allowed(inv *Invoice) []Status {
	switch inv.Status {
	case StatusUnpaid:
		if len(inv.Lines) == 0 {
			return nil
		}
		return []Status{StatusPaid}
	case StatusPaid:
		if m.Reversal == ReversalDenied {
			return nil
		}
		return []Status{StatusUnpaid}
	}
	return nil
}

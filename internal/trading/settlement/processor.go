package settlement

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/novafx/fxcore/internal/accounts/bookkeeper"
	"github.com/novafx/fxcore/internal/trading/events"
	"github.com/novafx/fxcore/internal/trading/model"
	"github.com/novafx/fxcore/pkg/metrics"
)

// ProcessSettlement drives one pending settlement to settled or failed.
//
// When netting is enabled and the counterparty has other pending
// settlements on the same date, the whole group is computed and paid as a
// single atomic unit: the member ledger movements, then one net payment
// instruction per currency. Otherwise each leg is paid or received
// individually.
//
// Any payment or ledger failure marks the settlement failed and records it
// in the failed registry; the obligation is never dropped.
func (e *Engine) ProcessSettlement(ctx context.Context, s *model.Settlement) error {
	if s.Status != model.SettlementStatusPending {
		return model.NewValidationError("status", "settlement is not pending")
	}

	if e.compliance != nil {
		verdict, err := e.compliance.CheckSettlement(ctx, s)
		if err != nil {
			return e.fail(ctx, s, fmt.Errorf("compliance check failed: %w", err))
		}
		if !verdict.Approved {
			e.markFailed(ctx, s, verdict.Reason)
			return &model.ComplianceRejection{Reason: verdict.Reason}
		}
	}

	if e.cfg.NettingEnabled {
		// The netting lock makes the group read-compute-pay sequence
		// atomic: no partial netting can double-count exposure.
		e.nettingMu.Lock()
		defer e.nettingMu.Unlock()

		members, err := e.repo.GetPendingSettlements(ctx, s.CounterpartyID, s.SettlementDate)
		if err != nil {
			return e.fail(ctx, s, fmt.Errorf("failed to load netting candidates: %w", err))
		}
		// Every candidate clears compliance on its own; a blocked sibling
		// must not settle just because this settlement triggered the group.
		cleared := make([]*model.Settlement, 0, len(members))
		for _, member := range members {
			if member.ID == s.ID || e.compliance == nil {
				cleared = append(cleared, member)
				continue
			}
			verdict, err := e.compliance.CheckSettlement(ctx, member)
			if err != nil {
				e.markFailed(ctx, member, fmt.Sprintf("compliance check failed: %v", err))
				continue
			}
			if !verdict.Approved {
				e.markFailed(ctx, member, verdict.Reason)
				continue
			}
			cleared = append(cleared, member)
		}
		if len(cleared) > 1 {
			return e.processGroup(ctx, BuildNettingGroup(s.CounterpartyID, s.SettlementDate, cleared))
		}
	}
	return e.processIndividual(ctx, s)
}

// processIndividual pays/receives each leg of one settlement and applies
// its ledger movement in a single transactional unit.
func (e *Engine) processIndividual(ctx context.Context, s *model.Settlement) error {
	ops := e.ledgerOps(s)
	ops = append(ops, bookkeeper.Operation{
		Name: "drive-payments",
		Apply: func(ctx context.Context) error {
			return e.drivePayments(ctx, s)
		},
		// Last operation: a failure here rolls back the ledger ops, and a
		// success means nothing later can trigger compensation.
		Compensate: func(ctx context.Context) error { return nil },
	})

	if err := e.funds.ExecuteAtomically(ctx, ops); err != nil {
		return e.fail(ctx, s, err)
	}
	e.markSettled(ctx, s)
	return nil
}

// processGroup settles a netting group as one atomic unit: every member's
// ledger movements first, then the net payment instructions as the final
// operation. A failure anywhere compensates the applied ledger ops and
// fails every member before any net payment has gone out, so a retry can
// never pay an obligation twice.
func (e *Engine) processGroup(ctx context.Context, group *NettingGroup) error {
	reference := fmt.Sprintf("net:%s:%s", group.CounterpartyID, group.SettlementDate.Format("2006-01-02"))

	var ops []bookkeeper.Operation
	for _, member := range group.Members {
		ops = append(ops, e.ledgerOps(member)...)
	}
	ops = append(ops, bookkeeper.Operation{
		Name: "drive-net-payments",
		Apply: func(ctx context.Context) error {
			for _, instruction := range group.Instructions(reference) {
				if err := e.driveInstruction(ctx, instruction); err != nil {
					return err
				}
				metrics.NettedPayments.Inc()
			}
			return nil
		},
		// Last operation: a failure here rolls back every member's ledger
		// ops, and a success means nothing later can trigger compensation.
		Compensate: func(ctx context.Context) error { return nil },
	})

	if err := e.funds.ExecuteAtomically(ctx, ops); err != nil {
		for _, member := range group.Members {
			e.markFailed(ctx, member, err.Error())
		}
		return &model.SettlementFailure{SettlementID: group.Members[0].ID, Err: err}
	}
	for _, member := range group.Members {
		e.markSettled(ctx, member)
	}
	e.logger.Info("netting group processed",
		zap.String("counterparty", group.CounterpartyID),
		zap.Time("settlement_date", group.SettlementDate),
		zap.Int("members", len(group.Members)))
	return nil
}

// drivePayments sends every pay leg and confirms every receive leg of one
// settlement individually.
func (e *Engine) drivePayments(ctx context.Context, s *model.Settlement) error {
	for _, leg := range s.Legs {
		err := e.driveInstruction(ctx, PaymentInstruction{
			CounterpartyID: s.CounterpartyID,
			Currency:       leg.Currency,
			Amount:         leg.Amount,
			Direction:      leg.Type,
			Reference:      s.ID.String(),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) driveInstruction(ctx context.Context, instruction PaymentInstruction) error {
	if instruction.Direction == model.LegTypePay {
		if _, err := e.payments.SendPayment(ctx, instruction); err != nil {
			return fmt.Errorf("payment of %s %s to %s failed: %w",
				instruction.Amount, instruction.Currency, instruction.CounterpartyID, err)
		}
		return nil
	}
	received, err := e.payments.CheckIncomingPayment(ctx, instruction.Reference)
	if err != nil {
		return fmt.Errorf("incoming payment check for %s failed: %w", instruction.Reference, err)
	}
	if !received {
		return fmt.Errorf("incoming payment %s not received", instruction.Reference)
	}
	return nil
}

// ledgerOps builds the compensatable balance movements for one settlement.
// The filled portion's hold is consumed, commission is charged, and the
// received currency is credited.
func (e *Engine) ledgerOps(s *model.Settlement) []bookkeeper.Operation {
	base := model.BaseCurrency(s.Pair)
	quote := model.QuoteCurrency(s.Pair)
	netAmount := s.Quantity.Mul(s.Price)
	tradeRef := model.TradeRef(s.TradeID)

	var ops []bookkeeper.Operation
	if s.Side == model.OrderSideBuy {
		ops = append(ops, bookkeeper.Operation{
			Name: "debit-quote-hold",
			Apply: func(ctx context.Context) error {
				return e.funds.DebitReserved(ctx, tradeRef, netAmount)
			},
			// Restore the hold itself, not just the balance, so a retry
			// finds the trade reservation where it left it.
			Compensate: func(ctx context.Context) error {
				if err := e.funds.Credit(ctx, s.UserID, quote, netAmount); err != nil {
					return err
				}
				return e.funds.Reserve(ctx, s.UserID, quote, netAmount, tradeRef)
			},
		})
		ops = append(ops, e.commissionOp(s, quote))
		ops = append(ops, bookkeeper.Operation{
			Name: "credit-base",
			Apply: func(ctx context.Context) error {
				return e.funds.Credit(ctx, s.UserID, base, s.Quantity)
			},
			Compensate: func(ctx context.Context) error {
				return e.funds.Debit(ctx, s.UserID, base, s.Quantity)
			},
		})
	} else {
		proceeds := netAmount.Sub(s.Commission)
		ops = append(ops, bookkeeper.Operation{
			Name: "debit-base-hold",
			Apply: func(ctx context.Context) error {
				return e.funds.DebitReserved(ctx, tradeRef, s.Quantity)
			},
			Compensate: func(ctx context.Context) error {
				if err := e.funds.Credit(ctx, s.UserID, base, s.Quantity); err != nil {
					return err
				}
				return e.funds.Reserve(ctx, s.UserID, base, s.Quantity, tradeRef)
			},
		})
		ops = append(ops, bookkeeper.Operation{
			Name: "credit-quote-proceeds",
			Apply: func(ctx context.Context) error {
				return e.funds.Credit(ctx, s.UserID, quote, proceeds)
			},
			Compensate: func(ctx context.Context) error {
				return e.funds.Debit(ctx, s.UserID, quote, proceeds)
			},
		})
	}
	return ops
}

func (e *Engine) commissionOp(s *model.Settlement, currency string) bookkeeper.Operation {
	return bookkeeper.Operation{
		Name: "debit-commission",
		Apply: func(ctx context.Context) error {
			if s.Commission.IsZero() {
				return nil
			}
			return e.funds.Debit(ctx, s.UserID, currency, s.Commission)
		},
		Compensate: func(ctx context.Context) error {
			if s.Commission.IsZero() {
				return nil
			}
			return e.funds.Credit(ctx, s.UserID, currency, s.Commission)
		},
	}
}

func (e *Engine) fail(ctx context.Context, s *model.Settlement, err error) error {
	e.markFailed(ctx, s, err.Error())
	return &model.SettlementFailure{SettlementID: s.ID, Err: err}
}

func (e *Engine) markSettled(ctx context.Context, s *model.Settlement) {
	for i := range s.Legs {
		s.Legs[i].Status = model.SettlementStatusSettled
	}
	s.Status = model.SettlementStatusSettled
	s.FailureReason = ""
	s.UpdatedAt = time.Now()

	e.mu.Lock()
	delete(e.failed, s.ID)
	e.mu.Unlock()

	if err := e.repo.UpdateSettlement(ctx, s); err != nil {
		e.logger.Error("failed to persist settled settlement",
			zap.String("settlement_id", s.ID.String()), zap.Error(err))
	}
	metrics.SettlementsTotal.WithLabelValues("settled").Inc()
	e.publish(ctx, events.TypeSettlementSettled, s, "")
	e.logger.Info("settlement settled", zap.String("settlement_id", s.ID.String()))
}

func (e *Engine) markFailed(ctx context.Context, s *model.Settlement, reason string) {
	for i := range s.Legs {
		if s.Legs[i].Status != model.SettlementStatusSettled {
			s.Legs[i].Status = model.SettlementStatusFailed
		}
	}
	s.Status = model.SettlementStatusFailed
	s.FailureReason = reason
	s.UpdatedAt = time.Now()

	e.mu.Lock()
	e.failed[s.ID] = s
	e.mu.Unlock()

	if err := e.repo.UpdateSettlement(ctx, s); err != nil {
		e.logger.Error("failed to persist failed settlement",
			zap.String("settlement_id", s.ID.String()), zap.Error(err))
	}
	metrics.SettlementsTotal.WithLabelValues("failed").Inc()
	e.publish(ctx, events.TypeSettlementFailed, s, reason)
	e.logger.Error("settlement failed",
		zap.String("settlement_id", s.ID.String()),
		zap.String("reason", reason))
}

// FailedSettlements returns the settlements awaiting operator or
// automatic retry.
func (e *Engine) FailedSettlements() []*model.Settlement {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]*model.Settlement, 0, len(e.failed))
	for _, s := range e.failed {
		result = append(result, s)
	}
	return result
}

// RetryFailed re-processes failed settlements that have retries left and
// returns how many settled. Settlements past MaxRetries stay in the
// registry for operator resolution.
func (e *Engine) RetryFailed(ctx context.Context) int {
	e.mu.Lock()
	var retryable []*model.Settlement
	for _, s := range e.failed {
		if s.RetryCount < e.cfg.MaxRetries {
			retryable = append(retryable, s)
		}
	}
	e.mu.Unlock()

	settled := 0
	for _, s := range retryable {
		s.RetryCount++
		s.Status = model.SettlementStatusPending
		for i := range s.Legs {
			if s.Legs[i].Status == model.SettlementStatusFailed {
				s.Legs[i].Status = model.SettlementStatusPending
			}
		}
		if err := e.repo.UpdateSettlement(ctx, s); err != nil {
			e.logger.Error("failed to persist settlement retry",
				zap.String("settlement_id", s.ID.String()), zap.Error(err))
		}
		if err := e.ProcessSettlement(ctx, s); err != nil {
			e.logger.Warn("settlement retry failed",
				zap.String("settlement_id", s.ID.String()),
				zap.Int("retry", s.RetryCount),
				zap.Error(err))
			continue
		}
		settled++
	}
	return settled
}

package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrPaymentRejected is returned by the simulated payment system when
// failure injection is on.
var ErrPaymentRejected = errors.New("payment rejected")

// SimulatedPaymentSystem acknowledges every payment and confirms every
// incoming reference. Failure injection covers the retry and registry
// paths; real deployments wire a bank or nostro gateway instead.
type SimulatedPaymentSystem struct {
	logger *zap.Logger

	mu       sync.Mutex
	failNext int
	sent     []PaymentInstruction
}

func NewSimulatedPaymentSystem(logger *zap.Logger) *SimulatedPaymentSystem {
	return &SimulatedPaymentSystem{logger: logger}
}

// FailNext makes the next n payments fail.
func (p *SimulatedPaymentSystem) FailNext(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = n
}

// Sent returns every instruction accepted so far.
func (p *SimulatedPaymentSystem) Sent() []PaymentInstruction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PaymentInstruction(nil), p.sent...)
}

func (p *SimulatedPaymentSystem) SendPayment(ctx context.Context, instruction PaymentInstruction) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext > 0 {
		p.failNext--
		return "", ErrPaymentRejected
	}
	p.sent = append(p.sent, instruction)
	receipt := fmt.Sprintf("pay_%s_%d", instruction.Reference, len(p.sent))
	p.logger.Debug("payment sent",
		zap.String("currency", instruction.Currency),
		zap.String("amount", instruction.Amount.String()),
		zap.String("counterparty", instruction.CounterpartyID))
	return receipt, nil
}

func (p *SimulatedPaymentSystem) CheckIncomingPayment(ctx context.Context, reference string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext > 0 {
		p.failNext--
		return false, nil
	}
	return true, nil
}

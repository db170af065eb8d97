package settlement

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/novafx/fxcore/internal/trading/model"
)

// NettingGroup is the derived net position of one counterparty for one
// settlement date. It is recomputed per batch and never persisted; the
// member settlements stay the source of truth.
type NettingGroup struct {
	CounterpartyID string
	SettlementDate time.Time
	// NetAmounts maps currency to the signed net obligation: positive
	// means the core receives, negative means it pays.
	NetAmounts map[string]decimal.Decimal
	Members    []*model.Settlement
}

// BuildNettingGroup folds the legs of all member settlements into signed
// per-currency net amounts. For every currency the signed sum of the leg
// amounts entering the group equals the net amount produced.
func BuildNettingGroup(counterpartyID string, date time.Time, members []*model.Settlement) *NettingGroup {
	group := &NettingGroup{
		CounterpartyID: counterpartyID,
		SettlementDate: date,
		NetAmounts:     make(map[string]decimal.Decimal),
		Members:        members,
	}
	for _, s := range members {
		for _, leg := range s.Legs {
			net, ok := group.NetAmounts[leg.Currency]
			if !ok {
				net = decimal.Zero
			}
			if leg.Type == model.LegTypeReceive {
				net = net.Add(leg.Amount)
			} else {
				net = net.Sub(leg.Amount)
			}
			group.NetAmounts[leg.Currency] = net
		}
	}
	return group
}

// Instructions converts the net amounts into payment instructions,
// skipping currencies that net to exactly zero.
func (g *NettingGroup) Instructions(reference string) []PaymentInstruction {
	var result []PaymentInstruction
	for currency, net := range g.NetAmounts {
		if net.IsZero() {
			continue
		}
		direction := model.LegTypeReceive
		amount := net
		if net.IsNegative() {
			direction = model.LegTypePay
			amount = net.Neg()
		}
		result = append(result, PaymentInstruction{
			CounterpartyID: g.CounterpartyID,
			Currency:       currency,
			Amount:         amount,
			Direction:      direction,
			Reference:      reference,
		})
	}
	return result
}

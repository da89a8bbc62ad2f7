package rebalance

import (
	"sort"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// Scenario flags the position structures that change how LTV is reduced.
type Scenario struct {
	MultiDebt  bool `json:"multi_debt"`
	Restaking  bool `json:"restaking"`
	BasisTrade bool `json:"basis_trade"`
}

// Complex reports whether any structure beyond a single plain loan is open.
func (s Scenario) Complex() bool {
	return s.MultiDebt || s.Restaking || s.BasisTrade
}

// DetectScenario inspects a health snapshot. A basis trade is also inferred
// from any short perp while staking or lending collateral is held.
func DetectScenario(h domain.HealthSnapshot) Scenario {
	s := Scenario{
		MultiDebt:  len(h.Debts) > 1,
		Restaking:  h.Restaking,
		BasisTrade: h.BasisTrade,
	}
	if !s.BasisTrade && (h.StakingVenue != "" || h.LendingVenue != "") {
		for _, p := range h.Perps {
			if p.Size < 0 {
				s.BasisTrade = true
				break
			}
		}
	}
	return s
}

// RankDebts orders debts from least to most efficient. Ties keep the larger
// debt first.
func RankDebts(debts []domain.DebtPosition) []domain.DebtPosition {
	out := make([]domain.DebtPosition, len(debts))
	copy(out, debts)
	sort.SliceStable(out, func(i, j int) bool {
		ei, ej := out[i].Efficiency(), out[j].Efficiency()
		if ei != ej {
			return ei < ej
		}
		return out[i].AmountUSD > out[j].AmountUSD
	})
	return out
}

// Package rebalance builds emergency remediation plans. Each emergency kind
// walks a fixed priority list of capital sources and consumes the cheapest
// first until the shortfall is covered.
package rebalance

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/alanyoungcy/venuerouter/internal/config"
	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/alanyoungcy/venuerouter/internal/notify"
	"github.com/alanyoungcy/venuerouter/internal/transfer"
)

// Kind is an emergency class.
type Kind string

const (
	KindLTV        Kind = "LTV_CRITICAL"
	KindMargin     Kind = "MARGIN_CRITICAL"
	KindCrossVenue Kind = "CROSS_VENUE_CRITICAL"
)

// Source names used in remediation steps.
const (
	SourceIdleStable        = "idle_stable"
	SourceMarginWithdrawal  = "margin_withdrawal"
	SourceLendingWithdrawal = "lending_withdrawal"
	SourceUnstaking         = "emergency_unstaking"
	SourcePositionReduction = "position_reduction"
	SourceDebtRepayment     = "debt_repayment"
	SourcePnLExcess         = "pnl_excess"
)

// epsilon absorbs float noise when comparing covered against shortfall.
const epsilon = 1e-6

// InsufficientCapacityError is returned alongside a partial plan when every
// source is exhausted and part of the shortfall remains.
type InsufficientCapacityError struct {
	Kind      Kind
	Shortfall float64
	Covered   float64
}

func (e *InsufficientCapacityError) Error() string {
	return fmt.Sprintf("rebalance: %s: covered %.2f of %.2f USD shortfall", e.Kind, e.Covered, e.Shortfall)
}

func (e *InsufficientCapacityError) Unwrap() error { return domain.ErrInsufficientRemediation }

// Config holds the remediation targets. SwapVenue converts funded capital
// into a debt token when the two differ; SwapCostBps is the haircut taken on
// that conversion.
type Config struct {
	TargetLTV         float64
	TargetMarginRatio float64
	TakerFeeBps       float64
	SwapVenue         string
	SwapCostBps       float64
}

// ConfigFrom copies the rebalancer settings out of the application config.
func ConfigFrom(c config.RebalanceConfig) Config {
	return Config{
		TargetLTV:         c.TargetLTV,
		TargetMarginRatio: c.TargetMarginRatio,
		TakerFeeBps:       c.TakerFeeBps,
		SwapVenue:         c.SwapVenue,
		SwapCostBps:       c.SwapCostBps,
	}
}

// Step is the part of a remediation served by one source. Its legs form one
// sequential group.
type Step struct {
	Source    Source               `json:"source"`
	AmountUSD float64              `json:"amount_usd"`
	Legs      []domain.TransferLeg `json:"legs"`
}

// Remediation is the full plan for one emergency.
type Remediation struct {
	Kind         Kind     `json:"kind"`
	Scenario     Scenario `json:"scenario"`
	Venue        string   `json:"venue"`
	ShortfallUSD float64  `json:"shortfall_usd"`
	CoveredUSD   float64  `json:"covered_usd"`
	Steps        []Step   `json:"steps"`
}

// Legs flattens the plan in execution order.
func (r Remediation) Legs() []domain.TransferLeg {
	var out []domain.TransferLeg
	for _, s := range r.Steps {
		out = append(out, s.Legs...)
	}
	return out
}

// Rebalancer turns health snapshots into remediation plans. It is stateless
// apart from its collaborators.
type Rebalancer struct {
	cfg      Config
	planner  *transfer.Planner
	reg      *domain.Registry
	notifier domain.Notifier
	logger   *slog.Logger
}

// New creates a Rebalancer. notifier may be nil.
func New(cfg Config, planner *transfer.Planner, reg *domain.Registry, notifier domain.Notifier, logger *slog.Logger) *Rebalancer {
	return &Rebalancer{
		cfg:      cfg,
		planner:  planner,
		reg:      reg,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "rebalancer")),
	}
}

// Detect lists the emergencies present in h, most urgent first.
func (r *Rebalancer) Detect(h domain.HealthSnapshot) []Kind {
	pc := r.planner.Config()
	var kinds []Kind
	if h.LendingVenue != "" && h.CurrentLTV > pc.MaxLTV {
		kinds = append(kinds, KindLTV)
	}
	if h.MarginVenue != "" && h.MarginRatio < pc.MinMarginRatio {
		kinds = append(kinds, KindMargin)
	}
	if excess, deficit := pnlExtremes(h.VenuePnL); excess.amount >= pc.MinTransferUSD && -deficit.amount >= pc.MinTransferUSD {
		kinds = append(kinds, KindCrossVenue)
	}
	return kinds
}

// Remediate builds the plan for one emergency. When sources run out before
// the shortfall is covered, it returns the partial plan together with an
// *InsufficientCapacityError.
func (r *Rebalancer) Remediate(ctx context.Context, kind Kind, h domain.HealthSnapshot, snap domain.MarketSnapshot) (Remediation, error) {
	var rem Remediation
	var err error
	switch kind {
	case KindLTV:
		rem, err = r.ltv(h, snap)
	case KindMargin:
		rem, err = r.margin(h, snap)
	case KindCrossVenue:
		rem, err = r.crossVenue(h, snap)
	default:
		return Remediation{}, fmt.Errorf("rebalance: unknown emergency kind %q", kind)
	}
	if err != nil {
		return rem, err
	}
	rem.Kind = kind

	r.logger.Info("remediation planned",
		slog.String("kind", string(kind)),
		slog.String("venue", rem.Venue),
		slog.Float64("shortfall_usd", rem.ShortfallUSD),
		slog.Float64("covered_usd", rem.CoveredUSD),
		slog.Int("steps", len(rem.Steps)),
	)
	if kind != KindCrossVenue && rem.CoveredUSD+epsilon < rem.ShortfallUSD {
		ierr := &InsufficientCapacityError{Kind: kind, Shortfall: rem.ShortfallUSD, Covered: rem.CoveredUSD}
		r.alert(ctx, ierr)
		return rem, ierr
	}
	return rem, nil
}

func (r *Rebalancer) alert(ctx context.Context, err error) {
	r.logger.Error("remediation insufficient", slog.String("error", err.Error()))
	if r.notifier == nil {
		return
	}
	if nerr := r.notifier.Notify(ctx, notify.EventEmergency, "Remediation capacity exhausted", err.Error()); nerr != nil {
		r.logger.Warn("notify remediation", slog.String("error", nerr.Error()))
	}
}

// ltv restores the lending venue to the target LTV by adding collateral, or
// by repaying the least efficient debts first when the position is complex.
func (r *Rebalancer) ltv(h domain.HealthSnapshot, snap domain.MarketSnapshot) (Remediation, error) {
	venue := pick(h.LendingVenue, snap.Lending)
	st, ok := snap.Lending[venue]
	if !ok {
		return Remediation{}, fmt.Errorf("rebalance: no lending state for %q: %w", venue, domain.ErrMissingMarketData)
	}
	rem := Remediation{Scenario: DetectScenario(h), Venue: venue}
	debts := debtsOn(h.Debts, venue)
	sources := r.ltvSources(h, snap)

	if rem.Scenario.Complex() && len(debts) > 0 {
		return r.ltvRepay(rem, st, debts, sources, snap)
	}

	rem.ShortfallUSD = st.DebtUSD/r.cfg.TargetLTV - st.CollateralUSD
	if rem.ShortfallUSD <= 0 {
		rem.ShortfallUSD = 0
		return rem, nil
	}
	rem.Steps, rem.CoveredUSD = r.fund(rem.ShortfallUSD, sources, venue, snap, "restore LTV on "+venue)
	return rem, nil
}

func (r *Rebalancer) ltvSources(h domain.HealthSnapshot, snap domain.MarketSnapshot) []Source {
	sources := []Source{{Name: SourceIdleStable, Venue: "wallet", CapacityUSD: r.capacity("wallet", snap)}}
	for _, v := range venues(h.MarginVenue, snap.Margin) {
		sources = append(sources, Source{Name: SourceMarginWithdrawal, Venue: v, CapacityUSD: r.capacity(v, snap)})
	}
	for _, v := range venues(h.StakingVenue, snap.Staking) {
		sources = append(sources, Source{Name: SourceUnstaking, Venue: v, CapacityUSD: r.capacity(v, snap)})
	}
	return sources
}

// ltvRepay funds repayments instead of deposits. Funding legs stop once the
// capital reaches its holding venue. Each funded tranche is then matched
// against the ranked debts, least efficient first, and every match becomes
// its own step: a swap into the debt token when the tranche arrived in a
// different asset, then the repayment of what the swap produced.
func (r *Rebalancer) ltvRepay(rem Remediation, st domain.LendingState, debts []domain.DebtPosition, sources []Source, snap domain.MarketSnapshot) (Remediation, error) {
	rem.ShortfallUSD = st.DebtUSD - r.cfg.TargetLTV*st.CollateralUSD
	if rem.ShortfallUSD <= 0 {
		rem.ShortfallUSD = 0
		return rem, nil
	}

	funding, _ := r.fund(rem.ShortfallUSD, sources, rem.Venue, snap, "fund debt repayment on "+rem.Venue)
	var tranches []tranche
	for _, step := range funding {
		legs := step.Legs
		n := len(legs)
		if n == 0 {
			continue
		}
		t := tranche{token: legs[n-1].OutputToken, usd: step.AmountUSD}
		if legs[n-1].TradeType == domain.TradeLendingDeposit {
			t.token = legs[n-1].Token
			step.Legs = legs[:n-1]
		}
		tranches = append(tranches, t)
		if len(step.Legs) > 0 {
			rem.Steps = append(rem.Steps, step)
		}
	}

	ranked := RankDebts(debts)
	owed := make([]float64, len(ranked))
	for i, d := range ranked {
		owed[i] = d.AmountUSD
	}
	left := rem.ShortfallUSD
	for i, j := 0, 0; left > epsilon && i < len(tranches) && j < len(ranked); {
		if owed[j] <= epsilon {
			j++
			continue
		}
		usd := min(tranches[i].usd, owed[j], left)
		step, err := r.repaySlice(rem.Venue, tranches[i].token, ranked[j], usd, snap)
		if err != nil {
			return rem, err
		}
		rem.Steps = append(rem.Steps, step)
		rem.CoveredUSD += usd
		left -= usd
		tranches[i].usd -= usd
		owed[j] -= usd
		if tranches[i].usd <= epsilon {
			i++
		}
		if owed[j] <= epsilon {
			j++
		}
	}
	return rem, nil
}

// tranche is funded capital waiting in its holding venue.
type tranche struct {
	token string
	usd   float64
}

// repaySlice spends usd of funded token on debt d. A swap leg precedes the
// repayment when token is not the debt token, and the repayment consumes
// exactly what the swap is expected to output.
func (r *Rebalancer) repaySlice(venue, token string, d domain.DebtPosition, usd float64, snap domain.MarketSnapshot) (Step, error) {
	debtPx, ok := price(snap, d.Token)
	if !ok {
		return Step{}, fmt.Errorf("rebalance: no price for debt token %s: %w", d.Token, domain.ErrMissingMarketData)
	}
	step := Step{
		Source:    Source{Name: SourceDebtRepayment, Venue: venue, CapacityUSD: d.AmountUSD},
		AmountUSD: usd,
	}
	repaid := usd
	if token != d.Token {
		px, ok := price(snap, token)
		if !ok {
			return Step{}, fmt.Errorf("rebalance: no price for funding token %s: %w", token, domain.ErrMissingMarketData)
		}
		fee := usd * r.cfg.SwapCostBps / 10_000
		repaid = usd - fee
		step.Legs = append(step.Legs, domain.TransferLeg{
			TradeType:   domain.TradeSwap,
			Venue:       r.cfg.SwapVenue,
			Token:       token,
			OutputToken: d.Token,
			Amount:      usd / px,
			AmountUSD:   usd,
			Purpose:     fmt.Sprintf("swap %s into %s to repay on %s", token, d.Token, venue),
			ExpectedFee: fee,
		})
	}
	step.Legs = append(step.Legs, domain.TransferLeg{
		TradeType:   domain.TradeDebtRepayment,
		Venue:       venue,
		Token:       d.Token,
		OutputToken: domain.DebtTokenSymbol(d.Token),
		Amount:      repaid / debtPx,
		AmountUSD:   repaid,
		Purpose:     fmt.Sprintf("repay %s on %s (least efficient first)", d.Token, venue),
	})
	return step, nil
}

// margin restores the margin venue to the target margin ratio: lending
// withdrawals first, then unstaking, then reducing the open position.
func (r *Rebalancer) margin(h domain.HealthSnapshot, snap domain.MarketSnapshot) (Remediation, error) {
	venue := pick(h.MarginVenue, snap.Margin)
	m, ok := snap.Margin[venue]
	if !ok {
		return Remediation{}, fmt.Errorf("rebalance: no margin state for %q: %w", venue, domain.ErrMissingMarketData)
	}
	rem := Remediation{Scenario: DetectScenario(h), Venue: venue}
	rem.ShortfallUSD = r.cfg.TargetMarginRatio*m.NotionalUSD - m.BalanceUSD
	if rem.ShortfallUSD <= 0 {
		rem.ShortfallUSD = 0
		return rem, nil
	}

	var sources []Source
	for _, v := range venues(h.LendingVenue, snap.Lending) {
		sources = append(sources, Source{Name: SourceLendingWithdrawal, Venue: v, CapacityUSD: r.capacity(v, snap)})
	}
	for _, v := range venues(h.StakingVenue, snap.Staking) {
		sources = append(sources, Source{Name: SourceUnstaking, Venue: v, CapacityUSD: r.capacity(v, snap)})
	}
	rem.Steps, rem.CoveredUSD = r.fund(rem.ShortfallUSD, sources, venue, snap, "restore margin on "+venue)

	remaining := rem.ShortfallUSD - rem.CoveredUSD
	if remaining > epsilon {
		if step, freed := r.reducePositions(venue, remaining, h.Perps); len(step.Legs) > 0 {
			rem.Steps = append(rem.Steps, step)
			rem.CoveredUSD += freed
		}
	}
	return rem, nil
}

// reducePositions shrinks perps on venue until the margin they free covers
// need. Cutting notional by x frees TargetMarginRatio*x of required margin.
func (r *Rebalancer) reducePositions(venue string, need float64, perps []domain.PerpPosition) (Step, float64) {
	var open []domain.PerpPosition
	for _, p := range perps {
		if p.Venue == venue && p.Size != 0 && p.NotionalUSD > 0 {
			open = append(open, p)
		}
	}
	sort.SliceStable(open, func(i, j int) bool { return open[i].NotionalUSD > open[j].NotionalUSD })

	sources := make([]Source, 0, len(open))
	for _, p := range open {
		sources = append(sources, Source{Name: p.Symbol, Venue: venue, CapacityUSD: r.cfg.TargetMarginRatio * p.NotionalUSD})
	}
	allocs, _ := Allocate(need, sources)

	step := Step{Source: Source{Name: SourcePositionReduction, Venue: venue}}
	var freed float64
	for i, a := range allocs {
		p := open[i]
		cut := a.AmountUSD / r.cfg.TargetMarginRatio
		side := domain.OrderSideSell
		if p.Size < 0 {
			side = domain.OrderSideBuy
		}
		step.Legs = append(step.Legs, domain.TransferLeg{
			TradeType:   domain.TradePositionReduction,
			Venue:       venue,
			Token:       p.Symbol,
			OutputToken: p.Symbol,
			Amount:      math.Abs(p.Size) * cut / p.NotionalUSD,
			AmountUSD:   cut,
			Side:        side,
			Purpose:     fmt.Sprintf("reduce %s perp on %s to free margin", p.Symbol, venue),
			ExpectedFee: cut * r.cfg.TakerFeeBps / 10_000,
		})
		step.AmountUSD += cut
		freed += a.AmountUSD
	}
	return step, freed
}

// crossVenue moves the smaller of the largest PnL excess and the largest
// deficit from the excess venue to the deficit venue.
func (r *Rebalancer) crossVenue(h domain.HealthSnapshot, snap domain.MarketSnapshot) (Remediation, error) {
	excess, deficit := pnlExtremes(h.VenuePnL)
	rem := Remediation{Scenario: DetectScenario(h), Venue: deficit.venue}
	if excess.amount <= 0 || deficit.amount >= 0 {
		return rem, nil
	}
	rem.ShortfallUSD = -deficit.amount
	amount := min(excess.amount, -deficit.amount)

	purpose := fmt.Sprintf("rebalance PnL %s -> %s", excess.venue, deficit.venue)
	plan, err := r.planner.Build(excess.venue, deficit.venue, amount, snap, purpose)
	if err != nil {
		return rem, fmt.Errorf("rebalance: %s: %w", KindCrossVenue, err)
	}
	src := Source{Name: SourcePnLExcess, Venue: excess.venue, CapacityUSD: excess.amount}
	rem.Steps = []Step{{Source: src, AmountUSD: amount, Legs: plan.Legs}}
	rem.CoveredUSD = amount
	return rem, nil
}

// fund walks sources in priority order and plans a transfer from each to
// target. The remaining shortfall shrinks only when the planner accepts a
// source, so a rejected source's share falls through to the next one.
// Amounts below the minimum transfer are raised to it.
func (r *Rebalancer) fund(shortfall float64, sources []Source, target string, snap domain.MarketSnapshot, purpose string) ([]Step, float64) {
	minUSD := r.planner.Config().MinTransferUSD

	var steps []Step
	var covered float64
	remaining := shortfall
	for _, s := range sources {
		if remaining <= epsilon {
			break
		}
		if s.Venue == target || s.CapacityUSD <= 0 {
			continue
		}
		amount := max(min(s.CapacityUSD, remaining), minUSD)
		plan, err := r.planner.Build(s.Venue, target, amount, snap, purpose)
		if err != nil {
			r.logger.Warn("remediation source skipped",
				slog.String("source", s.Name),
				slog.String("venue", s.Venue),
				slog.Float64("amount_usd", amount),
				slog.String("error", err.Error()),
			)
			continue
		}
		steps = append(steps, Step{Source: s, AmountUSD: amount, Legs: plan.Legs})
		covered += amount
		remaining -= amount
	}
	return steps, covered
}

// capacity is what venue can safely release in one transfer. Amounts below
// the minimum transfer count as nothing.
func (r *Rebalancer) capacity(venue string, snap domain.MarketSnapshot) float64 {
	pc := r.planner.Config()
	c := min(r.planner.SafeWithdrawable(venue, snap), pc.MaxTransferUSD)
	if c < pc.MinTransferUSD {
		return 0
	}
	return c
}

type pnlEntry struct {
	venue  string
	amount float64
}

// pnlExtremes returns the largest excess and the largest deficit. Ties go to
// the alphabetically first venue.
func pnlExtremes(pnl map[string]float64) (excess, deficit pnlEntry) {
	names := make([]string, 0, len(pnl))
	for v := range pnl {
		names = append(names, v)
	}
	sort.Strings(names)
	for _, v := range names {
		x := pnl[v]
		if x > excess.amount {
			excess = pnlEntry{venue: v, amount: x}
		}
		if x < deficit.amount {
			deficit = pnlEntry{venue: v, amount: x}
		}
	}
	return excess, deficit
}

// pick returns preferred, or the first venue in m by name.
func pick[T any](preferred string, m map[string]T) string {
	if preferred != "" {
		return preferred
	}
	if vs := venues("", m); len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// venues returns [preferred] when set, otherwise every venue in m by name.
func venues[T any](preferred string, m map[string]T) []string {
	if preferred != "" {
		return []string{preferred}
	}
	out := make([]string, 0, len(m))
	for v := range m {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func debtsOn(debts []domain.DebtPosition, venue string) []domain.DebtPosition {
	var out []domain.DebtPosition
	for _, d := range debts {
		if d.Venue == "" || d.Venue == venue {
			out = append(out, d)
		}
	}
	return out
}

func price(snap domain.MarketSnapshot, token string) (float64, bool) {
	if px, ok := snap.Price(token); ok {
		return px, true
	}
	if token == "WETH" {
		return snap.Price("ETH")
	}
	return 0, false
}

package domain

// TradeType classifies one leg of a planned transfer or remediation.
type TradeType string

const (
	TradeVenueTransfer     TradeType = "venue_transfer"
	TradeLendingWithdrawal TradeType = "lending_withdrawal"
	TradeLendingDeposit    TradeType = "lending_deposit"
	TradeUnstaking         TradeType = "unstaking"
	TradeStaking           TradeType = "staking"
	TradeDebtRepayment     TradeType = "debt_repayment"
	TradePositionReduction TradeType = "position_reduction"
	TradeSwap              TradeType = "swap"
)

// TransferLeg is one strictly ordered step of a transfer plan. Token is what
// the leg consumes and OutputToken is what it leaves behind for the next leg.
// Amount is in units of Token; AmountUSD is its value when the plan was built.
type TransferLeg struct {
	TradeType   TradeType `json:"trade_type"`
	Venue       string    `json:"venue"`
	FromVenue   string    `json:"from_venue,omitempty"`
	ToVenue     string    `json:"to_venue,omitempty"`
	Token       string    `json:"token"`
	OutputToken string    `json:"output_token"`
	Amount      float64   `json:"amount"`
	AmountUSD   float64   `json:"amount_usd"`
	Side        OrderSide `json:"side,omitempty"`
	Purpose     string    `json:"purpose"`
	ExpectedFee float64   `json:"expected_fee"`
}

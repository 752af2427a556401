package paystack

import "github.com/shopspring/decimal"

// Transfer fee tiers (major units). The fee is informational for
// reporting; it does not change the amount actually transferred.
var (
	feeTierLow  = decimal.NewFromInt(10) // below 5,000
	feeTierMid  = decimal.NewFromInt(25) // 5,000 up to 50,000
	feeTierHigh = decimal.NewFromInt(50) // above 50,000

	tierLowCeiling = decimal.NewFromInt(5000)
	tierMidCeiling = decimal.NewFromInt(50000)
)

// TransferFee returns the flat fee charged for a transfer of amount.
func TransferFee(amount decimal.Decimal) decimal.Decimal {
	switch {
	case amount.LessThan(tierLowCeiling):
		return feeTierLow
	case amount.LessThanOrEqual(tierMidCeiling):
		return feeTierMid
	default:
		return feeTierHigh
	}
}

// NetAmount returns what the recipient effectively costs net of the fee,
// as (net, fee).
func NetAmount(gross decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	fee := TransferFee(gross)
	return gross.Sub(fee), fee
}

package vault

import (
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/policyvault/internal/policy"
)

// Rounding selects the direction of a share/asset conversion. Conversions
// always round against the caller.
type Rounding int

const (
	Floor Rounding = iota
	Ceil
)

// ConvertToShares prices assets in shares. One virtual share and one virtual
// asset are added to both sides so an empty vault converts 1:1 and the rate
// stays defined when all assets are gone.
func ConvertToShares(assets, totalAssets, totalShares uint64, r Rounding) (uint64, error) {
	return mulDiv(assets, totalShares+1, totalAssets+1, r)
}

// ConvertToAssets prices shares in assets
func ConvertToAssets(shares, totalAssets, totalShares uint64, r Rounding) (uint64, error) {
	return mulDiv(shares, totalAssets+1, totalShares+1, r)
}

// PricePerShare is the asset value of one share
func PricePerShare(totalAssets, totalShares uint64) decimal.Decimal {
	num := decimal.RequireFromString(strconv.FormatUint(totalAssets, 10)).Add(decimal.NewFromInt(1))
	den := decimal.RequireFromString(strconv.FormatUint(totalShares, 10)).Add(decimal.NewFromInt(1))
	return num.DivRound(den, 8)
}

func mulDiv(a, b, c uint64, r Rounding) (uint64, error) {
	if b == 0 || c == 0 {
		return 0, policy.Errorf(policy.CodeOverflow, "conversion overflows uint64")
	}
	if r == Ceil {
		return policy.MulDivUp(a, b, c)
	}
	return policy.MulDiv(a, b, c)
}

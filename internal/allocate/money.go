package allocate

import (
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
)

// CurrencyPlaces is the number of decimal places every monetary amount is rounded to.
const CurrencyPlaces = 2

// PublisherRatio is the publisher's fixed share of a campaign's feed revenue.
var PublisherRatio = decimal.RequireFromString("0.75")

// ErrNegativeRevenue is returned when the amount to split is below zero.
var ErrNegativeRevenue = eris.New("allocate: negative revenue")

// Share is one campaign's slice of a feed's revenue.
type Share struct {
	FeedRevenue      decimal.Decimal
	PublisherRevenue decimal.Decimal
}

// SplitRevenue splits feedRevenue across weights. Each share is rounded half
// up to cents on its own, so the shares may drift from feedRevenue by a few
// cents; that drift is checked at batch level, not here.
func SplitRevenue(feedRevenue decimal.Decimal, weights []float64) ([]Share, error) {
	if feedRevenue.IsNegative() {
		return nil, eris.Wrapf(ErrNegativeRevenue, "feed revenue %s", feedRevenue.String())
	}
	sum, err := weightSum(weights)
	if err != nil {
		return nil, err
	}

	shares := make([]Share, len(weights))
	if sum == 0 {
		for i := range shares {
			shares[i] = Share{FeedRevenue: decimal.Zero, PublisherRevenue: decimal.Zero}
		}
		return shares, nil
	}

	denom := decimal.NewFromFloat(sum)
	for i, w := range weights {
		share := RoundHalfUp(feedRevenue.Mul(decimal.NewFromFloat(w)).Div(denom))
		shares[i] = Share{FeedRevenue: share, PublisherRevenue: PublisherRevenue(share)}
	}
	return shares, nil
}

// PublisherRevenue applies PublisherRatio to a feed revenue share.
func PublisherRevenue(share decimal.Decimal) decimal.Decimal {
	return RoundHalfUp(share.Mul(PublisherRatio))
}

// RoundHalfUp rounds d to CurrencyPlaces. Amounts here are never negative,
// where half-away-from-zero and half-up agree.
func RoundHalfUp(d decimal.Decimal) decimal.Decimal {
	return d.Round(CurrencyPlaces)
}

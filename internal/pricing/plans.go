package pricing

import (
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/skechum/pkg/ledger"
	"github.com/shopspring/decimal"
)

// DefaultMinorUnitsPerCredit converts smallest currency units to credits when no plan matches.
const DefaultMinorUnitsPerCredit int64 = 100

// PlanTable decides how many credits a verified payment buys.
type PlanTable struct {
	plans               map[string]ledger.Credits
	minorUnitsPerCredit decimal.Decimal
}

// NewPlanTable validates per-product credit grants and the fallback ratio.
func NewPlanTable(plans map[string]int64, minorUnitsPerCredit int64) (*PlanTable, error) {
	if minorUnitsPerCredit <= 0 {
		return nil, fmt.Errorf("%w: minor units per credit must be greater than zero", ErrInvalidPlanTable)
	}
	table := &PlanTable{
		plans:               make(map[string]ledger.Credits, len(plans)),
		minorUnitsPerCredit: decimal.NewFromInt(minorUnitsPerCredit),
	}
	for rawProductID, rawCredits := range plans {
		productID := strings.TrimSpace(rawProductID)
		if productID == "" {
			return nil, fmt.Errorf("%w: empty product id", ErrInvalidPlanTable)
		}
		credits, err := ledger.NewPositiveCredits(rawCredits)
		if err != nil {
			return nil, fmt.Errorf("%w: product %q: %v", ErrInvalidPlanTable, productID, err)
		}
		table.plans[productID] = credits
	}
	return table, nil
}

// CreditsFor returns the plan grant for productID, or floor(amount / ratio) otherwise.
// Negative amounts buy nothing.
func (table *PlanTable) CreditsFor(productID string, amountMinor decimal.Decimal) ledger.Credits {
	if credits, ok := table.plans[strings.TrimSpace(productID)]; ok {
		return credits
	}
	if amountMinor.Sign() <= 0 {
		return 0
	}
	return ledger.Credits(amountMinor.Div(table.minorUnitsPerCredit).Floor().IntPart())
}

package commission

import (
	"fmt"

	"betlink-server/internal/store"

	"github.com/shopspring/decimal"
)

var oneHundred = decimal.NewFromInt(100)

// Input carries everything the evaluator needs to price a conversion event.
// CPAAlreadyPaid is resolved by the caller through the dedup guard; the
// evaluator itself performs no I/O.
type Input struct {
	House          store.BettingHouse
	EventType      store.EventType
	Amount         decimal.Decimal
	CPAAlreadyPaid bool
}

// Result is the computed commission split for one event. When no component
// applies, Valid is false and Reason explains why; that is a policy outcome,
// not a system error, and callers still record the conversion attempt.
type Result struct {
	Type                store.CommissionType
	AffiliateCommission decimal.Decimal
	MasterCommission    decimal.Decimal
	Valid               bool
	Reason              string
	CPAPaid             bool
	Breakdown           map[string]interface{}
}

// Total returns the full commission paid out for the event.
func (r Result) Total() decimal.Decimal {
	return r.AffiliateCommission.Add(r.MasterCommission)
}

// Evaluate computes the affiliate/master commission split for an event under
// the house's configured commission model. All arithmetic stays in decimals;
// rounding to 2 places happens only at persistence.
func Evaluate(in Input) Result {
	result := Result{
		Type:                in.House.CommissionType,
		AffiliateCommission: decimal.Zero,
		MasterCommission:    decimal.Zero,
		Breakdown:           map[string]interface{}{},
	}

	switch in.House.CommissionType {
	case store.CommissionTypeCPA:
		applyComponent(&result, evaluateCPA(in))
	case store.CommissionTypeRevShare:
		applyComponent(&result, evaluateRevShare(in, revShareEvents))
	case store.CommissionTypeHybrid:
		// The CPA leg prices deposit events, the RevShare leg prices
		// profit events; each is independently valid or invalid.
		applyComponent(&result, evaluateCPA(in))
		applyComponent(&result, evaluateRevShare(in, hybridRevShareEvents))
	default:
		result.Reason = fmt.Sprintf("unknown commission type %q", in.House.CommissionType)
	}

	return result
}

type component struct {
	name       string
	applicable bool
	valid      bool
	reason     string
	affiliate  decimal.Decimal
	master     decimal.Decimal
	cpaPaid    bool
	detail     map[string]interface{}
}

func applyComponent(result *Result, c component) {
	if !c.applicable {
		return
	}
	result.Breakdown[c.name] = c.detail
	if !c.valid {
		if result.Reason == "" {
			result.Reason = c.reason
		} else {
			result.Reason = result.Reason + "; " + c.reason
		}
		return
	}
	result.Valid = true
	result.AffiliateCommission = result.AffiliateCommission.Add(c.affiliate)
	result.MasterCommission = result.MasterCommission.Add(c.master)
	if c.cpaPaid {
		result.CPAPaid = true
	}
}

// evaluateCPA prices the flat cost-per-acquisition component. It applies
// only to deposit events, pays at most once per (house, customer), and
// gates on the house's minimum qualifying deposit.
func evaluateCPA(in Input) component {
	c := component{name: "cpa"}
	if in.EventType != store.EventTypeDeposit && in.EventType != store.EventTypeFirstDeposit {
		return c
	}
	c.applicable = true

	house := in.House
	switch {
	case in.CPAAlreadyPaid:
		c.reason = "CPA already paid for this customer"
	case in.Amount.LessThan(house.MinDeposit):
		c.reason = fmt.Sprintf("deposit %s below minimum %s", in.Amount.String(), house.MinDeposit.String())
	case !house.CPAValue.IsPositive():
		c.reason = "CPA value is not configured"
	case !house.CPAAffiliatePercent.IsPositive() || house.CPAAffiliatePercent.GreaterThan(oneHundred):
		c.reason = "CPA affiliate percent is not configured"
	default:
		c.valid = true
		c.cpaPaid = true
		c.affiliate = house.CPAValue.Mul(house.CPAAffiliatePercent).Div(oneHundred)
		c.master = house.CPAValue.Sub(c.affiliate)
	}

	c.detail = map[string]interface{}{
		"valid":             c.valid,
		"cpa_value":         house.CPAValue.String(),
		"affiliate_percent": house.CPAAffiliatePercent.String(),
		"affiliate":         c.affiliate.String(),
		"master":            c.master.String(),
	}
	if c.reason != "" {
		c.detail["reason"] = c.reason
	}
	return c
}

var (
	revShareEvents       = []store.EventType{store.EventTypeProfit, store.EventTypeRevenue, store.EventTypeDeposit}
	hybridRevShareEvents = []store.EventType{store.EventTypeProfit, store.EventTypeRevenue}
)

// evaluateRevShare prices the revenue-share component. The affiliate's
// percentage is an absolute share of the total RevShare pool, so the split
// is amount * (Paff / Ptotal) -- not amount * Paff / 100. The postback value
// already represents the house's earned revenue share, so the master keeps
// the remainder of the amount.
func evaluateRevShare(in Input, eligible []store.EventType) component {
	c := component{name: "revshare"}
	applies := false
	for _, e := range eligible {
		if in.EventType == e {
			applies = true
			break
		}
	}
	if !applies {
		return c
	}
	c.applicable = true

	house := in.House
	switch {
	case !in.Amount.IsPositive():
		c.reason = "revshare requires a positive amount"
	case !house.RevSharePercent.IsPositive():
		c.reason = "revshare total percent is not configured"
	case !house.RevShareAffiliatePercent.IsPositive():
		c.reason = "revshare affiliate percent is not configured"
	case house.RevShareAffiliatePercent.GreaterThan(house.RevSharePercent):
		c.reason = "revshare affiliate percent exceeds total percent"
	default:
		c.valid = true
		c.affiliate = in.Amount.Mul(house.RevShareAffiliatePercent).Div(house.RevSharePercent)
		c.master = in.Amount.Sub(c.affiliate)
	}

	c.detail = map[string]interface{}{
		"valid":             c.valid,
		"total_percent":     house.RevSharePercent.String(),
		"affiliate_percent": house.RevShareAffiliatePercent.String(),
		"amount":            in.Amount.String(),
		"affiliate":         c.affiliate.String(),
		"master":            c.master.String(),
	}
	if c.reason != "" {
		c.detail["reason"] = c.reason
	}
	return c
}

// ValidateHouseConfig checks a house's commission configuration against the
// model invariants: percentage splits must be positive and must not exceed
// their component's total. Returns one message per violation.
func ValidateHouseConfig(house store.BettingHouse) []string {
	var problems []string

	checkCPA := func() {
		if !house.CPAValue.IsPositive() {
			problems = append(problems, "cpa_value must be positive")
		}
		if !house.CPAAffiliatePercent.IsPositive() || house.CPAAffiliatePercent.GreaterThan(oneHundred) {
			problems = append(problems, "cpa_affiliate_percent must be in (0, 100]")
		}
	}
	checkRevShare := func() {
		if !house.RevSharePercent.IsPositive() {
			problems = append(problems, "revshare_percent must be positive")
		}
		if !house.RevShareAffiliatePercent.IsPositive() || house.RevShareAffiliatePercent.GreaterThan(house.RevSharePercent) {
			problems = append(problems, "revshare_affiliate_percent must be in (0, revshare_percent]")
		}
	}

	switch house.CommissionType {
	case store.CommissionTypeCPA:
		checkCPA()
	case store.CommissionTypeRevShare:
		checkRevShare()
	case store.CommissionTypeHybrid:
		checkCPA()
		checkRevShare()
	default:
		problems = append(problems, fmt.Sprintf("unknown commission type %q", house.CommissionType))
	}

	return problems
}

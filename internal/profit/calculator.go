// Package profit computes per-order net profit breakdowns. It performs no I/O.
package profit

import (
	"github.com/shopspring/decimal"

	"marketplace-sync-service/internal/models"
)

var hundred = decimal.NewFromInt(100)

// TaxConfig is the regime and rates used for one calculation. Nil or invalid
// rates contribute zero.
type TaxConfig struct {
	Regime        models.TaxRegime
	ICMSRate      decimal.NullDecimal
	PISCOFINSRate decimal.NullDecimal
	ISSRate       decimal.NullDecimal
	SimplesRate   decimal.NullDecimal
}

// TaxConfigFrom converts persisted tax settings.
func TaxConfigFrom(s *models.TaxSettings) TaxConfig {
	return TaxConfig{
		Regime:        s.Regime,
		ICMSRate:      decimal.NewNullDecimal(s.ICMSRate),
		PISCOFINSRate: decimal.NewNullDecimal(s.PISCOFINSRate),
		ISSRate:       s.ISSRate,
		SimplesRate:   s.SimplesRate,
	}
}

// Input is everything the calculation needs for one order.
type Input struct {
	Gross               decimal.Decimal
	Fees                []decimal.Decimal
	ShippingCost        decimal.Decimal
	ShippingPaidByBuyer decimal.Decimal
	ProductCost         decimal.Decimal
	Tax                 TaxConfig
}

// Breakdown is the result of a calculation. Monetary values are rounded to
// two places, half away from zero, so -18.005 becomes -18.01 rather than
// -18.00. Margin is a percentage.
type Breakdown struct {
	Gross       decimal.Decimal `json:"gross"`
	ICMS        decimal.Decimal `json:"icms"`
	PISCOFINS   decimal.Decimal `json:"pisCofins"`
	ISS         decimal.Decimal `json:"iss"`
	Simples     decimal.Decimal `json:"simples"`
	TotalTaxes  decimal.Decimal `json:"totalTaxes"`
	TotalFees   decimal.Decimal `json:"totalFees"`
	NetShipping decimal.Decimal `json:"netShipping"`
	ProductCost decimal.Decimal `json:"productCost"`
	NetProfit   decimal.Decimal `json:"netProfit"`
	Margin      decimal.Decimal `json:"margin"`
}

// Summary aggregates many calculations.
type Summary struct {
	Orders        int             `json:"orders"`
	TotalRevenue  decimal.Decimal `json:"totalRevenue"`
	TotalProfit   decimal.Decimal `json:"totalProfit"`
	TotalTaxes    decimal.Decimal `json:"totalTaxes"`
	TotalFees     decimal.Decimal `json:"totalFees"`
	AverageMargin decimal.Decimal `json:"averageMargin"`
}

// Calculator is stateless; the zero value is ready to use.
type Calculator struct{}

// NewCalculator returns a Calculator.
func NewCalculator() *Calculator {
	return &Calculator{}
}

// Calculate returns the rounded breakdown for one order.
func (c *Calculator) Calculate(in Input) Breakdown {
	return compute(in).rounded()
}

// Aggregate sums unrounded per-order results and rounds only the totals.
func (c *Calculator) Aggregate(inputs []Input) Summary {
	revenue, profit, taxes, fees := decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero
	for _, in := range inputs {
		b := compute(in)
		revenue = revenue.Add(b.Gross)
		profit = profit.Add(b.NetProfit)
		taxes = taxes.Add(b.TotalTaxes)
		fees = fees.Add(b.TotalFees)
	}
	return Summary{
		Orders:        len(inputs),
		TotalRevenue:  revenue.Round(2),
		TotalProfit:   profit.Round(2),
		TotalTaxes:    taxes.Round(2),
		TotalFees:     fees.Round(2),
		AverageMargin: margin(profit, revenue).Round(2),
	}
}

func compute(in Input) Breakdown {
	b := Breakdown{
		Gross:       in.Gross,
		ICMS:        decimal.Zero,
		PISCOFINS:   decimal.Zero,
		ISS:         decimal.Zero,
		Simples:     decimal.Zero,
		TotalFees:   decimal.Zero,
		ProductCost: in.ProductCost,
	}

	for _, fee := range in.Fees {
		b.TotalFees = b.TotalFees.Add(fee)
	}

	if in.Tax.Regime == models.TaxRegimeSimplesNacional {
		b.Simples = applyRate(in.Gross, in.Tax.SimplesRate)
	} else {
		b.ICMS = applyRate(in.Gross, in.Tax.ICMSRate)
		b.PISCOFINS = applyRate(in.Gross, in.Tax.PISCOFINSRate)
		b.ISS = applyRate(in.Gross, in.Tax.ISSRate)
	}
	b.TotalTaxes = b.Simples.Add(b.ICMS).Add(b.PISCOFINS).Add(b.ISS)

	b.NetShipping = decimal.Max(decimal.Zero, in.ShippingCost.Sub(in.ShippingPaidByBuyer))

	b.NetProfit = in.Gross.
		Sub(b.TotalFees).
		Sub(b.NetShipping).
		Sub(in.ProductCost).
		Sub(b.TotalTaxes)
	b.Margin = margin(b.NetProfit, in.Gross)
	return b
}

func applyRate(gross decimal.Decimal, rate decimal.NullDecimal) decimal.Decimal {
	if !rate.Valid {
		return decimal.Zero
	}
	return gross.Mul(rate.Decimal)
}

func margin(profit, gross decimal.Decimal) decimal.Decimal {
	if !gross.IsPositive() {
		return decimal.Zero
	}
	return profit.Div(gross).Mul(hundred)
}

func (b Breakdown) rounded() Breakdown {
	return Breakdown{
		Gross:       b.Gross.Round(2),
		ICMS:        b.ICMS.Round(2),
		PISCOFINS:   b.PISCOFINS.Round(2),
		ISS:         b.ISS.Round(2),
		Simples:     b.Simples.Round(2),
		TotalTaxes:  b.TotalTaxes.Round(2),
		TotalFees:   b.TotalFees.Round(2),
		NetShipping: b.NetShipping.Round(2),
		ProductCost: b.ProductCost.Round(2),
		NetProfit:   b.NetProfit.Round(2),
		Margin:      b.Margin.Round(2),
	}
}

package portfolio

import (
	"github.com/shopspring/decimal"

	"github.com/meridian-quant/rollgrid/internal/series"
)

// ---------------------------------------------------------------------------
// Position
// ---------------------------------------------------------------------------

// Position is a single holding. Price is maintained as the volume-weighted
// average entry price across trades.
type Position struct {
	Symbol string          `json:"symbol"`
	Qty    decimal.Decimal `json:"quantity"` // signed: positive=long, negative=short
	Price  decimal.Decimal `json:"price"`    // VWAP entry
}

// Value returns the position's market value at the given prices. A symbol
// absent from the price map values at zero.
func (p *Position) Value(prices map[string]decimal.Decimal) decimal.Decimal {
	return p.Qty.Mul(prices[p.Symbol])
}

// applyTrade folds a trade into the position's quantity and VWAP.
// A position flip (sign change through zero) resets the VWAP to the trade
// price; returning to exactly zero signals the position should be removed.
func (p *Position) applyTrade(qty, price decimal.Decimal) (closed bool) {
	newQty := p.Qty.Add(qty)
	if newQty.IsZero() {
		p.Qty = decimal.Zero
		p.Price = decimal.Zero
		return true
	}

	if p.Qty.Mul(newQty).IsNegative() {
		p.Qty = newQty
		p.Price = price
		return false
	}

	p.Price = p.Qty.Mul(p.Price).Add(qty.Mul(price)).Div(newQty)
	p.Qty = newQty
	return false
}

// ---------------------------------------------------------------------------
// Portfolio
// ---------------------------------------------------------------------------

// Portfolio is a composite of positions and sub-portfolios. It exists to
// derive portfolio weights for aggregation from actual holdings rather
// than a hand-maintained weight map.
type Portfolio struct {
	Name  string
	Owner string

	positions map[string]*Position
	subs      []*Portfolio
}

// NewPortfolio creates an empty portfolio.
func NewPortfolio(name string) *Portfolio {
	return &Portfolio{Name: name, positions: make(map[string]*Position)}
}

// AddTrade folds a trade into the portfolio's position for symbol,
// creating, updating VWAP, or removing the position as the quantity moves.
func (p *Portfolio) AddTrade(symbol string, qty, price decimal.Decimal) {
	pos, ok := p.positions[symbol]
	if !ok {
		if qty.IsZero() {
			return
		}
		p.positions[symbol] = &Position{Symbol: symbol, Qty: qty, Price: price}
		return
	}
	if pos.applyTrade(qty, price) {
		delete(p.positions, symbol)
	}
}

// AddSub attaches a sub-portfolio.
func (p *Portfolio) AddSub(sub *Portfolio) {
	p.subs = append(p.subs, sub)
}

// Positions returns every position in the tree, leaves first within each
// level, in no particular order across symbols.
func (p *Portfolio) Positions() []*Position {
	out := make([]*Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	for _, sub := range p.subs {
		out = append(out, sub.Positions()...)
	}
	return out
}

// Value returns the total market value of the tree at the given prices.
func (p *Portfolio) Value(prices map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, pos := range p.positions {
		total = total.Add(pos.Value(prices))
	}
	for _, sub := range p.subs {
		total = total.Add(sub.Value(prices))
	}
	return total
}

// Weights derives static market-value weights across the whole tree:
// weight(symbol) = value(symbol) / total value. Positions in the same
// symbol across sub-portfolios are merged. Short positions yield negative
// weights; the weights still sum to 1. Returns a *ConfigError when the
// total value is zero, where no weighting is defined.
func (p *Portfolio) Weights(prices map[string]decimal.Decimal) (*Weights, error) {
	valueBySym := make(map[string]decimal.Decimal)
	for _, pos := range p.Positions() {
		valueBySym[pos.Symbol] = valueBySym[pos.Symbol].Add(pos.Value(prices))
	}

	total := decimal.Zero
	for _, v := range valueBySym {
		total = total.Add(v)
	}
	if total.IsZero() {
		return nil, series.NewConfigError("portfolio %q has zero total value; weights undefined", p.Name)
	}

	weights := make(map[string]float64, len(valueBySym))
	for sym, v := range valueBySym {
		weights[sym] = v.Div(total).InexactFloat64()
	}
	return NewStaticWeights(weights), nil
}

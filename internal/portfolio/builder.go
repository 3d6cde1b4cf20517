package portfolio

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
)

// Builder constructs Portfolio trees fluently.
type Builder struct {
	p *Portfolio
}

// NewBuilder starts a builder for a named portfolio.
func NewBuilder(name string) *Builder {
	return &Builder{p: NewPortfolio(name)}
}

// Owner sets the portfolio owner.
func (b *Builder) Owner(owner string) *Builder {
	b.p.Owner = owner
	return b
}

// Position folds a trade into the portfolio under construction.
func (b *Builder) Position(symbol string, qty, price decimal.Decimal) *Builder {
	b.p.AddTrade(symbol, qty, price)
	return b
}

// Sub attaches a sub-portfolio built by another builder.
func (b *Builder) Sub(sub *Builder) *Builder {
	b.p.AddSub(sub.Build())
	return b
}

// Build returns the constructed portfolio and resets the builder.
func (b *Builder) Build() *Portfolio {
	built := b.p
	b.p = NewPortfolio("")
	return built
}

// ---------------------------------------------------------------------------
// JSON loading
// ---------------------------------------------------------------------------

type portfolioJSON struct {
	Name          string          `json:"name"`
	Owner         string          `json:"owner,omitempty"`
	Positions     []Position      `json:"positions,omitempty"`
	SubPortfolios []portfolioJSON `json:"sub_portfolios,omitempty"`
}

// FromJSON loads a portfolio tree from a JSON file of the form
//
//	{"name": ..., "owner": ..., "positions": [{"symbol", "quantity", "price"}, ...],
//	 "sub_portfolios": [...]}
func FromJSON(path string) (*Portfolio, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("portfolio: read %s: %w", path, err)
	}

	var root portfolioJSON
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("portfolio: parse %s: %w", path, err)
	}

	return buildRecursive(root).Build(), nil
}

func buildRecursive(node portfolioJSON) *Builder {
	b := NewBuilder(node.Name)
	if node.Owner != "" {
		b.Owner(node.Owner)
	}
	for _, pos := range node.Positions {
		b.Position(pos.Symbol, pos.Qty, pos.Price)
	}
	for _, sub := range node.SubPortfolios {
		b.Sub(buildRecursive(sub))
	}
	return b
}

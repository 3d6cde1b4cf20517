package portfolio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestAddTrade_VWAPAveraging(t *testing.T) {
	p := NewPortfolio("main")
	p.AddTrade("AAPL", d("10"), d("100"))
	p.AddTrade("AAPL", d("10"), d("110"))

	positions := p.Positions()
	require.Len(t, positions, 1)
	pos := positions[0]
	assert.True(t, pos.Qty.Equal(d("20")))
	// VWAP = (10*100 + 10*110) / 20 = 105.
	assert.True(t, pos.Price.Equal(d("105")), "got %s", pos.Price)
}

func TestAddTrade_PositionFlipResetsVWAP(t *testing.T) {
	p := NewPortfolio("main")
	p.AddTrade("AAPL", d("10"), d("100"))
	// Sell 30: position flips from +10 to -20; VWAP resets to trade price.
	p.AddTrade("AAPL", d("-30"), d("120"))

	positions := p.Positions()
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Qty.Equal(d("-20")))
	assert.True(t, positions[0].Price.Equal(d("120")))
}

func TestAddTrade_CloseRemovesPosition(t *testing.T) {
	p := NewPortfolio("main")
	p.AddTrade("AAPL", d("10"), d("100"))
	p.AddTrade("AAPL", d("-10"), d("130"))

	assert.Empty(t, p.Positions())

	// Reopening starts a fresh position.
	p.AddTrade("AAPL", d("5"), d("90"))
	positions := p.Positions()
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Price.Equal(d("90")))
}

func TestPortfolio_ValueAcrossSubs(t *testing.T) {
	sub := NewPortfolio("crypto")
	sub.AddTrade("BTC", d("2"), d("40000"))

	p := NewPortfolio("main")
	p.AddTrade("AAPL", d("10"), d("100"))
	p.AddSub(sub)

	prices := map[string]decimal.Decimal{
		"AAPL": d("150"),
		"BTC":  d("50000"),
	}
	// 10*150 + 2*50000 = 101500.
	assert.True(t, p.Value(prices).Equal(d("101500")))
}

func TestPortfolio_WeightsFromMarketValue(t *testing.T) {
	p := NewPortfolio("main")
	p.AddTrade("AAPL", d("10"), d("100")) // value 10 * 100 = 1000
	p.AddTrade("MSFT", d("30"), d("90"))  // value 30 * 100 = 3000

	prices := map[string]decimal.Decimal{
		"AAPL": d("100"),
		"MSFT": d("100"),
	}
	w, err := p.Weights(prices)
	require.NoError(t, err)
	require.NoError(t, w.Validate())

	m := w.At(0)
	assert.InDelta(t, 0.25, m["AAPL"], 1e-12)
	assert.InDelta(t, 0.75, m["MSFT"], 1e-12)
}

func TestPortfolio_WeightsMergeSubPositions(t *testing.T) {
	sub := NewPortfolio("growth")
	sub.AddTrade("AAPL", d("10"), d("100"))

	p := NewPortfolio("main")
	p.AddTrade("AAPL", d("10"), d("100"))
	p.AddTrade("MSFT", d("20"), d("100"))
	p.AddSub(sub)

	prices := map[string]decimal.Decimal{"AAPL": d("100"), "MSFT": d("100")}
	w, err := p.Weights(prices)
	require.NoError(t, err)

	// AAPL: 20*100 = 2000, MSFT: 20*100 = 2000 -> 50/50.
	m := w.At(0)
	assert.InDelta(t, 0.5, m["AAPL"], 1e-12)
	assert.InDelta(t, 0.5, m["MSFT"], 1e-12)
}

func TestPortfolio_WeightsZeroValue(t *testing.T) {
	p := NewPortfolio("empty")
	_, err := p.Weights(nil)
	require.Error(t, err)
}

func TestBuilder_Fluent(t *testing.T) {
	p := NewBuilder("main").
		Owner("desk-1").
		Position("AAPL", d("10"), d("100")).
		Position("AAPL", d("10"), d("110")).
		Sub(NewBuilder("crypto").Position("BTC", d("1"), d("40000"))).
		Build()

	assert.Equal(t, "main", p.Name)
	assert.Equal(t, "desk-1", p.Owner)
	require.Len(t, p.Positions(), 2)
}

func TestFromJSON(t *testing.T) {
	raw := `{
		"name": "main",
		"owner": "desk-1",
		"positions": [
			{"symbol": "AAPL", "quantity": "10", "price": "100"}
		],
		"sub_portfolios": [
			{"name": "crypto", "positions": [{"symbol": "BTC", "quantity": "2", "price": "40000"}]}
		]
	}`
	path := filepath.Join(t.TempDir(), "portfolio.json")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	p, err := FromJSON(path)
	require.NoError(t, err)
	assert.Equal(t, "main", p.Name)
	assert.Equal(t, "desk-1", p.Owner)
	assert.Len(t, p.Positions(), 2)

	prices := map[string]decimal.Decimal{"AAPL": d("100"), "BTC": d("50000")}
	assert.True(t, p.Value(prices).Equal(d("101000")))
}

func TestFromJSON_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o644))
	_, err := FromJSON(path)
	require.Error(t, err)
}

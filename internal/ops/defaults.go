package ops

import "tradecore/internal/schema"

// Default is the config used when none is given: a paper run on one
// synthetic minute-bar instrument with a single scripted market order.
func Default() FileConfig {
	return FileConfig{
		Mode: string(ModePaper),
		Registry: RegistryConfig{
			Venues: []VenueConfig{{Name: "SIM"}},
			Symbols: []SymbolConfig{{
				Name:  "TEST-USD",
				Venue: "SIM",
				Scale: schema.ScaleSpec{PriceScale: 2, QuantityScale: 0},
			}},
		},
		Subscriptions: []SubscriptionConfig{{Symbol: "TEST-USD", Resolution: "1m"}},
		Data:          DataConfig{Feed: string(FeedSynthetic)},
		Fill:          FillConfig{SlippageBps: 5},
		Orders: []OrderConfig{{
			Symbol:      "TEST-USD",
			Side:        "buy",
			Type:        "market",
			Qty:         "10",
			AfterSlices: 1,
		}},
	}
}

package mdg

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/schema"
)

func testConfig(seed int64) Config {
	return Config{
		Seed:       seed,
		BasePrice:  decimal.NewFromInt(100),
		Volume:     decimal.NewFromInt(500),
		StepBps:    25,
		Resolution: schema.ResolutionMinute,
		Start:      time.Date(2024, 1, 2, 14, 31, 0, 0, time.UTC),
	}
}

func TestConfigValidate(t *testing.T) {
	testCases := []struct {
		desc   string
		modify func(*Config)
		ok     bool
	}{
		{desc: "valid", modify: func(*Config) {}, ok: true},
		{desc: "zero price", modify: func(c *Config) { c.BasePrice = decimal.Zero }},
		{desc: "negative volume", modify: func(c *Config) { c.Volume = decimal.NewFromInt(-1) }},
		{desc: "step too large", modify: func(c *Config) { c.StepBps = 10_000 }},
		{desc: "negative step", modify: func(c *Config) { c.StepBps = -1 }},
		{desc: "tick resolution", modify: func(c *Config) { c.Resolution = schema.ResolutionTick }},
	}
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			cfg := testConfig(1)
			tc.modify(&cfg)
			err := cfg.Validate()
			if tc.ok {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
		})
	}
}

func TestGeneratorIsDeterministic(t *testing.T) {
	a, err := NewGenerator(testConfig(11), "SPY", "QQQ")
	require.NoError(t, err)
	b, err := NewGenerator(testConfig(11), "SPY", "QQQ")
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		x, y := a.Next(), b.Next()
		require.Len(t, x, 2)
		for j := range x {
			assert.True(t, x[j].Close.Equal(y[j].Close))
			assert.True(t, x[j].High.Equal(y[j].High))
			assert.True(t, x[j].Low.Equal(y[j].Low))
		}
	}
}

func TestGeneratorBarsAreConsistent(t *testing.T) {
	cfg := testConfig(3)
	g, err := NewGenerator(cfg, "SPY")
	require.NoError(t, err)

	prev := cfg.BasePrice
	for i := 0; i < 200; i++ {
		bar := g.Next()[0]
		assert.Equal(t, "SPY", bar.Symbol)
		assert.Equal(t, cfg.Start.Add(time.Duration(i)*time.Minute), bar.End)
		assert.True(t, bar.Open.Equal(prev))
		assert.True(t, bar.Low.LessThanOrEqual(decimal.Min(bar.Open, bar.Close)))
		assert.True(t, bar.High.GreaterThanOrEqual(decimal.Max(bar.Open, bar.Close)))
		assert.True(t, bar.Low.IsPositive())
		assert.True(t, bar.Volume.Equal(cfg.Volume))
		prev = bar.Close
	}
}

func TestGeneratorFlatWithoutStep(t *testing.T) {
	cfg := testConfig(5)
	cfg.StepBps = 0
	g, err := NewGenerator(cfg, "SPY")
	require.NoError(t, err)
	bar := g.Next()[0]
	assert.True(t, bar.Open.Equal(cfg.BasePrice))
	assert.True(t, bar.Close.Equal(cfg.BasePrice))
	assert.True(t, bar.High.Equal(cfg.BasePrice))
	assert.True(t, bar.Low.Equal(cfg.BasePrice))
}

func TestNewGeneratorRequiresSymbols(t *testing.T) {
	_, err := NewGenerator(testConfig(1))
	require.Error(t, err)
}

func TestNormalize(t *testing.T) {
	reg := schema.NewRegistry()
	venue, err := reg.AddVenue("NYSE")
	require.NoError(t, err)
	spy, err := reg.AddSymbol("SPY", venue, schema.ScaleSpec{PriceScale: 2, QuantityScale: 0})
	require.NoError(t, err)
	end := time.Date(2024, 1, 2, 14, 31, 0, 0, time.UTC)

	testCases := []struct {
		desc   string
		bar    RawBar
		hasErr bool
		want   schema.Bar
	}{
		{
			desc: "rounds to scale",
			bar: RawBar{
				Symbol:     "SPY",
				Resolution: schema.ResolutionMinute,
				End:        end,
				Open:       decimal.RequireFromString("470.123"),
				High:       decimal.RequireFromString("471.005"),
				Low:        decimal.RequireFromString("469.994"),
				Close:      decimal.RequireFromString("470.5"),
				Volume:     decimal.RequireFromString("1200.7"),
			},
			want: schema.Bar{Open: 47012, High: 47101, Low: 46999, Close: 47050, Volume: 1201},
		},
		{
			desc:   "unknown symbol",
			bar:    RawBar{Symbol: "QQQ", End: end},
			hasErr: true,
		},
	}
	n := NewNormalizer(reg)
	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			p, err := n.Normalize(tc.bar)
			if tc.hasErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, spy, p.Symbol)
			assert.Equal(t, schema.DataBar, p.Kind)
			assert.Equal(t, schema.ResolutionMinute, p.Resolution)
			assert.Equal(t, end.UnixNano(), p.Time)
			assert.Equal(t, tc.want, p.Bar)
		})
	}

	_, err = NewNormalizer(nil).Normalize(RawBar{Symbol: "SPY"})
	require.Error(t, err)
}

package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/mgymgy7878/CursorGPT-IDE-sub000/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestLimitValidator(t *testing.T) {
	v := NewLimitValidator(Limits{
		MaxQuantity: d("1"),
		MaxNotional: d("50000"),
	})

	cases := []struct {
		name   string
		params domain.OrderParams
		valid  bool
		level  Level
	}{
		{
			name:   "small order passes",
			params: domain.OrderParams{Symbol: "BTCUSDT", Side: domain.SideBuy, Quantity: d("0.001"), Price: d("43000")},
			valid:  true,
			level:  LevelLow,
		},
		{
			name:   "near the quantity cap is medium",
			params: domain.OrderParams{Symbol: "BTCUSDT", Side: domain.SideBuy, Quantity: d("0.9"), Price: d("10")},
			valid:  true,
			level:  LevelMedium,
		},
		{
			name:   "quantity over cap",
			params: domain.OrderParams{Symbol: "BTCUSDT", Side: domain.SideBuy, Quantity: d("2"), Price: d("10")},
			valid:  false,
			level:  LevelHigh,
		},
		{
			name:   "notional over cap",
			params: domain.OrderParams{Symbol: "BTCUSDT", Side: domain.SideSell, Quantity: d("1"), Price: d("60000")},
			valid:  false,
			level:  LevelHigh,
		},
		{
			name:   "zero quantity",
			params: domain.OrderParams{Symbol: "BTCUSDT", Side: domain.SideBuy, Quantity: decimal.Zero},
			valid:  false,
			level:  LevelHigh,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := v.ValidateParams(tc.params)
			assert.Equal(t, tc.valid, res.IsValid)
			assert.Equal(t, tc.level, res.RiskLevel)
			if !tc.valid {
				assert.NotEmpty(t, res.Violations)
			}
		})
	}
}

func TestPermissiveStillRejectsNonPositiveQuantity(t *testing.T) {
	v := Permissive()

	ok := v.ValidateParams(domain.OrderParams{Symbol: "BTCUSDT", Side: domain.SideBuy, Quantity: d("100")})
	assert.True(t, ok.IsValid)

	bad := v.ValidateParams(domain.OrderParams{Symbol: "BTCUSDT", Side: domain.SideBuy, Quantity: d("-1")})
	assert.False(t, bad.IsValid)
}

package billing

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMoney(t *testing.T) {
	tests := []struct {
		in   string
		want Money
	}{
		{"45.00", 45 * Dollar},
		{"24.99", 24*Dollar + 99*Cent},
		{"0.000125", 125 * Microdollar},
		{"0.0000004", 0},
		{"0.0000005", 1},
	}
	for _, tt := range tests {
		got, err := ParseMoney(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseMoney("abc")
	assert.Error(t, err)
}

func TestMoneyConversions(t *testing.T) {
	assert.Equal(t, 24*Dollar+99*Cent, MoneyFromCents(2499))
	assert.Equal(t, int64(2499), (24*Dollar + 99*Cent).Cents())
	assert.Equal(t, int64(1), Money(5_000).Cents())
	assert.Equal(t, int64(0), Money(4_999).Cents())
	assert.Equal(t, 20*Cent, Credits(20))
	assert.Equal(t, int64(1000), (10 * Dollar).Credits())
	assert.Equal(t, "$45.00", (45 * Dollar).String())
	assert.Equal(t, "$0.00", Money(125).String())
}

func TestMulBasisPoints(t *testing.T) {
	assert.Equal(t, 3*Dollar, (2 * Dollar).MulBasisPoints(15000))
	assert.Equal(t, Money(2), Money(1).MulBasisPoints(15000))
	assert.Equal(t, Money(7), Money(7).MulBasisPoints(10000))
	assert.Equal(t, Money(math.MaxInt64), Money(math.MaxInt64).MulBasisPoints(15000))
	assert.Equal(t, Money(math.MinInt64), Money(math.MinInt64).MulBasisPoints(15000))
}

func TestMoneyJSON(t *testing.T) {
	b, err := json.Marshal(struct {
		Quota Money `json:"quota"`
	}{Quota: 15 * Dollar})
	require.NoError(t, err)
	assert.JSONEq(t, `{"quota":15}`, string(b))

	var in struct {
		Amount Money `json:"amount"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"amount":10.5}`), &in))
	assert.Equal(t, 10*Dollar+50*Cent, in.Amount)
	require.NoError(t, json.Unmarshal([]byte(`{"amount":"2.25"}`), &in))
	assert.Equal(t, 2*Dollar+25*Cent, in.Amount)
}

package money

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddSameCurrency(t *testing.T) {
	sum, err := New(100000, SLE).Add(New(2500, SLE))
	require.NoError(t, err)
	assert.Equal(t, New(102500, SLE), sum)
}

func TestAddCurrencyMismatch(t *testing.T) {
	_, err := New(100, SLE).Add(New(100, USD))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "currency mismatch")
}

func TestSubBelowZero(t *testing.T) {
	diff, err := New(100, SLE).Sub(New(250, SLE))
	require.NoError(t, err)
	assert.True(t, diff.IsNegative())
	assert.Equal(t, int64(-150), diff.AmountMinor)
}

func TestPercentageBasisPoints(t *testing.T) {
	assert.Equal(t, int64(2500), New(100000, SLE).Percentage(250).AmountMinor)
	assert.Equal(t, int64(2900), New(100000, SLE).Percentage(290).AmountMinor)
	assert.Equal(t, int64(0), New(100000, SLE).Percentage(0).AmountMinor)
}

func TestSum(t *testing.T) {
	total, err := Sum(New(100, SLE), New(200, SLE), New(300, SLE))
	require.NoError(t, err)
	assert.Equal(t, int64(600), total.AmountMinor)

	_, err = Sum(New(100, SLE), New(100, EUR))
	require.Error(t, err)
}

func TestCompare(t *testing.T) {
	cmp, err := New(100, SLE).Compare(New(200, SLE))
	require.NoError(t, err)
	assert.Equal(t, -1, cmp)

	assert.True(t, New(200, SLE).GreaterThan(New(100, SLE)))
	assert.False(t, New(200, SLE).GreaterThan(New(100, USD)))
}

func TestStringFormatsMajorUnits(t *testing.T) {
	assert.Equal(t, "Le 1025.00", New(102500, SLE).String())
}

package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePeriod(t *testing.T) {
	tests := []struct {
		input   string
		want    PeriodCode
		wantErr bool
	}{
		{input: "1D", want: Period1D},
		{input: "5d", want: Period5D},
		{input: " ytd ", want: PeriodYTD},
		{input: "max", want: PeriodMAX},
		{input: "2W", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParsePeriod(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePeriods_DefaultsToAll(t *testing.T) {
	got, err := ParsePeriods(nil)
	require.NoError(t, err)
	assert.Equal(t, AllPeriods, got)

	got[0] = PeriodMAX
	assert.Equal(t, Period1D, AllPeriods[0], "returned slice must not alias AllPeriods")
}

func TestCategoryIncludes(t *testing.T) {
	assert.True(t, CategoryAll.Includes(CapSmall))
	assert.True(t, CategoryAll.Includes(""))
	assert.True(t, CategorySmallCap.Includes(CapSmall))
	assert.False(t, CategorySmallCap.Includes(CapLarge))
	assert.True(t, CategoryLargeCap.Includes(CapLarge))
	assert.False(t, Category("bogus").Includes(CapMid))
}

func TestParseCategory(t *testing.T) {
	c, err := ParseCategory("Mid_Cap")
	require.NoError(t, err)
	assert.Equal(t, CategoryMidCap, c)

	_, err = ParseCategory("penny")
	assert.Error(t, err)
}

func TestTransactionTypeValid(t *testing.T) {
	assert.True(t, TransactionBuy.Valid())
	assert.True(t, TransactionSell.Valid())
	assert.True(t, TransactionInitial.Valid())
	assert.False(t, TransactionType("dividend").Valid())
}

package types

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuantity_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Quantity
		wantErr bool
	}{
		{name: "integer", input: `12`, want: 12},
		{name: "negative", input: `-5`, want: -5},
		{name: "quoted", input: `"30"`, want: 30},
		{name: "whole decimal", input: `7.0`, want: 7},
		{name: "null", input: `null`, want: 0},
		{name: "fraction", input: `2.5`, wantErr: true},
		{name: "garbage", input: `"ten"`, wantErr: true},
		{name: "exponent", input: `1e3`, wantErr: true},
		{name: "quoted exponent", input: `"1.8446744073709551617e19"`, wantErr: true},
		{name: "max int", input: `9223372036854775807`, want: math.MaxInt64},
		{name: "above max int", input: `9223372036854775808`, wantErr: true},
		{name: "whole decimal above max int", input: `9223372036854775808.0`, wantErr: true},
		{name: "whole decimal below min int", input: `-9223372036854775809.0`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var q Quantity
			err := json.Unmarshal([]byte(tt.input), &q)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, q)
		})
	}
}

func TestQuantity_MarshalJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		Q Quantity `json:"q"`
	}{Q: 42})
	require.NoError(t, err)
	assert.JSONEq(t, `{"q":42}`, string(data))
}

func TestStockValue(t *testing.T) {
	v := StockValue(3, MustMoney("1.25"))
	assert.True(t, v.Equal(MustMoney("3.75")), "got %s", v)
}

func TestMinQuantity(t *testing.T) {
	assert.Equal(t, Quantity(2), MinQuantity(2, 9))
	assert.Equal(t, Quantity(-1), MinQuantity(4, -1))
}

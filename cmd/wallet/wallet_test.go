package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoinToStr(t *testing.T) {
	assert.Equal(t, "0.00000001", coinToStr(1))
	assert.Equal(t, "1.50000000", coinToStr(150000000))
	assert.Equal(t, "0.00000000", coinToStr(0))
}

func TestStrToCoin(t *testing.T) {
	for s, want := range map[string]uint64{
		"1":          100000000,
		"1.5":        150000000,
		".25":        25000000,
		"0.00000001": 1,
	} {
		v, err := strToCoin(s)
		require.NoError(t, err, s)
		assert.Equal(t, want, v, s)
	}

	for _, s := range []string{"1.000000001", "abc", "-1", "1.2.3"} {
		_, err := strToCoin(s)
		assert.Error(t, err, s)
	}
}

package cli

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePrices(t *testing.T) {
	got, err := parsePrices([]string{"100", " 101.5", "99"})
	require.NoError(t, err)
	require.Equal(t, []float64{100, 101.5, 99}, got)

	_, err = parsePrices(nil)
	require.Error(t, err)

	_, err = parsePrices([]string{"abc"})
	require.Error(t, err)

	_, err = parsePrices([]string{"100", "0"})
	require.Error(t, err)
}

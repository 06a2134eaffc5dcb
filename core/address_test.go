package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAddress(t *testing.T) {
	const checksummed = "0x52908400098527886E0F7030069857D2E4169EE7"

	for _, in := range []string{
		checksummed,
		"0x52908400098527886e0f7030069857d2e4169ee7",
		"0x52908400098527886e0F7030069857D2E4169ee7",
		"  0x52908400098527886e0f7030069857d2e4169ee7 ",
	} {
		got, err := NormalizeAddress(in)
		require.NoError(t, err, in)
		assert.Equal(t, checksummed, got)
	}

	for _, in := range []string{
		"",
		"0X52908400098527886E0F7030069857D2E4169EE7",
		"52908400098527886E0F7030069857D2E4169EE7",
		"0x52908400098527886E0F7030069857D2E4169EE",
		"0x52908400098527886E0F7030069857D2E4169EE7a",
		"0xZZ908400098527886E0F7030069857D2E4169EE7",
	} {
		_, err := NormalizeAddress(in)
		assert.ErrorIs(t, err, ErrInvalidAddress, in)
	}
}

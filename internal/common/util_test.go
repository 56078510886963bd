package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateRandByteArray(t *testing.T) {
	size := 32
	data1 := GenerateRandByteArray(size)
	data2 := GenerateRandByteArray(size)
	assert.NotEqual(t, data1, data2)
	assert.Equal(t, size, len(data1))
	assert.Equal(t, size, len(data2))
}

func TestMakeRandHexString(t *testing.T) {
	s, err := MakeRandHexString(16)
	require.NoError(t, err)
	assert.Len(t, s, 32)

	s2, err := MakeRandHexString(16)
	require.NoError(t, err)
	assert.NotEqual(t, s, s2)
}

func TestWipeByteArray(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	WipeByteArray(b)
	assert.Equal(t, []byte{0, 0, 0, 0}, b)

	// nil must not panic
	WipeByteArray(nil)
}

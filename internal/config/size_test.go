package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"0", 0},
		{"100", 100},
		{"100B", 100},
		{"100k", 102400},
		{"1M", 1048576},
		{"256m", 268435456},
		{"1G", 1073741824},
		{"1T", 1099511627776},
		{"1.5G", 1610612736},
		{"0x1000", 4096},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSizeErrors(t *testing.T) {
	for _, input := range []string{"", "abc", "K", "-1", "-1M", "0xzz", "notanumber G"} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseSize(input)
			assert.Error(t, err)
		})
	}
}

func TestSizeFlag(t *testing.T) {
	var s Size
	require.NoError(t, s.Set("4K"))
	assert.Equal(t, Size(4096), s)
	assert.Equal(t, "4096", s.String())
	assert.Equal(t, "size", s.Type())
	require.Error(t, s.Set("lots"))
}

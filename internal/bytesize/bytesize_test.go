package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseByteSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  ByteSize
	}{
		{"0", 0},
		{"1024", 1024},
		{"100", 100},
		{"1B", 1},
		{"100MB", 100 * MB},
		{"1GB", GB},
		{"2.5GB", ByteSize(2.5 * float64(GB))},
		{"1Ki", KiB},
		{"500Mi", 500 * MiB},
		{"1Gi", GiB},
		{"1GiB", GiB},
		{"2TiB", 2 * TiB},
		{" 10 mb ", 10 * MB},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			got, err := ParseByteSize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseByteSizeErrors(t *testing.T) {
	t.Parallel()

	for _, input := range []string{"", "  ", "abc", "100XB", "MB", "-5MB", "1..5GB"} {
		t.Run(input, func(t *testing.T) {
			t.Parallel()
			_, err := ParseByteSize(input)
			assert.Error(t, err)
		})
	}
}

func TestUnmarshalText(t *testing.T) {
	t.Parallel()

	var b ByteSize
	require.NoError(t, b.UnmarshalText([]byte("100Mi")))
	assert.Equal(t, 100*MiB, b)

	assert.Error(t, b.UnmarshalText([]byte("nope")))
}

func TestString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "512B", ByteSize(512).String())
	assert.Equal(t, "1.00KiB", KiB.String())
	assert.Equal(t, "100.00MiB", (100 * MiB).String())
	assert.Equal(t, "1.00GiB", GiB.String())
	assert.Equal(t, "1.00TiB", TiB.String())
}

func TestConversions(t *testing.T) {
	t.Parallel()

	b := 100 * MB
	assert.Equal(t, uint64(100_000_000), b.Uint64())
	assert.Equal(t, int64(100_000_000), b.Int64())
}

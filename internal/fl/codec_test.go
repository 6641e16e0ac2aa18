package fl

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshwarden/meshwarden/internal/errors"
)

func TestCompressNoneRoundTrips(t *testing.T) {
	gradient := []float64{0.5, -1.25, 0, 3.75}

	c, err := Compress(gradient, CompressionNone, 0)
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, c.Scheme)
	assert.Equal(t, 4, c.Dimension)

	decoded, err := c.Decompress()
	require.NoError(t, err)
	assert.Equal(t, gradient, decoded)
	assert.Zero(t, c.ErrorBound())
}

func TestCompressTopKKeepsLargestMagnitudes(t *testing.T) {
	gradient := []float64{0.1, -5.0, 0.2, 4.0, -0.3, 0.05}

	// ceil(0.34 * 6) = 3 survivors.
	c, err := Compress(gradient, CompressionTopK, 0.34)
	require.NoError(t, err)
	require.Len(t, c.Indices, 3)
	assert.Equal(t, []uint32{1, 3, 4}, c.Indices)
	assert.Equal(t, []float64{-5.0, 4.0, -0.3}, c.Values)

	decoded, err := c.Decompress()
	require.NoError(t, err)
	assert.Equal(t, []float64{0, -5.0, 0, 4.0, -0.3, 0}, decoded)
}

func TestCompressTopKKeepsAtLeastOneCoordinate(t *testing.T) {
	c, err := Compress([]float64{0.7, 0.1}, CompressionTopK, 0.0001)
	require.NoError(t, err)
	require.Len(t, c.Indices, 1)
	assert.Equal(t, uint32(0), c.Indices[0])
}

func TestInt8QuantizationStaysWithinErrorBound(t *testing.T) {
	gradient := []float64{-2.0, -0.5, 0.0, 0.75, 3.0}

	c, err := Compress(gradient, CompressionInt8, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, c.Offset, 1e-12)
	assert.InDelta(t, 5.0/255, c.Scale, 1e-12)

	decoded, err := c.Decompress()
	require.NoError(t, err)
	require.Len(t, decoded, len(gradient))

	bound := c.ErrorBound()
	assert.InDelta(t, c.Scale/2, bound, 1e-12)
	for i := range gradient {
		assert.LessOrEqual(t, math.Abs(decoded[i]-gradient[i]), bound+1e-12,
			"coordinate %d drifted past the quantization bound", i)
	}
}

func TestInt8ConstantVectorDecodesExactly(t *testing.T) {
	gradient := []float64{1.5, 1.5, 1.5}

	c, err := Compress(gradient, CompressionInt8, 0)
	require.NoError(t, err)
	assert.Zero(t, c.Scale)

	decoded, err := c.Decompress()
	require.NoError(t, err)
	assert.Equal(t, gradient, decoded)
	assert.Zero(t, c.ErrorBound())
}

func TestTopKInt8CombinesSparsityAndQuantization(t *testing.T) {
	gradient := []float64{0.01, 8.0, -0.02, -6.0, 0.03, 2.0}

	c, err := Compress(gradient, CompressionTopKInt8, 0.5)
	require.NoError(t, err)
	require.Len(t, c.Indices, 3)
	require.Len(t, c.Quantized, 3)
	assert.Equal(t, []uint32{1, 3, 5}, c.Indices)

	decoded, err := c.Decompress()
	require.NoError(t, err)
	bound := c.ErrorBound()
	assert.InDelta(t, 8.0, decoded[1], bound+1e-12)
	assert.InDelta(t, -6.0, decoded[3], bound+1e-12)
	assert.InDelta(t, 2.0, decoded[5], bound+1e-12)
	assert.Zero(t, decoded[0])
	assert.Zero(t, decoded[2])
	assert.Zero(t, decoded[4])
}

func TestCompressRejectsNonFiniteGradients(t *testing.T) {
	for _, bad := range [][]float64{
		{1, math.NaN(), 3},
		{math.Inf(1), 2},
		{},
	} {
		_, err := Compress(bad, CompressionNone, 0)
		require.Error(t, err)
		assert.True(t, errors.IsKind(err, errors.KindIntegrity))
	}
}

func TestCompressRejectsUnknownScheme(t *testing.T) {
	_, err := Compress([]float64{1}, CompressionScheme("gzip"), 0)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestDecompressRejectsMalformedPayloads(t *testing.T) {
	cases := []struct {
		name string
		grad *CompressedGradient
	}{
		{"nil gradient", nil},
		{"zero dimension", &CompressedGradient{Scheme: CompressionNone, Dimension: 0}},
		{"dense length mismatch", &CompressedGradient{
			Scheme: CompressionNone, Dimension: 3, Values: []float64{1, 2},
		}},
		{"index out of range", &CompressedGradient{
			Scheme: CompressionTopK, Dimension: 2,
			Indices: []uint32{5}, Values: []float64{1},
		}},
		{"index/value mismatch", &CompressedGradient{
			Scheme: CompressionTopK, Dimension: 4,
			Indices: []uint32{0, 1}, Values: []float64{1},
		}},
		{"quantized length mismatch", &CompressedGradient{
			Scheme: CompressionInt8, Dimension: 4, Quantized: []byte{1, 2},
		}},
		{"non-finite scale", &CompressedGradient{
			Scheme: CompressionInt8, Dimension: 1,
			Quantized: []byte{1}, Scale: math.Inf(1),
		}},
		{"non-finite dense value", &CompressedGradient{
			Scheme: CompressionNone, Dimension: 1, Values: []float64{math.NaN()},
		}},
		{"unknown scheme", &CompressedGradient{
			Scheme: CompressionScheme("lz4"), Dimension: 1, Values: []float64{1},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.grad.Decompress()
			require.Error(t, err)
			assert.True(t, errors.IsKind(err, errors.KindIntegrity),
				"want integrity kind, got %v", errors.KindOf(err))
		})
	}
}

func TestDecompressNeverAliasesWireSlices(t *testing.T) {
	c, err := Compress([]float64{1, 2, 3}, CompressionNone, 0)
	require.NoError(t, err)

	decoded, err := c.Decompress()
	require.NoError(t, err)
	decoded[0] = 99

	again, err := c.Decompress()
	require.NoError(t, err)
	assert.Equal(t, 1.0, again[0])
}

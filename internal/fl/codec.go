package fl

import (
	"fmt"
	"math"
	"sort"

	"github.com/meshwarden/meshwarden/internal/errors"
)

// CompressionScheme names the codec a client update declares inline.
type CompressionScheme string

const (
	CompressionNone     CompressionScheme = "none"
	CompressionTopK     CompressionScheme = "topk"
	CompressionInt8     CompressionScheme = "int8"
	CompressionTopKInt8 CompressionScheme = "topk_int8"
)

// CompressedGradient carries a gradient in its declared wire scheme.
// Dense schemes fill Values or Quantized across the whole dimension;
// sparse schemes pair them with Indices and zero-fill the rest on decode.
type CompressedGradient struct {
	Scheme    CompressionScheme `json:"scheme"`
	Dimension int               `json:"dimension"`
	Values    []float64         `json:"values,omitempty"`
	Indices   []uint32          `json:"indices,omitempty"`
	Quantized []byte            `json:"quantized,omitempty"`
	Scale     float64           `json:"scale,omitempty"`
	Offset    float64           `json:"offset,omitempty"`
}

// Compress encodes a gradient under the given scheme. topKFraction is only
// read by the top-k variants; k is ceil(fraction * dimension), at least 1.
func Compress(gradient []float64, scheme CompressionScheme, topKFraction float64) (*CompressedGradient, error) {
	if len(gradient) == 0 {
		return nil, errors.NewIntegrity("empty gradient")
	}
	for i, v := range gradient {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.NewIntegrity(fmt.Sprintf("non-finite gradient coordinate %d", i))
		}
	}

	switch scheme {
	case CompressionNone:
		return &CompressedGradient{
			Scheme:    CompressionNone,
			Dimension: len(gradient),
			Values:    append([]float64(nil), gradient...),
		}, nil

	case CompressionTopK:
		indices, values := topK(gradient, topKFraction)
		return &CompressedGradient{
			Scheme:    CompressionTopK,
			Dimension: len(gradient),
			Indices:   indices,
			Values:    values,
		}, nil

	case CompressionInt8:
		quantized, scale, offset := quantize(gradient)
		return &CompressedGradient{
			Scheme:    CompressionInt8,
			Dimension: len(gradient),
			Quantized: quantized,
			Scale:     scale,
			Offset:    offset,
		}, nil

	case CompressionTopKInt8:
		indices, values := topK(gradient, topKFraction)
		quantized, scale, offset := quantize(values)
		return &CompressedGradient{
			Scheme:    CompressionTopKInt8,
			Dimension: len(gradient),
			Indices:   indices,
			Quantized: quantized,
			Scale:     scale,
			Offset:    offset,
		}, nil

	default:
		return nil, errors.NewValidation(fmt.Sprintf("unknown compression scheme %q", scheme))
	}
}

// Decompress reconstructs the dense gradient. Dropped top-k coordinates
// come back as zero; quantized coordinates dequantize through the attached
// scale and offset. Malformed metadata is an integrity error, never a
// panic or a NaN.
func (c *CompressedGradient) Decompress() ([]float64, error) {
	if c == nil {
		return nil, errors.NewIntegrity("missing gradient")
	}
	if c.Dimension <= 0 {
		return nil, errors.NewIntegrity("gradient dimension must be positive")
	}
	if !finite(c.Scale) || !finite(c.Offset) {
		return nil, errors.NewIntegrity("non-finite quantization metadata")
	}

	switch c.Scheme {
	case CompressionNone:
		if len(c.Values) != c.Dimension {
			return nil, errors.NewIntegrity(
				fmt.Sprintf("dense gradient length %d does not match dimension %d", len(c.Values), c.Dimension))
		}
		return checkFinite(append([]float64(nil), c.Values...))

	case CompressionTopK:
		if len(c.Indices) != len(c.Values) {
			return nil, errors.NewIntegrity("top-k index/value length mismatch")
		}
		out := make([]float64, c.Dimension)
		for i, idx := range c.Indices {
			if int(idx) >= c.Dimension {
				return nil, errors.NewIntegrity(fmt.Sprintf("top-k index %d out of range", idx))
			}
			out[idx] = c.Values[i]
		}
		return checkFinite(out)

	case CompressionInt8:
		if len(c.Quantized) != c.Dimension {
			return nil, errors.NewIntegrity(
				fmt.Sprintf("quantized gradient length %d does not match dimension %d", len(c.Quantized), c.Dimension))
		}
		out := make([]float64, c.Dimension)
		for i, q := range c.Quantized {
			out[i] = dequantize(q, c.Scale, c.Offset)
		}
		return checkFinite(out)

	case CompressionTopKInt8:
		if len(c.Indices) != len(c.Quantized) {
			return nil, errors.NewIntegrity("top-k index/quantized length mismatch")
		}
		out := make([]float64, c.Dimension)
		for i, idx := range c.Indices {
			if int(idx) >= c.Dimension {
				return nil, errors.NewIntegrity(fmt.Sprintf("top-k index %d out of range", idx))
			}
			out[idx] = dequantize(c.Quantized[i], c.Scale, c.Offset)
		}
		return checkFinite(out)

	default:
		return nil, errors.NewIntegrity(fmt.Sprintf("unknown compression scheme %q", c.Scheme))
	}
}

// ErrorBound is the per-coordinate reconstruction error the scheme claims.
// Quantized schemes round to the nearest step, so the bound is half the
// step size; lossless schemes claim zero for the kept coordinates.
func (c *CompressedGradient) ErrorBound() float64 {
	switch c.Scheme {
	case CompressionInt8, CompressionTopKInt8:
		return c.Scale / 2
	default:
		return 0
	}
}

// topK keeps the k largest-magnitude coordinates, k = ceil(fraction * n),
// clamped to [1, n]. Indices come back ascending so the wire form is
// deterministic for signing.
func topK(gradient []float64, fraction float64) ([]uint32, []float64) {
	n := len(gradient)
	k := int(math.Ceil(fraction * float64(n)))
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		ma, mb := math.Abs(gradient[order[a]]), math.Abs(gradient[order[b]])
		if ma != mb {
			return ma > mb
		}
		return order[a] < order[b]
	})

	kept := order[:k]
	sort.Ints(kept)

	indices := make([]uint32, k)
	values := make([]float64, k)
	for i, idx := range kept {
		indices[i] = uint32(idx)
		values[i] = gradient[idx]
	}
	return indices, values
}

// quantize maps values onto signed 8-bit steps around the range midpoint:
// value ~ offset + scale * q with q in [-128, 127]. A constant vector gets
// scale zero and decodes exactly.
func quantize(values []float64) ([]byte, float64, float64) {
	min, max := values[0], values[0]
	for _, v := range values {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}

	offset := (max + min) / 2
	scale := (max - min) / 255

	quantized := make([]byte, len(values))
	if scale == 0 {
		return quantized, 0, offset
	}
	for i, v := range values {
		q := math.Round((v - offset) / scale)
		if q < -128 {
			q = -128
		}
		if q > 127 {
			q = 127
		}
		quantized[i] = byte(int8(q))
	}
	return quantized, scale, offset
}

func dequantize(q byte, scale, offset float64) float64 {
	return offset + scale*float64(int8(q))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func checkFinite(values []float64) ([]float64, error) {
	for i, v := range values {
		if !finite(v) {
			return nil, errors.NewIntegrity(fmt.Sprintf("non-finite coordinate %d after decode", i))
		}
	}
	return values, nil
}

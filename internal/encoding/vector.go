// Package encoding holds the wire codecs shared by the blob, storage and
// index layers: float32 vector (de)serialization and JSON helpers.
package encoding

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	json "github.com/goccy/go-json"
)

// ErrInvalidVector is returned when a vector is nil, empty, or contains NaN/Inf.
var ErrInvalidVector = errors.New("invalid vector")

// EncodeVector converts a float32 vector to little-endian bytes, length-prefixed.
func EncodeVector(vector []float32) ([]byte, error) {
	if vector == nil {
		return nil, ErrInvalidVector
	}

	buf := new(bytes.Buffer)
	buf.Grow(4 + len(vector)*4)

	if len(vector) > math.MaxInt32 {
		return nil, fmt.Errorf("vector too large: %d elements exceeds maximum", len(vector))
	}
	if err := binary.Write(buf, binary.LittleEndian, int32(len(vector))); err != nil {
		return nil, fmt.Errorf("failed to encode vector length: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, vector); err != nil {
		return nil, fmt.Errorf("failed to encode vector values: %w", err)
	}

	return buf.Bytes(), nil
}

// DecodeVector converts length-prefixed little-endian bytes back to a float32 vector.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data) < 4 {
		return nil, ErrInvalidVector
	}

	buf := bytes.NewReader(data)

	var length int32
	if err := binary.Read(buf, binary.LittleEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to decode vector length: %w", err)
	}
	if length < 0 {
		return nil, ErrInvalidVector
	}
	if length == 0 {
		return []float32{}, nil
	}

	expectedBytes := int(length) * 4
	if buf.Len() < expectedBytes {
		return nil, ErrInvalidVector
	}

	vector := make([]float32, length)
	if err := binary.Read(buf, binary.LittleEndian, vector); err != nil {
		return nil, fmt.Errorf("failed to decode vector values: %w", err)
	}

	return vector, nil
}

// ValidateVector rejects nil, empty, and NaN/Inf-containing vectors.
func ValidateVector(vector []float32) error {
	if len(vector) == 0 {
		return ErrInvalidVector
	}
	for _, v := range vector {
		f := float64(v)
		if f != f || math.IsInf(f, 0) {
			return ErrInvalidVector
		}
	}
	return nil
}

// Norm returns the L2 norm of a vector.
func Norm(vector []float32) float64 {
	var sum float64
	for _, v := range vector {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// EncodeJSON marshals v using the faster goccy/go-json codec, kept
// interchangeable with encoding/json at the call site.
func EncodeJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeJSON unmarshals data into v using the faster goccy/go-json codec.
func DecodeJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

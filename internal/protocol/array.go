package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// DType tags the element type of an array payload.
type DType uint8

const (
	DTypeInvalid DType = iota
	DTypeFloat32
	DTypeFloat64
	DTypeComplex64
	DTypeComplex128
	DTypeInt32
	DTypeInt64
	DTypeUint8
)

var dtypeNames = map[DType]string{
	DTypeFloat32:    "float32",
	DTypeFloat64:    "float64",
	DTypeComplex64:  "complex64",
	DTypeComplex128: "complex128",
	DTypeInt32:      "int32",
	DTypeInt64:      "int64",
	DTypeUint8:      "uint8",
}

// Size returns the element width in bytes, 0 for unknown tags.
func (d DType) Size() int {
	switch d {
	case DTypeUint8:
		return 1
	case DTypeFloat32, DTypeInt32:
		return 4
	case DTypeFloat64, DTypeComplex64, DTypeInt64:
		return 8
	case DTypeComplex128:
		return 16
	}
	return 0
}

func (d DType) String() string {
	if name, ok := dtypeNames[d]; ok {
		return name
	}
	return fmt.Sprintf("dtype(%d)", uint8(d))
}

// ParseDType maps a dtype name onto its tag.
func ParseDType(name string) (DType, error) {
	for d, n := range dtypeNames {
		if n == name {
			return d, nil
		}
	}
	return DTypeInvalid, fmt.Errorf("unknown dtype %q", name)
}

// MaxDims bounds the shape header.
const MaxDims = 8

// Array is a dense row-major numeric buffer. Data holds the raw
// little-endian element bytes without padding.
type Array struct {
	DType DType
	Shape []int
	Data  []byte
}

// Len returns the number of elements implied by Shape. It is only
// meaningful for an array that passes Validate.
func (a *Array) Len() int {
	n := 1
	for _, d := range a.Shape {
		n *= d
	}
	return n
}

// Validate checks that the tag is known and Data matches Shape.
func (a *Array) Validate() error {
	if a == nil {
		return fmt.Errorf("missing array payload")
	}
	if a.DType.Size() == 0 {
		return fmt.Errorf("unknown dtype tag %d", uint8(a.DType))
	}
	if len(a.Shape) > MaxDims {
		return fmt.Errorf("array has %d dimensions, at most %d supported", len(a.Shape), MaxDims)
	}
	n, err := elementCount(a.Shape, MaxFrameSize/a.DType.Size())
	if err != nil {
		return err
	}
	if want := n * a.DType.Size(); len(a.Data) != want {
		return fmt.Errorf("array %s%v needs %d bytes, got %d", a.DType, a.Shape, want, len(a.Data))
	}
	return nil
}

// elementCount multiplies out shape, failing once the product would
// exceed limit elements. Every dimension must fit the uint32 wire field.
func elementCount(shape []int, limit int) (int, error) {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("negative dimension in shape %v", shape)
		}
		if uint64(d) > math.MaxUint32 {
			return 0, fmt.Errorf("dimension %d too large", d)
		}
	}
	for _, d := range shape {
		if d == 0 {
			return 0, nil
		}
		if n > limit/d {
			return 0, fmt.Errorf("shape %v exceeds %d elements", shape, limit)
		}
		n *= d
	}
	return n, nil
}

// Clone returns a deep copy.
func (a *Array) Clone() *Array {
	if a == nil {
		return nil
	}
	return &Array{
		DType: a.DType,
		Shape: append([]int(nil), a.Shape...),
		Data:  append([]byte(nil), a.Data...),
	}
}

// Equal reports whether a and b have the same tag, shape and bytes.
func (a *Array) Equal(b *Array) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.DType != b.DType || len(a.Shape) != len(b.Shape) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != b.Shape[i] {
			return false
		}
	}
	return bytes.Equal(a.Data, b.Data)
}

// Encode renders a as [tag][ndim][ndim x uint32 dims][raw bytes].
func Encode(a *Array) ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	out := make([]byte, 2+4*len(a.Shape), 2+4*len(a.Shape)+len(a.Data))
	out[0] = byte(a.DType)
	out[1] = byte(len(a.Shape))
	for i, d := range a.Shape {
		binary.LittleEndian.PutUint32(out[2+4*i:], uint32(d))
	}
	return append(out, a.Data...), nil
}

// Decode parses the output of Encode. The returned Data does not alias b.
func Decode(b []byte) (*Array, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("array header truncated")
	}
	a := &Array{DType: DType(b[0])}
	ndim := int(b[1])
	if ndim > MaxDims {
		return nil, fmt.Errorf("array has %d dimensions, at most %d supported", ndim, MaxDims)
	}
	if len(b) < 2+4*ndim {
		return nil, fmt.Errorf("array shape header truncated")
	}
	a.Shape = make([]int, ndim)
	for i := range a.Shape {
		a.Shape[i] = int(binary.LittleEndian.Uint32(b[2+4*i:]))
	}
	a.Data = append([]byte(nil), b[2+4*ndim:]...)
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// Header is the metadata frame sent ahead of raw array bytes.
type Header struct {
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
}

// ArrayMessage renders a as two frames: a JSON Header and the raw data.
func ArrayMessage(a *Array) (Message, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	hdr, err := json.Marshal(Header{DType: a.DType.String(), Shape: a.Shape})
	if err != nil {
		return nil, err
	}
	return Message{hdr, a.Data}, nil
}

// ParseArrayMessage reverses ArrayMessage. The array keeps msg[1] as its
// data.
func ParseArrayMessage(msg Message) (*Array, error) {
	if len(msg) != 2 {
		return nil, fmt.Errorf("array message needs 2 frames, got %d", len(msg))
	}
	var hdr Header
	if err := json.Unmarshal(msg[0], &hdr); err != nil {
		return nil, fmt.Errorf("invalid array header: %w", err)
	}
	dtype, err := ParseDType(hdr.DType)
	if err != nil {
		return nil, err
	}
	a := &Array{DType: dtype, Shape: hdr.Shape, Data: msg[1]}
	if a.Shape == nil {
		a.Shape = []int{}
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}

// NewFloat64 packs values into a float64 array of the given shape.
func NewFloat64(shape []int, values []float64) (*Array, error) {
	a := &Array{DType: DTypeFloat64, Shape: append([]int(nil), shape...)}
	if a.Len() != len(values) {
		return nil, fmt.Errorf("shape %v holds %d values, got %d", shape, a.Len(), len(values))
	}
	a.Data = make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(a.Data[8*i:], math.Float64bits(v))
	}
	return a, nil
}

// NewFloat32 packs values into a float32 array of the given shape.
func NewFloat32(shape []int, values []float32) (*Array, error) {
	a := &Array{DType: DTypeFloat32, Shape: append([]int(nil), shape...)}
	if a.Len() != len(values) {
		return nil, fmt.Errorf("shape %v holds %d values, got %d", shape, a.Len(), len(values))
	}
	a.Data = make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(a.Data[4*i:], math.Float32bits(v))
	}
	return a, nil
}

// NewComplex128 packs values into a complex128 array of the given shape.
func NewComplex128(shape []int, values []complex128) (*Array, error) {
	a := &Array{DType: DTypeComplex128, Shape: append([]int(nil), shape...)}
	if a.Len() != len(values) {
		return nil, fmt.Errorf("shape %v holds %d values, got %d", shape, a.Len(), len(values))
	}
	a.Data = make([]byte, 16*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(a.Data[16*i:], math.Float64bits(real(v)))
		binary.LittleEndian.PutUint64(a.Data[16*i+8:], math.Float64bits(imag(v)))
	}
	return a, nil
}

// NewInt64 packs values into an int64 array of the given shape.
func NewInt64(shape []int, values []int64) (*Array, error) {
	a := &Array{DType: DTypeInt64, Shape: append([]int(nil), shape...)}
	if a.Len() != len(values) {
		return nil, fmt.Errorf("shape %v holds %d values, got %d", shape, a.Len(), len(values))
	}
	a.Data = make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(a.Data[8*i:], uint64(v))
	}
	return a, nil
}

// Float64s unpacks a float64 array.
func (a *Array) Float64s() ([]float64, error) {
	if err := a.expect(DTypeFloat64); err != nil {
		return nil, err
	}
	out := make([]float64, a.Len())
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(a.Data[8*i:]))
	}
	return out, nil
}

// Float32s unpacks a float32 array.
func (a *Array) Float32s() ([]float32, error) {
	if err := a.expect(DTypeFloat32); err != nil {
		return nil, err
	}
	out := make([]float32, a.Len())
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(a.Data[4*i:]))
	}
	return out, nil
}

// Complex128s unpacks a complex128 array.
func (a *Array) Complex128s() ([]complex128, error) {
	if err := a.expect(DTypeComplex128); err != nil {
		return nil, err
	}
	out := make([]complex128, a.Len())
	for i := range out {
		re := math.Float64frombits(binary.LittleEndian.Uint64(a.Data[16*i:]))
		im := math.Float64frombits(binary.LittleEndian.Uint64(a.Data[16*i+8:]))
		out[i] = complex(re, im)
	}
	return out, nil
}

// Int64s unpacks an int64 array.
func (a *Array) Int64s() ([]int64, error) {
	if err := a.expect(DTypeInt64); err != nil {
		return nil, err
	}
	out := make([]int64, a.Len())
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(a.Data[8*i:]))
	}
	return out, nil
}

func (a *Array) expect(d DType) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if a.DType != d {
		return fmt.Errorf("expected %s array, got %s", d, a.DType)
	}
	return nil
}

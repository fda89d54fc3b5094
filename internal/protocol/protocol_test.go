package protocol

import (
	"bytes"
	"errors"
	"io"
	"math"
	"math/cmplx"
	"testing"
)

func TestArray_RoundTrip(t *testing.T) {
	f64, _ := NewFloat64([]int{2, 3}, []float64{0, 1.5, -2, math.Inf(1), math.SmallestNonzeroFloat64, 1e300})
	f32, _ := NewFloat32([]int{4}, []float32{1, -1, 0.25, math.MaxFloat32})
	c128, _ := NewComplex128([]int{1, 2, 2}, []complex128{1 + 2i, -3i, 0, cmplx.Exp(1i)})
	i64, _ := NewInt64([]int{3}, []int64{math.MinInt64, 0, math.MaxInt64})
	nan, _ := NewFloat64([]int{1}, []float64{math.NaN()})

	tests := []struct {
		name string
		arr  *Array
	}{
		{"float64 matrix", f64},
		{"float32 vector", f32},
		{"complex128 cube", c128},
		{"int64 extremes", i64},
		{"float64 nan bits", nan},
		{"complex64 raw", &Array{DType: DTypeComplex64, Shape: []int{2}, Data: []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}}},
		{"uint8 image", &Array{DType: DTypeUint8, Shape: []int{2, 2, 4}, Data: bytes.Repeat([]byte{0xff, 0, 0x80, 7}, 4)}},
		{"int32 scalar", &Array{DType: DTypeInt32, Shape: []int{}, Data: []byte{1, 0, 0, 0}}},
		{"empty", &Array{DType: DTypeFloat64, Shape: []int{0, 5}, Data: []byte{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := Encode(tt.arr)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if !decoded.Equal(tt.arr) {
				t.Errorf("round trip mismatch: got %s%v, want %s%v", decoded.DType, decoded.Shape, tt.arr.DType, tt.arr.Shape)
			}
		})
	}
}

func TestArray_TypedAccessors(t *testing.T) {
	values := []complex128{1, 1i, -1, -1i}
	a, err := NewComplex128([]int{2, 2}, values)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := a.Complex128s()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := range values {
		if got[i] != values[i] {
			t.Errorf("element %d: expected %v, got %v", i, values[i], got[i])
		}
	}

	if _, err := a.Float64s(); err == nil {
		t.Errorf("expected dtype mismatch error")
	}
}

func TestArray_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		arr  *Array
	}{
		{"nil", nil},
		{"unknown tag", &Array{DType: DType(99), Shape: []int{1}, Data: []byte{0}}},
		{"short data", &Array{DType: DTypeFloat64, Shape: []int{2}, Data: make([]byte, 8)}},
		{"negative dim", &Array{DType: DTypeUint8, Shape: []int{-1}, Data: nil}},
		{"element count overflow", &Array{DType: DTypeFloat64, Shape: []int{65536, 65536, 65536, 65536}, Data: nil}},
		{"dimension beyond uint32", &Array{DType: DTypeUint8, Shape: []int{1 << 32, 0}, Data: nil}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Encode(tt.arr); err == nil {
				t.Errorf("expected encode error")
			}
		})
	}

	if _, err := NewFloat64([]int{2, 2}, []float64{1, 2, 3}); err == nil {
		t.Errorf("expected shape/value count mismatch error")
	}

	// float64, four dimensions of 65536, no data.
	header := []byte{byte(DTypeFloat64), 4, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0, 1, 0}
	if a, err := Decode(header); err == nil {
		t.Errorf("expected decode error, got shape %v", a.Shape)
	}

	headers := []string{
		`{"dtype":"float64","shape":[4294967296,4294967296]}`,
		`{"dtype":"uint8","shape":[4294967296,0]}`,
		`{"dtype":"float64","shape":[65536,65536,65536,65536]}`,
	}
	for _, hdr := range headers {
		if a, err := ParseArrayMessage(Message{[]byte(hdr), nil}); err == nil {
			t.Errorf("expected error for header %s, got shape %v", hdr, a.Shape)
		}
	}
}

func TestDecode_Truncated(t *testing.T) {
	a, _ := NewFloat64([]int{4}, []float64{1, 2, 3, 4})
	encoded, _ := Encode(a)

	for _, n := range []int{0, 1, 3, len(encoded) - 1} {
		if _, err := Decode(encoded[:n]); err == nil {
			t.Errorf("expected error decoding %d of %d bytes", n, len(encoded))
		}
	}
}

func TestParseDType(t *testing.T) {
	for d, name := range dtypeNames {
		got, err := ParseDType(name)
		if err != nil || got != d {
			t.Errorf("ParseDType(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParseDType("float16"); err == nil {
		t.Errorf("expected error for unknown dtype")
	}
}

func TestMessage_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	sent := Message{[]byte("ok"), []byte{}, bytes.Repeat([]byte{7}, 1024)}

	if err := WriteMessage(&buf, sent); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := WriteMessage(&buf, Message{[]byte("second")}); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != len(sent) {
		t.Fatalf("expected %d frames, got %d", len(sent), len(got))
	}
	for i := range sent {
		if !bytes.Equal(got[i], sent[i]) {
			t.Errorf("frame %d mismatch", i)
		}
	}

	second, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(second[0]) != "second" {
		t.Errorf("expected second message, got %q", second[0])
	}

	if _, err := ReadMessage(&buf); err != io.EOF {
		t.Errorf("expected io.EOF on drained stream, got %v", err)
	}
}

func TestReadMessage_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"unknown flag bits", []byte{0, 0, 0, 1, 0x80, 'x'}, ErrMalformedFrame},
		{"oversized length", []byte{0xff, 0xff, 0xff, 0xff, 0}, ErrMalformedFrame},
		{"truncated payload", []byte{0, 0, 0, 4, 0, 'a'}, io.ErrUnexpectedEOF},
		{"dangling more flag", []byte{0, 0, 0, 1, flagMore, 'a'}, io.ErrUnexpectedEOF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadMessage(bytes.NewReader(tt.raw))
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCommands(t *testing.T) {
	for _, name := range []string{"do", "get", "set", "get_array", "set_array", "attach", "detach"} {
		c, ok := ParseCommand(name)
		if !ok || string(c) != name {
			t.Errorf("ParseCommand(%q) = %q, %v", name, c, ok)
		}
	}
	if _, ok := ParseCommand("getattr"); ok {
		t.Errorf("expected unknown command to be rejected")
	}
	if !CommandAttach.IsRegistry() || CommandGet.IsRegistry() {
		t.Errorf("registry verb classification is wrong")
	}
}

func TestFailureSentinel(t *testing.T) {
	reply := Failure("unknown parameter \"foo\"")
	msg, ok := ParseFailure(reply)
	if !ok {
		t.Fatalf("expected failure reply to be recognised")
	}
	if msg != "unknown parameter \"foo\"" {
		t.Errorf("unexpected diagnostic %q", msg)
	}
	if _, ok := ParseFailure([]byte(`"Error: quoted JSON string"`)); ok {
		t.Errorf("a JSON string value must not be mistaken for a failure")
	}
	if !IsAck(Ack) || IsAck([]byte("okay")) {
		t.Errorf("ack detection is wrong")
	}
}

func TestArrayMessage(t *testing.T) {
	a, _ := NewComplex128([]int{2, 1}, []complex128{1 + 1i, -2})

	msg, err := ArrayMessage(a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(msg[0]) != `{"dtype":"complex128","shape":[2,1]}` {
		t.Errorf("unexpected header %s", msg[0])
	}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	read, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := ParseArrayMessage(read)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(a) {
		t.Errorf("expected %v, got %v", a, got)
	}

	tests := []struct {
		name string
		msg  Message
	}{
		{"one frame", Message{[]byte(`{"dtype":"float64","shape":[1]}`)}},
		{"bad header", Message{[]byte(`{`), make([]byte, 8)}},
		{"bad dtype", Message{[]byte(`{"dtype":"float16","shape":[1]}`), make([]byte, 2)}},
		{"short data", Message{[]byte(`{"dtype":"float64","shape":[2]}`), make([]byte, 8)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseArrayMessage(tt.msg); err == nil {
				t.Errorf("expected error")
			}
		})
	}
}

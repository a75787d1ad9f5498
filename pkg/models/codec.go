package models

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// ArgsCodec serializes the opaque argument list for storage and the wire.
// The codec is fixed at deployment; both sides must agree.
type ArgsCodec interface {
	Name() string
	Encode(args [][]byte) ([]byte, error)
	Decode(data []byte) ([][]byte, error)
}

// JSONCodec stores arguments as a JSON array of base64 strings.
// Human-readable at the cost of size and speed.
type JSONCodec struct{}

// Name implements ArgsCodec
func (JSONCodec) Name() string { return "json" }

// Encode implements ArgsCodec
func (JSONCodec) Encode(args [][]byte) ([]byte, error) {
	encoded := make([]string, len(args))
	for i, a := range args {
		encoded[i] = base64.StdEncoding.EncodeToString(a)
	}
	return json.Marshal(encoded)
}

// Decode implements ArgsCodec
func (JSONCodec) Decode(data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var encoded []string
	if err := json.Unmarshal(data, &encoded); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	args := make([][]byte, len(encoded))
	for i, s := range encoded {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("decode args[%d]: %w", i, err)
		}
		args[i] = b
	}
	return args, nil
}

// BinaryCodec stores arguments as a uvarint count followed by
// length-prefixed slices. Compact and allocation-light.
type BinaryCodec struct{}

// Name implements ArgsCodec
func (BinaryCodec) Name() string { return "binary" }

// Encode implements ArgsCodec
func (BinaryCodec) Encode(args [][]byte) ([]byte, error) {
	size := binary.MaxVarintLen64
	for _, a := range args {
		size += binary.MaxVarintLen64 + len(a)
	}
	buf := make([]byte, 0, size)
	var tmp [binary.MaxVarintLen64]byte

	n := binary.PutUvarint(tmp[:], uint64(len(args)))
	buf = append(buf, tmp[:n]...)
	for _, a := range args {
		n = binary.PutUvarint(tmp[:], uint64(len(a)))
		buf = append(buf, tmp[:n]...)
		buf = append(buf, a...)
	}
	return buf, nil
}

// Decode implements ArgsCodec
func (BinaryCodec) Decode(data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("decode args: bad count header")
	}
	data = data[n:]
	args := make([][]byte, 0, count)
	for i := uint64(0); i < count; i++ {
		l, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, fmt.Errorf("decode args[%d]: bad length header", i)
		}
		data = data[n:]
		if uint64(len(data)) < l {
			return nil, fmt.Errorf("decode args[%d]: truncated value", i)
		}
		args = append(args, append([]byte{}, data[:l]...))
		data = data[l:]
	}
	return args, nil
}

// CodecByName resolves a codec from its configured name
func CodecByName(name string) (ArgsCodec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "binary":
		return BinaryCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown args codec %q", name)
	}
}

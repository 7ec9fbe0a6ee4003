// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package taskpb

import (
	"cmp"
	"maps"
	"math"
	"slices"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Encoding helpers: zero values are not written, like proto3 scalar fields.

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// appendRepeatedString writes every value, including empty ones.
func appendRepeatedString(b []byte, num protowire.Number, values []string) []byte {
	for _, v := range values {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendString(b, v)
	}
	return b
}

// appendPackedInt64 writes the values as a packed repeated field.
func appendPackedInt64(b []byte, num protowire.Number, values []int64) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

// appendMessage writes a sub-message, always, even when empty: presence is meaningful for messages.
func appendMessage(b []byte, num protowire.Number, encode func(b []byte) []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, encode(nil))
}

// appendStringMap writes a map<string,string> as repeated entries, sorted by key for a deterministic
// encoding.
func appendStringMap(b []byte, num protowire.Number, m map[string]string) []byte {
	for _, key := range sortedKeys(m) {
		b = appendMessage(b, num, func(b []byte) []byte {
			b = appendString(b, 1, key)
			return appendString(b, 2, m[key])
		})
	}
	return b
}

func sortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	return slices.Sorted(maps.Keys(m))
}

// Decoding helpers.

// formatErrorf returns an ErrFormat error with the given context.
func formatErrorf(format string, args ...any) error {
	return errors.Wrapf(ErrFormat, format, args...)
}

// fieldFn consumes the value of one field from b, returning the number of bytes consumed.
type fieldFn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// forEachField calls fn for every field of the encoded message. Unknown fields must be skipped by fn
// with skipField.
func forEachField(msg string, b []byte, fn fieldFn) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return formatErrorf("%s: %v", msg, protowire.ParseError(n))
		}
		b = b[n:]
		n, err := fn(num, typ, b)
		if err != nil {
			return errors.WithMessagef(err, "%s field #%d", msg, num)
		}
		if n < 0 {
			return formatErrorf("%s field #%d: %v", msg, num, protowire.ParseError(n))
		}
		b = b[n:]
	}
	return nil
}

func skipField(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	return protowire.ConsumeFieldValue(num, typ, b), nil
}

func checkType(typ, want protowire.Type) error {
	if typ != want {
		return formatErrorf("wire type %d, expected %d", typ, want)
	}
	return nil
}

func consumeInt64(typ protowire.Type, b []byte, dst *int64) (int, error) {
	if err := checkType(typ, protowire.VarintType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeVarint(b)
	*dst = int64(v)
	return n, nil
}

func consumeInt(typ protowire.Type, b []byte, dst *int) (int, error) {
	var v int64
	n, err := consumeInt64(typ, b, &v)
	if err != nil {
		return n, err
	}
	if v < math.MinInt || v > math.MaxInt {
		return 0, formatErrorf("value %d out of the int range", v)
	}
	*dst = int(v)
	return n, nil
}

// consumeInt32 reads enum values, rejecting values out of the int32 range instead of truncating them.
func consumeInt32(typ protowire.Type, b []byte, dst *int32) (int, error) {
	var v int64
	n, err := consumeInt64(typ, b, &v)
	if err != nil {
		return n, err
	}
	if v < math.MinInt32 || v > math.MaxInt32 {
		return 0, formatErrorf("value %d out of the int32 range", v)
	}
	*dst = int32(v)
	return n, nil
}

func consumeBool(typ protowire.Type, b []byte, dst *bool) (int, error) {
	if err := checkType(typ, protowire.VarintType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeVarint(b)
	*dst = protowire.DecodeBool(v)
	return n, nil
}

func consumeString(typ protowire.Type, b []byte, dst *string) (int, error) {
	if err := checkType(typ, protowire.BytesType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeString(b)
	*dst = v
	return n, nil
}

// consumeMessage calls decode with the contents of the sub-message.
func consumeMessage(typ protowire.Type, b []byte, decode func(b []byte) error) (int, error) {
	if err := checkType(typ, protowire.BytesType); err != nil {
		return 0, err
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n, nil
	}
	return n, decode(v)
}

// consumeRepeatedInt64 accepts both the packed and the unpacked encodings.
func consumeRepeatedInt64(typ protowire.Type, b []byte, dst *[]int64) (int, error) {
	switch typ {
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(b)
		if n >= 0 {
			*dst = append(*dst, int64(v))
		}
		return n, nil
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		for len(packed) > 0 {
			v, m := protowire.ConsumeVarint(packed)
			if m < 0 {
				return m, nil
			}
			*dst = append(*dst, int64(v))
			packed = packed[m:]
		}
		return n, nil
	default:
		return 0, formatErrorf("wire type %d for a repeated int64", typ)
	}
}

func consumeStringMapEntry(typ protowire.Type, b []byte, m map[string]string) (int, error) {
	return consumeMessage(typ, b, func(b []byte) error {
		var key, value string
		err := forEachField("map entry", b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				return consumeString(typ, b, &key)
			case 2:
				return consumeString(typ, b, &value)
			default:
				return skipField(num, typ, b)
			}
		})
		if err != nil {
			return err
		}
		m[key] = value
		return nil
	})
}

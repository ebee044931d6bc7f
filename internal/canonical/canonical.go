// Package canonical implements deterministic JSON serialization for hashing.
//
// A record must map to exactly one byte string before it is hashed or signed,
// regardless of the order in which its fields were assembled. The encoding
// follows RFC 8785 (JSON Canonicalization Scheme): object keys sorted
// lexicographically, canonical number formatting, minimal string escapes,
// and no insignificant whitespace.
package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// ErrNotCanonicalizable is returned when the input contains values that have
// no canonical JSON form (NaN, Inf, channels, functions, cyclic structures).
var ErrNotCanonicalizable = errors.New("canonical: value is not canonicalizable")

// Marshal renders v in canonical form. Nil renders as "null"; maps are
// emitted with keys in lexicographic order at every nesting level.
func Marshal(v any) ([]byte, error) {
	switch value := v.(type) {
	case nil, bool, string, json.Number,
		float64, float32,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		map[string]any, []any:
		var buf bytes.Buffer
		if err := encode(&buf, value, make(map[uintptr]bool)); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case json.RawMessage:
		return MarshalJSON([]byte(value))
	case []byte:
		return MarshalJSON(value)
	default:
		// Structs and typed maps round-trip through encoding/json first so
		// that struct tags decide field names and explicit nulls.
		b, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotCanonicalizable, err)
		}
		return MarshalJSON(b)
	}
}

// MarshalJSON re-encodes already-serialized JSON into canonical form.
func MarshalJSON(raw []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrNotCanonicalizable, err)
	}
	if err := expectEOF(dec); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := encode(&buf, value, make(map[uintptr]bool)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func expectEOF(dec *json.Decoder) error {
	var extra any
	err := dec.Decode(&extra)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", ErrNotCanonicalizable, err)
	}
	return fmt.Errorf("%w: trailing data after JSON value", ErrNotCanonicalizable)
}

// encode walks the value tree. seen holds the map/slice pointers on the
// current descent path so that cyclic structures are rejected instead of
// overflowing the stack; a value shared by two sibling branches is fine.
func encode(buf *bytes.Buffer, value any, seen map[uintptr]bool) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		encodeString(buf, v)
	case json.Number:
		return encodeNumberString(buf, v.String())
	case float64:
		return encodeFloat(buf, v)
	case float32:
		return encodeFloat(buf, float64(v))
	case int:
		return encodeInt(buf, int64(v))
	case int8:
		return encodeInt(buf, int64(v))
	case int16:
		return encodeInt(buf, int64(v))
	case int32:
		return encodeInt(buf, int64(v))
	case int64:
		return encodeInt(buf, v)
	case uint:
		return encodeUint(buf, uint64(v))
	case uint8:
		return encodeInt(buf, int64(v))
	case uint16:
		return encodeInt(buf, int64(v))
	case uint32:
		return encodeInt(buf, int64(v))
	case uint64:
		return encodeUint(buf, v)
	case map[string]any:
		return encodeObject(buf, v, seen)
	case []any:
		return encodeArray(buf, v, seen)
	default:
		// Typed slices, typed maps, and structs nested inside a payload
		// are normalized through encoding/json first. encoding/json has
		// its own cycle detection, so cyclic typed values error here too.
		b, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNotCanonicalizable, err)
		}
		canon, err := MarshalJSON(b)
		if err != nil {
			return err
		}
		buf.Write(canon)
		return nil
	}
	return nil
}

func encodeObject(buf *bytes.Buffer, obj map[string]any, seen map[uintptr]bool) error {
	if p := reflect.ValueOf(obj).Pointer(); p != 0 {
		if seen[p] {
			return fmt.Errorf("%w: cyclic structure", ErrNotCanonicalizable)
		}
		seen[p] = true
		defer delete(seen, p)
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		encodeString(buf, k)
		buf.WriteByte(':')
		if err := encode(buf, obj[k], seen); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func encodeArray(buf *bytes.Buffer, arr []any, seen map[uintptr]bool) error {
	if len(arr) > 0 {
		p := reflect.ValueOf(arr).Pointer()
		if seen[p] {
			return fmt.Errorf("%w: cyclic structure", ErrNotCanonicalizable)
		}
		seen[p] = true
		defer delete(seen, p)
	}

	buf.WriteByte('[')
	for i, item := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		if err := encode(buf, item, seen); err != nil {
			return err
		}
	}
	buf.WriteByte(']')
	return nil
}

const hexDigits = "0123456789abcdef"

func encodeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"', '\\':
			buf.WriteByte('\\')
			buf.WriteRune(r)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				buf.WriteString(`\u00`)
				buf.WriteByte(hexDigits[r>>4])
				buf.WriteByte(hexDigits[r&0x0f])
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

// encodeInt keeps integers (timestamps, sequence numbers) exact. Values in
// the int64 range never go through float formatting.
func encodeInt(buf *bytes.Buffer, n int64) error {
	buf.WriteString(strconv.FormatInt(n, 10))
	return nil
}

// encodeUint covers the unsigned range above MaxInt64 exactly.
func encodeUint(buf *bytes.Buffer, n uint64) error {
	buf.WriteString(strconv.FormatUint(n, 10))
	return nil
}

func encodeNumberString(buf *bytes.Buffer, s string) error {
	// Integers that fit in int64 are emitted verbatim to avoid any
	// float64 precision loss on large timestamps.
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return encodeInt(buf, n)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("%w: invalid number %q", ErrNotCanonicalizable, s)
	}
	return encodeFloat(buf, f)
}

// encodeFloat formats a float per RFC 8785 §3.2.2.3 (the ECMAScript
// Number-to-string algorithm).
func encodeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: non-finite number", ErrNotCanonicalizable)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		// Whole values render without a fractional part or exponent.
		return encodeInt(buf, int64(f))
	}

	sign := ""
	if f < 0 {
		sign = "-"
		f = -f
	}

	mantissa, exp, err := splitExponent(f)
	if err != nil {
		return err
	}
	digits := strings.ReplaceAll(mantissa, ".", "")

	if exp <= -7 || exp >= 21 {
		if len(digits) == 1 {
			buf.WriteString(sign + digits + "e" + strconv.Itoa(exp))
			return nil
		}
		buf.WriteString(sign + digits[:1] + "." + digits[1:] + "e" + strconv.Itoa(exp))
		return nil
	}

	point := exp + 1
	switch {
	case point >= len(digits):
		buf.WriteString(sign + digits + strings.Repeat("0", point-len(digits)))
	case point <= 0:
		buf.WriteString(sign + "0." + strings.Repeat("0", -point) + digits)
	default:
		buf.WriteString(sign + digits[:point] + "." + digits[point:])
	}
	return nil
}

func splitExponent(f float64) (string, int, error) {
	s := strconv.FormatFloat(f, 'e', -1, 64)
	mantissa, expPart, ok := strings.Cut(s, "e")
	if !ok {
		return "", 0, fmt.Errorf("%w: unexpected float format %q", ErrNotCanonicalizable, s)
	}
	exp, err := strconv.Atoi(expPart)
	if err != nil {
		return "", 0, fmt.Errorf("%w: unexpected float exponent %q", ErrNotCanonicalizable, expPart)
	}
	return mantissa, exp, nil
}

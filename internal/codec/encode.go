package codec

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// EncodingErrorKind classifies why a value could not be encoded.
type EncodingErrorKind string

const (
	// NotFinite is returned for NaN and ±Inf numbers.
	NotFinite EncodingErrorKind = "not_finite"
	// CircularReference is returned when a table contains itself.
	CircularReference EncodingErrorKind = "circular_reference"
)

// EncodingError reports a value that has no JSON representation.
type EncodingError struct {
	Kind   EncodingErrorKind
	Detail string
}

func (e *EncodingError) Error() string {
	if e.Detail == "" {
		return "codec: " + string(e.Kind)
	}
	return fmt.Sprintf("codec: %s: %s", e.Kind, e.Detail)
}

// Encode renders v as compact JSON text.
func Encode(v Value) (string, error) {
	e := &encoder{active: make(map[*Table]struct{})}
	if err := e.encode(v); err != nil {
		return "", err
	}
	return e.buf.String(), nil
}

// EncodeBytes is Encode returning a byte slice, for request bodies.
func EncodeBytes(v Value) ([]byte, error) {
	s, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

type encoder struct {
	buf strings.Builder
	// tables currently being encoded (ancestors of the current node)
	active map[*Table]struct{}
}

func (e *encoder) encode(v Value) error {
	switch val := v.(type) {
	case nil, Null:
		e.buf.WriteString("null")
	case Bool:
		if val {
			e.buf.WriteString("true")
		} else {
			e.buf.WriteString("false")
		}
	case Number:
		return e.number(float64(val))
	case String:
		e.str(string(val))
	case *Table:
		if val == nil {
			e.buf.WriteString("null")
			return nil
		}
		return e.table(val)
	default:
		return &EncodingError{Kind: "unsupported_type", Detail: fmt.Sprintf("%T", v)}
	}
	return nil
}

func (e *encoder) number(f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return &EncodingError{Kind: NotFinite, Detail: strconv.FormatFloat(f, 'g', -1, 64)}
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		e.buf.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
		return nil
	}
	e.buf.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

const hexDigits = "0123456789abcdef"

func (e *encoder) str(s string) {
	e.buf.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			e.buf.WriteString(`\"`)
		case '\\':
			e.buf.WriteString(`\\`)
		case '/':
			e.buf.WriteString(`\/`)
		case '\n':
			e.buf.WriteString(`\n`)
		case '\r':
			e.buf.WriteString(`\r`)
		case '\t':
			e.buf.WriteString(`\t`)
		case '\b':
			e.buf.WriteString(`\b`)
		case '\f':
			e.buf.WriteString(`\f`)
		default:
			if c < 0x20 {
				e.buf.WriteString(`\u00`)
				e.buf.WriteByte(hexDigits[c>>4])
				e.buf.WriteByte(hexDigits[c&0xf])
				continue
			}
			e.buf.WriteByte(c)
		}
	}
	e.buf.WriteByte('"')
}

func (e *encoder) table(t *Table) error {
	if _, ok := e.active[t]; ok {
		return &EncodingError{Kind: CircularReference, Detail: "table contains itself"}
	}
	e.active[t] = struct{}{}
	defer delete(e.active, t)

	if t.isSequence() {
		e.buf.WriteByte('[')
		for i := 1; i <= t.Len(); i++ {
			if i > 1 {
				e.buf.WriteByte(',')
			}
			if err := e.encode(t.values[i]); err != nil {
				return err
			}
		}
		e.buf.WriteByte(']')
		return nil
	}

	e.buf.WriteByte('{')
	first := true
	for _, k := range t.keys {
		name, ok := k.(string)
		if !ok {
			continue
		}
		if !first {
			e.buf.WriteByte(',')
		}
		first = false
		e.str(name)
		e.buf.WriteByte(':')
		if err := e.encode(t.values[k]); err != nil {
			return err
		}
	}
	e.buf.WriteByte('}')
	return nil
}

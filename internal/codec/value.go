// Package codec encodes in-memory value trees to JSON text for outbound
// alert payloads and pulls a fixed set of string fields out of inbound
// service responses.
package codec

import (
	"fmt"
	"reflect"
	"sort"
)

// Value is a node in a JSON value tree. The concrete types are Null, Bool,
// Number, String and *Table.
type Value interface {
	isValue()
}

// Null is the JSON null literal.
type Null struct{}

// Bool is a JSON boolean.
type Bool bool

// Number is a JSON number. NaN and infinities are rejected at encode time.
type Number float64

// String is a JSON string.
type String string

func (Null) isValue()   {}
func (Bool) isValue()   {}
func (Number) isValue() {}
func (String) isValue() {}
func (*Table) isValue() {}

// Table is the single container type. A table whose keys are exactly the
// integers 1..N encodes as an array, anything else encodes as an object
// built from its string keys. Keys must be int or string.
type Table struct {
	keys   []any
	values map[any]Value
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{values: make(map[any]Value)}
}

// List returns a table holding vals under the keys 1..len(vals).
func List(vals ...Value) *Table {
	t := NewTable()
	for _, v := range vals {
		t.Append(v)
	}
	return t
}

// Set stores v under key. Re-setting an existing key keeps its original
// position. A nil v is stored as Null.
func (t *Table) Set(key any, v Value) *Table {
	switch key.(type) {
	case int, string:
	default:
		panic(fmt.Sprintf("codec: unsupported table key type %T", key))
	}
	if v == nil {
		v = Null{}
	}
	if _, ok := t.values[key]; !ok {
		t.keys = append(t.keys, key)
	}
	t.values[key] = v
	return t
}

// Append stores v under the next integer key (Len()+1).
func (t *Table) Append(v Value) *Table {
	return t.Set(t.Len()+1, v)
}

// Get returns the value stored under key.
func (t *Table) Get(key any) (Value, bool) {
	v, ok := t.values[key]
	return v, ok
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(t.keys)
}

// Keys returns the keys in insertion order.
func (t *Table) Keys() []any {
	out := make([]any, len(t.keys))
	copy(out, t.keys)
	return out
}

// isSequence reports whether the keys are exactly 1..N with N >= 1.
func (t *Table) isSequence() bool {
	n := len(t.keys)
	if n == 0 {
		return false
	}
	seen := make([]bool, n+1)
	for _, k := range t.keys {
		i, ok := k.(int)
		if !ok || i < 1 || i > n || seen[i] {
			return false
		}
		seen[i] = true
	}
	return true
}

// FromAny converts plain Go values (maps, slices, scalars, Values) into a
// Value tree. Maps are converted with their keys sorted so output is stable.
// Unsupported types are rendered with fmt.
func FromAny(in any) Value {
	switch v := in.(type) {
	case nil:
		return Null{}
	case Value:
		return v
	case bool:
		return Bool(v)
	case string:
		return String(v)
	case int:
		return Number(v)
	case int32:
		return Number(v)
	case int64:
		return Number(v)
	case uint:
		return Number(v)
	case uint64:
		return Number(v)
	case float32:
		return Number(v)
	case float64:
		return Number(v)
	case *string:
		if v == nil {
			return Null{}
		}
		return String(*v)
	case fmt.Stringer:
		return String(v.String())
	}

	rv := reflect.ValueOf(in)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		t := NewTable()
		for i := 0; i < rv.Len(); i++ {
			t.Append(FromAny(rv.Index(i).Interface()))
		}
		return t
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		keys := make([]string, 0, rv.Len())
		for _, k := range rv.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		t := NewTable()
		for _, k := range keys {
			t.Set(k, FromAny(rv.MapIndex(reflect.ValueOf(k).Convert(rv.Type().Key())).Interface()))
		}
		return t
	case reflect.Pointer:
		if rv.IsNil() {
			return Null{}
		}
		return FromAny(rv.Elem().Interface())
	}
	return String(fmt.Sprint(in))
}

package codec

import "github.com/tidwall/gjson"

// Fields holds the string fields located by Decode.
type Fields map[string]string

// Get returns the named field and whether it was present.
func (f Fields) Get(name string) (string, bool) {
	v, ok := f[name]
	return v, ok
}

// Decode looks up each named field in a JSON body and returns the ones it
// finds. Names are gjson paths, so "assignment.id" reaches into nested
// objects. Missing fields, container-valued fields and malformed bodies
// are not errors; the field is simply absent from the result.
func Decode(text string, fields ...string) Fields {
	out := make(Fields, len(fields))
	if len(fields) == 0 {
		return out
	}
	results := gjson.GetMany(text, fields...)
	for i, r := range results {
		if !r.Exists() || r.IsObject() || r.IsArray() {
			continue
		}
		if r.Type == gjson.Null {
			continue
		}
		out[fields[i]] = r.String()
	}
	return out
}

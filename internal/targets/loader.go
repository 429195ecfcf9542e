// Package targets loads the process → host mapping that drives a validation
// run. The file is a flat JSON object of string keys to string values; it is
// validated structurally rather than parsed with a full JSON grammar.
package targets

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/nonce-validator/internal/model"
)

// ConfigErrorKind classifies why a targets file was rejected.
type ConfigErrorKind string

const (
	Empty            ConfigErrorKind = "empty"
	NotAnObject      ConfigErrorKind = "not_an_object"
	UnbalancedBraces ConfigErrorKind = "unbalanced_braces"
	Unreadable       ConfigErrorKind = "unreadable"
)

// ConfigError is returned for a targets source that cannot be used. It is
// fatal to the run.
type ConfigError struct {
	Kind   ConfigErrorKind
	Detail string
}

func (e *ConfigError) Error() string {
	if e.Detail == "" {
		return "targets: " + string(e.Kind)
	}
	return fmt.Sprintf("targets: %s: %s", e.Kind, e.Detail)
}

// Mapping is the parsed key → value table with keys in order of first
// appearance.
type Mapping struct {
	keys   []string
	values map[string]string
}

// Keys returns the keys in file order.
func (m *Mapping) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Get returns the value for key.
func (m *Mapping) Get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Len returns the number of distinct keys.
func (m *Mapping) Len() int {
	return len(m.keys)
}

func (m *Mapping) put(key, value string) {
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// pairPattern matches "key" : "value" where either string may contain
// backslash escapes.
var pairPattern = regexp.MustCompile(`"((?:[^"\\]|\\.)*)"\s*:\s*"((?:[^"\\]|\\.)*)"`)

// Parse validates raw and extracts its string pairs. A repeated key keeps
// its first position and its last value.
func Parse(raw string) (*Mapping, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &ConfigError{Kind: Empty, Detail: "no content"}
	}
	if !strings.HasPrefix(trimmed, "{") {
		return nil, &ConfigError{Kind: NotAnObject, Detail: "expected a JSON object"}
	}
	// Balance is checked before the closing brace so a truncated file is
	// reported as such rather than as a non-object.
	opens, closes := strings.Count(raw, "{"), strings.Count(raw, "}")
	if opens != closes {
		return nil, &ConfigError{
			Kind:   UnbalancedBraces,
			Detail: fmt.Sprintf("%d opening vs %d closing braces", opens, closes),
		}
	}
	if !strings.HasSuffix(trimmed, "}") {
		return nil, &ConfigError{Kind: NotAnObject, Detail: "expected a JSON object"}
	}

	m := &Mapping{values: make(map[string]string)}
	for _, sub := range pairPattern.FindAllStringSubmatch(trimmed, -1) {
		key, value := sub[1], sub[2]
		if strings.ContainsRune(key, '\\') || strings.ContainsRune(value, '\\') {
			key, value = unescape(key), unescape(value)
		}
		if key == "" {
			continue
		}
		m.put(key, value)
	}

	if m.Len() == 0 {
		return nil, &ConfigError{Kind: Empty, Detail: "no key/value pairs found"}
	}
	return m, nil
}

// unescape replaces every \c with c. Unicode escapes are not interpreted.
func unescape(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// LoadFile reads and parses the targets file at path.
func LoadFile(path string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(&ConfigError{Kind: Unreadable, Detail: err.Error()}, "targets: load %s", path)
	}
	m, err := Parse(string(data))
	if err != nil {
		return nil, eris.Wrapf(err, "targets: load %s", path)
	}
	return m, nil
}

// Targets converts a mapping into validation targets in file order, with
// any URL scheme and trailing slash removed from the host.
func Targets(m *Mapping) []model.Target {
	out := make([]model.Target, 0, m.Len())
	for _, id := range m.keys {
		out = append(out, model.Target{ID: id, Host: NormalizeHost(m.values[id])})
	}
	return out
}

// NormalizeHost strips an http(s) scheme and trailing slashes and puts the
// host in NFC form. Process identifiers are never normalised.
func NormalizeHost(host string) string {
	h := norm.NFC.String(strings.TrimSpace(host))
	lower := strings.ToLower(h)
	switch {
	case strings.HasPrefix(lower, "https://"):
		h = h[len("https://"):]
	case strings.HasPrefix(lower, "http://"):
		h = h[len("http://"):]
	}
	return strings.TrimRight(h, "/")
}

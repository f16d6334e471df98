package tradeconfig

import (
	"encoding/json"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"intraday-runtime/internal/markethours"
)

// Cell is a raw configuration cell. Sheets and YAML hand us TRUE, 2, 09:45
// and friends as loosely-typed scalars; Cell keeps the literal text so that
// ParseValue applies one set of typing rules to every source.
type Cell string

// UnmarshalYAML keeps the scalar's literal text regardless of its YAML tag.
func (c *Cell) UnmarshalYAML(n *yaml.Node) error {
	*c = Cell(n.Value)
	return nil
}

// UnmarshalJSON accepts strings, numbers and booleans.
func (c *Cell) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*c = Cell(s)
		return nil
	}
	raw := strings.TrimSpace(string(b))
	if raw == "null" {
		*c = ""
		return nil
	}
	*c = Cell(raw)
	return nil
}

func (c Cell) String() string { return strings.TrimSpace(string(c)) }

// ParseValue converts a cell to its typed value: TRUE/FALSE → bool, digits
// → int64, decimals → float64, HH:MM → markethours.Clock, else string.
// Empty cells yield nil.
func ParseValue(raw string) any {
	v := strings.TrimSpace(raw)
	if v == "" {
		return nil
	}
	switch strings.ToUpper(v) {
	case "TRUE":
		return true
	case "FALSE":
		return false
	}
	if isDigits(v) {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	if c, err := markethours.ParseClock(v); err == nil {
		return c
	}
	return v
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

// Params is a typed parameter bag. Keys are lower-case.
type Params map[string]any

// Has reports whether key is present.
func (p Params) Has(key string) bool {
	_, ok := p[strings.ToLower(key)]
	return ok
}

// Bool returns key as a bool, def if absent or of another type.
func (p Params) Bool(key string, def bool) bool {
	if b, ok := p[strings.ToLower(key)].(bool); ok {
		return b
	}
	return def
}

// Int returns key as an integer. Integral floats are accepted.
func (p Params) Int(key string, def int64) int64 {
	if n, ok := p.IntOK(key); ok {
		return n
	}
	return def
}

// IntOK returns key as an integer and whether it is present and integral.
func (p Params) IntOK(key string) (int64, bool) {
	switch v := p[strings.ToLower(key)].(type) {
	case int64:
		return v, true
	case float64:
		if v == float64(int64(v)) {
			return int64(v), true
		}
	}
	return 0, false
}

// Raw returns the stored value of key, nil if absent.
func (p Params) Raw(key string) any {
	return p[strings.ToLower(key)]
}

// Float returns key as a float64.
func (p Params) Float(key string, def float64) float64 {
	switch v := p[strings.ToLower(key)].(type) {
	case int64:
		return float64(v)
	case float64:
		return v
	}
	return def
}

// Clock returns key as a time of day.
func (p Params) Clock(key string, def markethours.Clock) markethours.Clock {
	switch v := p[strings.ToLower(key)].(type) {
	case markethours.Clock:
		return v
	case string:
		if c, err := markethours.ParseClock(v); err == nil {
			return c
		}
	}
	return def
}

// String returns key as an upper-cased string for enum-like params.
func (p Params) String(key, def string) string {
	if s, ok := p[strings.ToLower(key)].(string); ok && s != "" {
		return strings.ToUpper(s)
	}
	return def
}

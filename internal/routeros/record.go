package routeros

import (
	"strconv"
	"strings"
)

// Record is one reply sentence from the RouterOS API.
type Record map[string]string

// String returns the trimmed attribute value.
func (r Record) String(key string) string {
	return strings.TrimSpace(r[key])
}

// Bool parses RouterOS "true"/"yes" flags.
func (r Record) Bool(key string) bool {
	switch strings.ToLower(r.String(key)) {
	case "true", "yes":
		return true
	}
	return false
}

// Int64 parses an integer attribute, returning 0 when absent or malformed.
func (r Record) Int64(key string) int64 {
	n, err := strconv.ParseInt(r.String(key), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Has reports whether the attribute is present and non-empty.
func (r Record) Has(key string) bool {
	return r.String(key) != ""
}

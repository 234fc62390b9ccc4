package kis

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// KIS payloads are flat string maps whose key casing varies between the paper
// and production environments, so all field access goes through pickString
// with ordered fallbacks.

func decodeObject(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func decodeList(raw json.RawMessage) []map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var list []map[string]any
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	// Single-object outputs appear for one-row responses.
	if m := decodeObject(raw); m != nil {
		return []map[string]any{m}
	}
	return nil
}

func pickString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
	}
	return ""
}

func pickFloat(m map[string]any, keys ...string) float64 {
	s := pickString(m, keys...)
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func pickInt(m map[string]any, keys ...string) int64 {
	// Quantities occasionally arrive with a decimal point attached.
	return int64(pickFloat(m, keys...))
}

func pickDecimal(m map[string]any, keys ...string) decimal.Decimal {
	s := pickString(m, keys...)
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

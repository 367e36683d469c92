package learning

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"finsight/internal/types"
)

// maxSignatureLen bounds the canonical string so embedding input stays small
// regardless of record size.
const maxSignatureLen = 2048

// Signature canonicalizes a record into a deterministic string fingerprint.
// Stable key ordering, bucketed numerics, and date truncation mean two records
// that differ only in precise amounts or timestamps share a signature; the
// embedder then guarantees byte-identical signatures produce byte-identical
// vectors.
func Signature(record types.Record, context string) string {
	var b strings.Builder
	b.WriteString("ctx=")
	b.WriteString(strings.ToLower(strings.TrimSpace(context)))
	b.WriteString(";")
	writeCanonical(&b, map[string]any(record))

	sig := b.String()
	if len(sig) > maxSignatureLen {
		sig = sig[:maxSignatureLen]
	}
	return sig
}

func writeCanonical(b *strings.Builder, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("{")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(",")
			}
			b.WriteString(k)
			b.WriteString(":")
			writeCanonical(b, val[k])
		}
		b.WriteString("}")
	case []any:
		b.WriteString("[")
		for i, item := range val {
			if i > 0 {
				b.WriteString(",")
			}
			writeCanonical(b, item)
		}
		b.WriteString("]")
	case string:
		if t, ok := parseDate(val); ok {
			b.WriteString(t.Format("2006-01-02"))
			return
		}
		b.WriteString(strings.ToLower(strings.TrimSpace(val)))
	case float64:
		b.WriteString(bucketNumber(val))
	case int:
		b.WriteString(bucketNumber(float64(val)))
	case int64:
		b.WriteString(bucketNumber(float64(val)))
	case bool:
		fmt.Fprintf(b, "%t", val)
	case nil:
		b.WriteString("null")
	default:
		fmt.Fprintf(b, "%v", val)
	}
}

// bucketNumber maps a numeric value to an order-of-magnitude bucket so that
// 4800 and 5200 fingerprint identically while 50 and 50000 do not.
func bucketNumber(f float64) string {
	if f == 0 {
		return "num:0"
	}
	sign := ""
	if f < 0 {
		sign = "-"
		f = -f
	}
	exp := int(math.Floor(math.Log10(f)))
	return fmt.Sprintf("num:%s1e%d", sign, exp)
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseDate recognizes common date encodings so they can be truncated to the
// ISO date.
func parseDate(s string) (time.Time, bool) {
	if len(s) < 8 || len(s) > 35 {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

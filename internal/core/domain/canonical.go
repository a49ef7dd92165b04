package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// Canonicalization for content hashing. The contract is deterministic:
// identical logical content must digest identically regardless of the
// byte order or whitespace the source presented it in.
//
// Structured records: volatile fields are dropped, string values have
// whitespace runs collapsed to single spaces and are trimmed, and the
// result is marshalled as JSON with lexicographically sorted keys.
// Raw records: whitespace-normalized bytes are digested directly.

// volatileFields are stripped before hashing; they change between
// downloads without the content itself changing.
var volatileFields = map[string]struct{}{
	"id":            {},
	"_id":           {},
	"internal_id":   {},
	"source_id":     {},
	"created_at":    {},
	"updated_at":    {},
	"downloaded_at": {},
}

// ContentHash returns the SHA-256 hex digest of the record's
// canonical byte form.
func (r *Record) ContentHash() string {
	if r.Fields != nil {
		return HashFields(r.Fields)
	}
	return HashBytes(r.Raw)
}

// HashFields digests a structured payload in canonical form.
func HashFields(fields map[string]any) string {
	canonical := canonicalize(fields)
	data, err := json.Marshal(canonical)
	if err != nil {
		// Map values are JSON-representable after canonicalize; a
		// failure here means a non-serializable value leaked in.
		// Hash its string form rather than silently colliding.
		data = []byte(strings.TrimSpace(strings.Join(strings.Fields(
			formatValue(fields)), " ")))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashBytes digests raw content after whitespace normalization.
func HashBytes(raw []byte) string {
	normalized := strings.Join(strings.Fields(string(raw)), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// CombineHashes digests a set of record hashes into one snapshot hash.
// Input order does not matter; hashes are sorted before combining.
func CombineHashes(hashes []string) string {
	sorted := make([]string, len(hashes))
	copy(sorted, hashes)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

// DeriveRecordID produces an identifier for records whose source
// provides none. The digest of the canonical content serves as a
// stable stand-in.
func DeriveRecordID(r *Record) string {
	return r.ContentHash()
}

// canonicalize strips volatile fields and normalizes string whitespace,
// recursively through nested objects and arrays. json.Marshal emits map
// keys in sorted order, which gives the stable field ordering.
func canonicalize(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if _, volatile := volatileFields[k]; volatile {
			continue
		}
		out[k] = canonicalizeValue(v)
	}
	return out
}

func canonicalizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return strings.Join(strings.Fields(val), " ")
	case map[string]any:
		inner := make(map[string]any, len(val))
		for k, iv := range val {
			inner[k] = canonicalizeValue(iv)
		}
		return inner
	case []any:
		items := make([]any, len(val))
		for i, iv := range val {
			items[i] = canonicalizeValue(iv)
		}
		return items
	default:
		return v
	}
}

func formatValue(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString("=")
		if s, ok := fields[k].(string); ok {
			b.WriteString(s)
		}
		b.WriteString(";")
	}
	return b.String()
}

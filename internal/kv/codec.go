package kv

import "strings"

// Separator joins key segments in the current encoding.
// LegacySeparator is the unit-separator byte used by older deployments.
// Writers emit only the current form; readers accept both.
const (
	Separator       = "::"
	LegacySeparator = "\x1f"
)

// Encode maps a key to its storage string. Separator bytes inside a segment
// are stripped so a crafted segment cannot escape into another key.
func Encode(key Key) string {
	var b strings.Builder
	for i, seg := range key {
		if i > 0 {
			b.WriteString(Separator)
		}
		b.WriteString(sanitizeSegment(seg))
	}
	return b.String()
}

// EncodeLegacy produces the legacy on-disk form. Only tests and data
// migration paths write it; the adapters use it to match old entries.
func EncodeLegacy(key Key) string {
	var b strings.Builder
	for i, seg := range key {
		if i > 0 {
			b.WriteString(LegacySeparator)
		}
		b.WriteString(sanitizeSegment(seg))
	}
	return b.String()
}

// Decode maps a storage string back to its key. Strings containing the
// legacy separator are treated as legacy-encoded.
func Decode(encoded string) Key {
	if encoded == "" {
		return Key{}
	}
	if strings.Contains(encoded, LegacySeparator) {
		return Key(strings.Split(encoded, LegacySeparator))
	}
	return Key(strings.Split(encoded, Separator))
}

func sanitizeSegment(seg string) string {
	seg = strings.ReplaceAll(seg, Separator, "")
	return strings.ReplaceAll(seg, LegacySeparator, "")
}

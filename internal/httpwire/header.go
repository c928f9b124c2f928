// Package httpwire implements the HTTP/1.1 message grammar of spec.md
// §4.D: message/header types, a grammar-precise request/response/CGI
// parser, a writer, and the four-variant request-target URI grammar.
// Grounded on original_source's cobra/http/{message,parse,uri,util,header}
// (component D).
package httpwire

import "sort"

// normalizeKey canonicalizes a header key to title-case-with-hyphen
// ("content-type" -> "Content-Type"), the exact algorithm the original
// implementation's header_map::normalize_key uses: uppercase the first
// letter and any letter following a non-letter, lowercase every other
// letter. This resolves spec.md §9's header-case open question: storage
// and wire output always use this canonical form.
func normalizeKey(key string) string {
	b := []byte(key)
	wasAlpha := false
	for i, ch := range b {
		if wasAlpha {
			if ch >= 'A' && ch <= 'Z' {
				b[i] = ch + ('a' - 'A')
			}
		} else if ch >= 'a' && ch <= 'z' {
			b[i] = ch - ('a' - 'A')
		}
		wasAlpha = (b[i] >= 'a' && b[i] <= 'z') || (b[i] >= 'A' && b[i] <= 'Z')
	}
	return string(b)
}

// Header is an HTTP header map keyed case-insensitively; lookups
// normalize both the stored key and the queried key to the same
// canonical form, so Get/Has/Set/Add never depend on caller casing.
type Header map[string]string

// NewHeader returns an empty header map.
func NewHeader() Header { return make(Header) }

// Get returns the header's value and whether it was present.
func (h Header) Get(key string) (string, bool) {
	v, ok := h[normalizeKey(key)]
	return v, ok
}

// Value returns the header's value, or "" if absent.
func (h Header) Value(key string) string {
	return h[normalizeKey(key)]
}

// Has reports whether key is present.
func (h Header) Has(key string) bool {
	_, ok := h[normalizeKey(key)]
	return ok
}

// Set overwrites key's value.
func (h Header) Set(key, value string) {
	h[normalizeKey(key)] = value
}

// Add appends to an existing value (comma-space joined, matching
// insert_or_append) or sets it if absent.
func (h Header) Add(key, value string) {
	k := normalizeKey(key)
	if existing, ok := h[k]; ok {
		h[k] = existing + ", " + value
	} else {
		h[k] = value
	}
}

// Del removes key if present.
func (h Header) Del(key string) {
	delete(h, normalizeKey(key))
}

// Keys returns the header's keys in an arbitrary but stable-for-this-call
// order (sorted), used by the writer for deterministic wire output.
func (h Header) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

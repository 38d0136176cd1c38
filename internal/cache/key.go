package cache

import (
	"net/url"
	"sort"
	"strings"
)

// Key builds a canonical cache key from the request method and URL.
// Query parameters are sorted so that equivalent requests with
// different parameter order share one entry.
func Key(method string, u *url.URL) string {
	var b strings.Builder
	b.WriteString(method)
	b.WriteByte(' ')
	b.WriteString(u.Path)

	if u.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(canonicalQuery(u.Query()))
	}

	return b.String()
}

// canonicalQuery renders query values with sorted keys and sorted
// values per key.
func canonicalQuery(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// Package keycodec canonicalizes raw identifiers into stable dedup keys.
//
// Every function here is pure: the same input and codec configuration yield
// the same key in every process, forever. Keys carry a prefix naming how
// they were derived:
//
//	src:<normalized url>          content item with a usable URL
//	fallback:<host>|<title>       content item without a URL
//	alert:<component>:<signature> alert condition, plus optional dimensions
package keycodec

import (
	"net/url"
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/agos/internal/ir"
)

// Key prefixes.
const (
	PrefixSource   = "src:"
	PrefixFallback = "fallback:"
	PrefixAlert    = "alert:"
)

// DefaultDropKeys are tracking query parameters removed from URLs.
var DefaultDropKeys = []string{"spm", "from", "igshid", "fbclid", "gclid", "mc_cid", "mc_eid", "ref"}

// DefaultDropPrefixes are tracking query parameter prefixes removed from URLs.
var DefaultDropPrefixes = []string{"utm_"}

// Codec holds the tracking-parameter deny lists. The zero value drops nothing.
type Codec struct {
	dropKeys     map[string]bool
	dropPrefixes []string
}

// New creates a Codec with the given deny lists. Entries are matched
// case-insensitively.
func New(dropKeys, dropPrefixes []string) *Codec {
	c := &Codec{dropKeys: make(map[string]bool, len(dropKeys))}
	for _, k := range dropKeys {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			c.dropKeys[k] = true
		}
	}
	for _, p := range dropPrefixes {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			c.dropPrefixes = append(c.dropPrefixes, p)
		}
	}
	return c
}

// Default returns a Codec with DefaultDropKeys and DefaultDropPrefixes.
func Default() *Codec {
	return New(DefaultDropKeys, DefaultDropPrefixes)
}

// Canonicalize derives the dedup key for identifier.
//
// Content identifiers must be URL-shaped (or an existing src:/fallback: key).
// Alert identifiers are taken as already-deterministic signatures and only
// gain the alert: prefix. Canonicalize is idempotent on its own output.
func (c *Codec) Canonicalize(identifier string, kind ir.Kind) (ir.DedupKey, error) {
	id := strings.TrimSpace(identifier)
	if id == "" {
		return "", ir.NewValidationError("identifier", "empty")
	}

	switch kind {
	case ir.KindContent:
		if strings.HasPrefix(id, PrefixFallback) {
			return ir.DedupKey(id), nil
		}
		normalized, _, err := c.NormalizeURL(strings.TrimPrefix(id, PrefixSource))
		if err != nil {
			return "", err
		}
		return ir.DedupKey(PrefixSource + normalized), nil
	case ir.KindAlert:
		if strings.HasPrefix(id, PrefixAlert) {
			return ir.DedupKey(id), nil
		}
		return ir.DedupKey(PrefixAlert + id), nil
	default:
		return "", ir.NewValidationError("kind", "unknown kind %q", kind)
	}
}

// ContentKey derives the key for a content item. The URL wins when it is
// usable; otherwise the key falls back to source host plus normalized title.
func (c *Codec) ContentKey(rawURL, sourceHost, title string) (ir.DedupKey, error) {
	if strings.TrimSpace(rawURL) != "" {
		if normalized, _, err := c.NormalizeURL(rawURL); err == nil {
			return ir.DedupKey(PrefixSource + normalized), nil
		}
	}

	host := normalizeHost(sourceHost)
	t := NormalizeTitle(title)
	if host == "" && t == "" {
		return "", ir.NewValidationError("title", "no usable url, source host or title")
	}
	return ir.DedupKey(PrefixFallback + host + "|" + t), nil
}

// NormalizeURL returns the canonical form of raw and its normalized host.
//
// Scheme and host are lower-cased, a leading "www." is stripped, the fragment
// and deny-listed query parameters are dropped, the remaining parameters are
// sorted and a trailing slash is removed from non-root paths.
func (c *Codec) NormalizeURL(raw string) (normalized, host string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", ir.NewValidationError("url", "%v", err)
	}
	if u.Host == "" {
		return "", "", ir.NewValidationError("url", "not url-shaped: %q", raw)
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "https"
	}
	host = normalizeHost(u.Host)

	path := u.Path
	if path == "" {
		path = "/"
	}
	if path != "/" {
		path = strings.TrimRight(path, "/")
		if path == "" {
			path = "/"
		}
	}

	out := url.URL{
		Scheme:   scheme,
		User:     u.User,
		Host:     host,
		Path:     path,
		RawQuery: c.filterQuery(u.RawQuery),
	}
	return out.String(), host, nil
}

// filterQuery drops tracking parameters and sorts the remaining pairs.
func (c *Codec) filterQuery(raw string) string {
	if raw == "" {
		return ""
	}
	// ParseQuery keeps every pair it could parse; a malformed pair is dropped
	// rather than failing the key.
	values, _ := url.ParseQuery(raw)

	type pair struct{ k, v string }
	var pairs []pair
	for k, vs := range values {
		if c.dropped(k) {
			continue
		}
		for _, v := range vs {
			pairs = append(pairs, pair{k, v})
		}
	}
	slices.SortFunc(pairs, func(a, b pair) int {
		if n := strings.Compare(a.k, b.k); n != 0 {
			return n
		}
		return strings.Compare(a.v, b.v)
	})

	var sb strings.Builder
	for i, p := range pairs {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(p.k))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(p.v))
	}
	return sb.String()
}

func (c *Codec) dropped(key string) bool {
	low := strings.ToLower(key)
	if c.dropKeys[low] {
		return true
	}
	for _, p := range c.dropPrefixes {
		if strings.HasPrefix(low, p) {
			return true
		}
	}
	return false
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	return strings.TrimPrefix(host, "www.")
}

// NormalizeTitle lower-cases (Unicode case folding after NFKC), strips
// punctuation and collapses whitespace.
func NormalizeTitle(title string) string {
	s := cases.Fold().String(norm.NFKC.String(title))
	s = strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) {
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// AlertKey builds the key for an alert condition: component name, condition
// signature and any stable dimensions (date, target) joined by ":".
func AlertKey(component, signature string, dims ...string) (ir.DedupKey, error) {
	component = strings.TrimSpace(component)
	signature = strings.TrimSpace(signature)
	if component == "" {
		return "", ir.NewValidationError("component", "empty")
	}
	if signature == "" {
		return "", ir.NewValidationError("signature", "empty")
	}
	if strings.Contains(component, ":") {
		return "", ir.NewValidationError("component", "must not contain ':'")
	}

	parts := []string{component, signature}
	for _, d := range dims {
		if d = strings.TrimSpace(d); d != "" {
			parts = append(parts, d)
		}
	}
	return ir.DedupKey(PrefixAlert + strings.Join(parts, ":")), nil
}

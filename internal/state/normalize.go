package state

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
)

var trackingParams = []string{
	"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
	"_ga", "gclid", "fbclid", "ref", "source",
	"_", "timestamp", "t", "nocache",
}

var uiFragmentRes = []*regexp.Regexp{
	regexp.MustCompile(`^(modal|popup|tab|panel|section)[-=]`),
	regexp.MustCompile(`^[a-z]+-\d+$`),
	regexp.MustCompile(`^\d+$`),
}

// NormalizeURL canonicalizes a URL for link deduplication: lowercase scheme
// and host, default ports dropped, path cleaned, tracking parameters
// removed, query sorted. Hash routes ("#/swap") are kept; in-page anchors
// are dropped.
func NormalizeURL(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return rawURL
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Host)
	if (parsed.Scheme == "http" && strings.HasSuffix(parsed.Host, ":80")) ||
		(parsed.Scheme == "https" && strings.HasSuffix(parsed.Host, ":443")) {
		parsed.Host = parsed.Host[:strings.LastIndex(parsed.Host, ":")]
	}

	parsed.Path = normalizePath(parsed.Path)
	parsed.RawPath = ""
	if parsed.RawQuery != "" {
		parsed.RawQuery = normalizeQuery(parsed.RawQuery)
	}
	parsed.Fragment = normalizeFragment(parsed.Fragment)
	parsed.RawFragment = ""

	return parsed.String()
}

// StripQueryAndFragment returns scheme://host/path, the identity used for
// screen state hashing.
func StripQueryAndFragment(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
			return rawURL[:i]
		}
		return rawURL
	}
	parsed.RawQuery = ""
	parsed.ForceQuery = false
	parsed.Fragment = ""
	parsed.RawFragment = ""
	return parsed.String()
}

func normalizePath(path string) string {
	if path == "" {
		return "/"
	}

	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	if len(path) > 1 {
		path = strings.TrimSuffix(path, "/")
	}

	parts := strings.Split(path, "/")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		switch part {
		case ".":
			continue
		case "..":
			if len(result) > 1 {
				result = result[:len(result)-1]
			}
		default:
			result = append(result, part)
		}
	}

	out := strings.Join(result, "/")
	if out == "" {
		return "/"
	}
	return out
}

func normalizeQuery(query string) string {
	params, err := url.ParseQuery(query)
	if err != nil {
		return query
	}
	for _, p := range trackingParams {
		params.Del(p)
	}
	return encodeSorted(params)
}

func encodeSorted(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		for _, v := range params[k] {
			parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(parts, "&")
}

func normalizeFragment(fragment string) string {
	fragment = strings.TrimPrefix(fragment, "!")
	if fragment == "" {
		return ""
	}
	if strings.HasPrefix(fragment, "/") {
		path, query, _ := strings.Cut(fragment, "?")
		path = normalizePath(path)
		if query == "" {
			return path
		}
		if params, err := url.ParseQuery(query); err == nil && len(params) > 0 {
			return path + "?" + encodeSorted(params)
		}
		return path
	}
	for _, re := range uiFragmentRes {
		if re.MatchString(fragment) {
			return ""
		}
	}
	// plain anchors like #features are in-page jumps, not routes
	if strings.Contains(fragment, "/") {
		return fragment
	}
	return ""
}

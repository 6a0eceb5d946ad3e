package capture

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// NormalizeTarget resolves the forms a call target may take (a string, a
// URL or a request) to one URL string. Requests whose URL lacks a host are
// completed from Request.Host.
func NormalizeTarget(target interface{}) string {
	switch t := target.(type) {
	case nil:
		return ""
	case string:
		return t
	case *url.URL:
		if t == nil {
			return ""
		}
		return t.String()
	case url.URL:
		return t.String()
	case *http.Request:
		return requestURL(t)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func requestURL(r *http.Request) string {
	if r == nil || r.URL == nil {
		return ""
	}
	u := *r.URL
	if u.Host == "" && r.Host != "" {
		u.Host = r.Host
	}
	if u.Host != "" && u.Scheme == "" {
		u.Scheme = "http"
		if r.TLS != nil {
			u.Scheme = "https"
		}
	}
	return u.String()
}

// ExtractHeaders flattens request headers into a single-valued map. It
// accepts an http.Header (names lower-cased), a plain map, or a list of
// name/value pairs; repeated values are joined with ", ".
func ExtractHeaders(src interface{}) map[string]string {
	result := make(map[string]string)

	switch h := src.(type) {
	case http.Header:
		for k, v := range h {
			result[strings.ToLower(k)] = strings.Join(v, ", ")
		}
	case map[string][]string:
		for k, v := range h {
			result[k] = strings.Join(v, ", ")
		}
	case map[string]string:
		for k, v := range h {
			result[k] = v
		}
	case [][2]string:
		for _, pair := range h {
			appendHeader(result, pair[0], pair[1])
		}
	case [][]string:
		for _, pair := range h {
			if len(pair) < 2 {
				continue
			}
			appendHeader(result, pair[0], pair[1])
		}
	}
	return result
}

func appendHeader(result map[string]string, key, value string) {
	if existing, ok := result[key]; ok {
		result[key] = existing + ", " + value
		return
	}
	result[key] = value
}

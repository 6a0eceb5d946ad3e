package capture

import (
	"mime"
	"strings"
)

// Kind is the coarse classification of a payload by its content type
type Kind int

const (
	KindUnknown Kind = iota // no content type advertised
	KindJSON
	KindForm
	KindMultipart
	KindText
	KindStream
	KindBinary
)

func (k Kind) String() string {
	switch k {
	case KindJSON:
		return "json"
	case KindForm:
		return "form"
	case KindMultipart:
		return "multipart"
	case KindText:
		return "text"
	case KindStream:
		return "stream"
	case KindBinary:
		return "binary"
	default:
		return "unknown"
	}
}

type rule struct {
	kind  Kind
	match func(mediaType string) bool
}

// rules are evaluated in order; the first match wins. Anything that matches
// no rule is binary.
var rules = []rule{
	{KindJSON, func(mt string) bool { return mt == "application/json" || strings.HasSuffix(mt, "+json") }},
	{KindForm, equals("application/x-www-form-urlencoded")},
	{KindMultipart, equals("multipart/form-data")},
	{KindStream, equals("text/event-stream")},
	{KindText, func(mt string) bool { return mt == "application/xml" || strings.HasSuffix(mt, "+xml") }},
	{KindText, func(mt string) bool { return strings.HasPrefix(mt, "text/") }},
	{KindText, equals(
		"application/javascript",
		"application/ecmascript",
		"application/graphql",
		"application/x-ndjson",
	)},
}

func equals(values ...string) func(string) bool {
	return func(mt string) bool {
		for _, v := range values {
			if mt == v {
				return true
			}
		}
		return false
	}
}

// MediaType returns the lower-cased media type of a Content-Type header value
// without its parameters.
func MediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt, _, _ = strings.Cut(contentType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// Classify maps a Content-Type header value to a Kind
func Classify(contentType string) Kind {
	mt := MediaType(contentType)
	if mt == "" {
		return KindUnknown
	}
	for _, r := range rules {
		if r.match(mt) {
			return r.kind
		}
	}
	return KindBinary
}

// IsTextual reports whether a body with this content type is safe to buffer
// as text (JSON, XML, form-encoded or text/*).
func IsTextual(contentType string) bool {
	switch Classify(contentType) {
	case KindJSON, KindForm, KindText:
		return true
	default:
		return false
	}
}

// ContentTypePlaceholder describes a body that was deliberately not read
func ContentTypePlaceholder(contentType string) string {
	mt := MediaType(contentType)
	if mt == "" {
		return "[unknown content-type]"
	}
	return "[" + mt + "]"
}

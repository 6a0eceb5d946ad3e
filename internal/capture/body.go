// Package capture extracts request and response metadata for captured calls
// without disturbing the call itself.
//
// Nothing in this package returns an error to the interceptor: bodies that
// cannot be read or decoded degrade to short bracketed placeholders.
package capture

import (
	"bytes"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"unicode/utf8"
)

const (
	// MaxTextLength is the number of characters kept from a textual body
	MaxTextLength   = 10000
	TruncatedSuffix = "... [truncated]"

	// BodyLimitBytes bounds how much of any body is buffered for capture
	BodyLimitBytes = int64(64 * 1024)

	BinaryPlaceholder             = "[Binary body]"
	UnreadableRequestPlaceholder  = "[Could not read request body]"
	UnreadableResponsePlaceholder = "[Could not read response body]"
)

// Truncate shortens s to MaxTextLength characters, marking the cut
func Truncate(s string) string {
	n := 0
	for i := range s {
		if n == MaxTextLength {
			return s[:i] + TruncatedSuffix
		}
		n++
	}
	return s
}

// DescribeBody turns captured body bytes into the value stored on a call:
// a decoded JSON value, a flat field map for forms, a (possibly truncated)
// string for text, or a placeholder.
func DescribeBody(data []byte, truncated bool, contentType string) interface{} {
	if len(data) == 0 && !truncated {
		return nil
	}

	switch Classify(contentType) {
	case KindJSON:
		if !truncated {
			if v, ok := decodeJSON(data); ok {
				return v
			}
		}
		return textValue(data, truncated)
	case KindForm:
		values, err := url.ParseQuery(string(data))
		if err != nil {
			return textValue(data, truncated)
		}
		return flattenValues(values)
	case KindMultipart:
		return describeMultipart(data, contentType)
	case KindStream:
		return ContentTypePlaceholder(contentType)
	case KindText, KindUnknown:
		if truncated {
			data = trimPartialRune(data)
		}
		if !utf8.Valid(data) {
			return BinaryPlaceholder
		}
		if !truncated {
			if v, ok := decodeJSON(data); ok {
				return v
			}
		}
		return textValue(data, truncated)
	default:
		return BinaryPlaceholder
	}
}

// RequestBody captures the body of req without consuming it. It returns the
// request that should actually be sent, which is either req itself or a
// clone whose body is buffered or teed, and a function that yields the
// captured value once the round trip has settled.
func RequestBody(req *http.Request) (*http.Request, func() interface{}) {
	if req == nil || req.Body == nil || req.Body == http.NoBody {
		return req, func() interface{} { return nil }
	}
	contentType := req.Header.Get("Content-Type")

	if req.GetBody != nil {
		value := describeFromGetBody(req.GetBody, contentType)
		return req, func() interface{} { return value }
	}
	if req.ContentLength > 0 && req.ContentLength <= BodyLimitBytes {
		return bufferRequest(req, contentType)
	}

	// Unknown or large length: only what the transport sends is seen, so a
	// call that fails before sending records no body.
	tee := newTeeBody(req.Body, BodyLimitBytes, nil)
	out := req.Clone(req.Context())
	out.Body = tee
	return out, func() interface{} {
		c := tee.buf.snapshot()
		if c.total == 0 {
			return nil
		}
		return DescribeBody(c.data, c.truncated, contentType)
	}
}

// bufferRequest reads a small body of declared length up front, so it is
// recorded even when the round trip fails before anything is sent.
func bufferRequest(req *http.Request, contentType string) (*http.Request, func() interface{}) {
	original := req.Body
	data, err := io.ReadAll(io.LimitReader(original, req.ContentLength))

	out := req.Clone(req.Context())
	if err != nil {
		out.Body = &replayReadCloser{
			Reader: io.MultiReader(bytes.NewReader(data), errReader{err: err}),
			closer: original,
		}
		return out, func() interface{} { return UnreadableRequestPlaceholder }
	}
	original.Close()

	out.Body = io.NopCloser(bytes.NewReader(data))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	value := DescribeBody(data, false, contentType)
	return out, func() interface{} { return value }
}

func describeFromGetBody(getBody func() (io.ReadCloser, error), contentType string) interface{} {
	body, err := getBody()
	if err != nil {
		return UnreadableRequestPlaceholder
	}
	defer body.Close()

	data, truncated, err := readLimited(body, BodyLimitBytes)
	if err != nil {
		return UnreadableRequestPlaceholder
	}
	return DescribeBody(data, truncated, contentType)
}

// ResponseBody captures resp's body while the caller consumes it; the
// response itself is never held back. done receives a function describing
// the body exactly once: immediately when the body is not captured,
// otherwise when the caller reaches EOF, reads past BodyLimitBytes, hits a
// read error or closes the body. With textOnly set, a body whose content
// type is not textual is left untouched and described by a content-type
// placeholder instead.
func ResponseBody(resp *http.Response, textOnly bool, done func(describe func() interface{})) {
	if resp == nil || resp.Body == nil || resp.Body == http.NoBody || resp.ContentLength == 0 {
		done(func() interface{} { return nil })
		return
	}
	contentType := resp.Header.Get("Content-Type")

	if Classify(contentType) == KindStream || (textOnly && !IsTextual(contentType)) {
		placeholder := ContentTypePlaceholder(contentType)
		done(func() interface{} { return placeholder })
		return
	}

	length := resp.ContentLength
	resp.Body = newTeeBody(resp.Body, BodyLimitBytes, func(c captured) {
		done(func() interface{} { return describeResponse(c, length, contentType) })
	})
}

func describeResponse(c captured, length int64, contentType string) interface{} {
	if c.err != nil {
		return UnreadableResponsePlaceholder
	}
	if c.total == 0 {
		return nil
	}
	complete := c.complete || (length > 0 && c.total == length)
	return DescribeBody(c.data, c.truncated || !complete, contentType)
}

func decodeJSON(data []byte) (interface{}, bool) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false
	}
	return v, true
}

func textValue(data []byte, truncated bool) string {
	if truncated {
		data = trimPartialRune(data)
	}
	s := Truncate(string(data))
	if truncated && len(s) == len(data) {
		s += TruncatedSuffix
	}
	return s
}

// trimPartialRune drops a multi-byte rune cut in half by a byte limit
func trimPartialRune(data []byte) []byte {
	start := len(data) - 1
	for start >= 0 && len(data)-start < utf8.UTFMax && !utf8.RuneStart(data[start]) {
		start--
	}
	if start >= 0 && !utf8.FullRune(data[start:]) {
		return data[:start]
	}
	return data
}

func flattenValues(values url.Values) map[string]string {
	fields := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) == 0 {
			fields[k] = ""
			continue
		}
		fields[k] = v[len(v)-1]
	}
	return fields
}

func describeMultipart(data []byte, contentType string) interface{} {
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil || params["boundary"] == "" {
		return BinaryPlaceholder
	}

	fields := make(map[string]string)
	mr := multipart.NewReader(bytes.NewReader(data), params["boundary"])
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		name := part.FormName()
		if name == "" {
			part.Close()
			continue
		}
		if filename := part.FileName(); filename != "" {
			fields[name] = "[File: " + filename + "]"
			part.Close()
			continue
		}
		value, err := io.ReadAll(io.LimitReader(part, BodyLimitBytes))
		part.Close()
		if err != nil {
			break
		}
		fields[name] = Truncate(string(value))
	}

	if len(fields) == 0 {
		return BinaryPlaceholder
	}
	return fields
}

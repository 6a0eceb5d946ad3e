package models

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Origin identifies which interceptor produced a captured call
type Origin string

const (
	OriginClient Origin = "client"
	OriginServer Origin = "server"
)

// CapturedCall represents one observed outbound HTTP call.
//
// A call that failed before a response existed carries Status 0 and a
// non-empty Error and never a ResponseBody. A completed call never carries
// an Error. Values are immutable once built by an interceptor.
type CapturedCall struct {
	ID           string            `json:"id"`
	Method       string            `json:"method"`
	URL          string            `json:"url"`
	Status       int               `json:"status"`
	DurationMs   int64             `json:"durationMs"`
	Headers      map[string]string `json:"headers"`
	RequestBody  interface{}       `json:"requestBody,omitempty"`
	ResponseBody interface{}       `json:"responseBody,omitempty"`
	Error        string            `json:"error,omitempty"`
	Success      bool              `json:"success"`
	Timestamp    time.Time         `json:"timestamp"`
	Origin       Origin            `json:"origin"`
}

// Failed reports whether the call never produced a response
func (c CapturedCall) Failed() bool {
	return c.Error != ""
}

// IsSuccessStatus reports whether status falls in the range treated as success
func IsSuccessStatus(status int) bool {
	return status >= 200 && status < 400
}

// Curl renders the call as an equivalent curl command line
func (c CapturedCall) Curl() string {
	parts := []string{"curl -X " + c.Method + " " + shellQuote(c.URL)}

	keys := make([]string, 0, len(c.Headers))
	for k := range c.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, "  -H "+shellQuote(k+": "+c.Headers[k]))
	}

	if c.RequestBody != nil {
		var body string
		switch v := c.RequestBody.(type) {
		case string:
			body = v
		default:
			data, err := json.Marshal(v)
			if err != nil {
				break
			}
			body = string(data)
		}
		if body != "" {
			parts = append(parts, "  -d "+shellQuote(body))
		}
	}

	return strings.Join(parts, " \\\n")
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

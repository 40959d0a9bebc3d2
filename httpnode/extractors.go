package httpnode

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// HTTPStatusExtractor maps 2xx to up, 4xx to degraded and anything else to
// down. The body is ignored.
var HTTPStatusExtractor StatusExtractor = func(_ []byte, statusCode int) Status {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusUp
	case statusCode >= 400 && statusCode < 500:
		return StatusDegraded
	default:
		return StatusDown
	}
}

// JSONFieldExtractor reads the field at a dot-separated path, for example
// "checks.redis.status", and maps common health words onto a [Status].
// Unparseable bodies and missing fields are [StatusUnknown].
func JSONFieldExtractor(path string) StatusExtractor {
	keys := strings.Split(path, ".")
	return func(body []byte, _ int) Status {
		var doc any
		if err := json.Unmarshal(body, &doc); err != nil {
			return StatusUnknown
		}
		value, ok := lookupPath(doc, keys)
		if !ok {
			return StatusUnknown
		}
		return statusWord(strings.ToLower(value))
	}
}

func lookupPath(doc any, keys []string) (string, bool) {
	for _, key := range keys {
		obj, ok := doc.(map[string]any)
		if !ok {
			return "", false
		}
		if doc, ok = obj[key]; !ok {
			return "", false
		}
	}

	switch v := doc.(type) {
	case string:
		return v, v != ""
	case bool:
		return strconv.FormatBool(v), true
	case float64:
		switch v {
		case 1:
			return "true", true
		case 0:
			return "false", true
		}
		return strconv.FormatFloat(v, 'f', -1, 64), true
	default:
		return "", false
	}
}

func statusWord(s string) Status {
	switch s {
	case "ok", "healthy", "up", "active", "running", "pass", "passed", "true", "green", "none", "operational":
		return StatusUp
	case "degraded", "warning", "warn", "partial", "yellow", "amber":
		return StatusDegraded
	default:
		return StatusDown
	}
}

// RegexExtractor compares the first capture group of pattern with upMatch,
// ignoring case. A body without a match is [StatusUnknown].
func RegexExtractor(pattern, upMatch string) (StatusExtractor, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("pattern %q has no capture group", pattern)
	}
	return func(body []byte, _ int) Status {
		m := re.FindSubmatch(body)
		if len(m) < 2 {
			return StatusUnknown
		}
		if strings.EqualFold(string(m[1]), upMatch) {
			return StatusUp
		}
		return StatusDown
	}, nil
}

// MustRegexExtractor is [RegexExtractor] for constant patterns.
func MustRegexExtractor(pattern, upMatch string) StatusExtractor {
	e, err := RegexExtractor(pattern, upMatch)
	if err != nil {
		panic("httpnode: " + err.Error())
	}
	return e
}

// ContainsExtractor is up when the body contains text, ignoring case.
func ContainsExtractor(text string) StatusExtractor {
	needle := strings.ToLower(text)
	return func(body []byte, _ int) Status {
		if strings.Contains(strings.ToLower(string(body)), needle) {
			return StatusUp
		}
		return StatusDown
	}
}

// FirstMatch returns the first result that is not [StatusUnknown].
func FirstMatch(extractors ...StatusExtractor) StatusExtractor {
	return func(body []byte, statusCode int) Status {
		for _, e := range extractors {
			if s := e(body, statusCode); s != StatusUnknown {
				return s
			}
		}
		return StatusUnknown
	}
}

// DefaultExtractor reads a top-level JSON "status" field and falls back to
// the HTTP status code.
var DefaultExtractor = FirstMatch(
	JSONFieldExtractor("status"),
	HTTPStatusExtractor,
)

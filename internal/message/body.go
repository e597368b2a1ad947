package message

import (
	"encoding/json"
	"net/url"
	"strings"
)

// ToJSON decodes body as JSON when it is a valid document and otherwise returns it
// unchanged as a string. Nil and empty bodies become "".
func ToJSON(body []byte) any {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return string(body)
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
		return v
	}
	return string(body)
}

// RequestBody coerces a captured request body: JSON first, then form-urlencoded
// when the content type says so, else the raw string.
func RequestBody(contentType string, body []byte) any {
	v := ToJSON(body)
	if _, isString := v.(string); !isString {
		return v
	}
	if strings.HasPrefix(strings.ToLower(contentType), "application/x-www-form-urlencoded") {
		if form, ok := parseForm(string(body)); ok {
			return form
		}
	}
	return v
}

func parseForm(raw string) (map[string]any, bool) {
	values, err := url.ParseQuery(raw)
	if err != nil || len(values) == 0 {
		return nil, false
	}
	out := make(map[string]any, len(values))
	for k, vals := range values {
		if len(vals) == 1 {
			out[k] = vals[0]
			continue
		}
		list := make([]any, len(vals))
		for i, v := range vals {
			list[i] = v
		}
		out[k] = list
	}
	return out, true
}

// BodyBytes renders a coerced body back to wire bytes: strings verbatim, anything
// else as compact JSON.
func BodyBytes(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case string:
		return []byte(b), nil
	case []byte:
		return b, nil
	default:
		return json.Marshal(b)
	}
}

// IsJSONContentType reports whether a Content-Type header names a JSON payload.
func IsJSONContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "application/json") || strings.Contains(ct, "+json")
}

package message

// ResendRequest asks the proxy to replay a captured request.
type ResendRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    any               `json:"body,omitempty"`
	// BodyEdits maps gjson-style paths to replacement values applied to a
	// JSON body before sending.
	BodyEdits map[string]any `json:"bodyEdits,omitempty"`
	// Forward sends the request through the proxy's forward path instead of
	// straight at the captured target.
	Forward bool `json:"forward,omitempty"`
}

package message

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	graphQLOperation = regexp.MustCompile(`^\s*(query|mutation|subscription)\s+([A-Za-z_][A-Za-z0-9_]*)`)
	idLikeSegment    = regexp.MustCompile(`^([0-9]+|[0-9a-fA-F-]{16,}|[0-9a-fA-F]{24})$`)
)

// Endpoint derives the short label shown next to a request. GraphQL requests are
// labelled by operation; everything else by its last meaningful path segment.
func Endpoint(method, rawURL string, body []byte) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}

	if strings.Contains(strings.ToLower(u.Path), "graphql") {
		if op := graphQLOperationName(body, u.Query()); op != "" {
			return "GraphQL " + op
		}
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := len(segments) - 1; i >= 0; i-- {
		seg := segments[i]
		if seg == "" || idLikeSegment.MatchString(seg) {
			continue
		}
		return seg
	}
	return ""
}

func graphQLOperationName(body []byte, query url.Values) string {
	if len(body) > 0 && gjson.ValidBytes(body) {
		root := gjson.ParseBytes(body)
		if root.IsArray() {
			var ops []string
			for _, item := range root.Array() {
				if op := operationFrom(item.Get("operationName").String(), item.Get("query").String()); op != "" {
					ops = append(ops, op)
				}
			}
			return strings.Join(ops, ", ")
		}
		return operationFrom(root.Get("operationName").String(), root.Get("query").String())
	}
	return operationFrom(query.Get("operationName"), query.Get("query"))
}

func operationFrom(name, query string) string {
	if name != "" {
		return name
	}
	if m := graphQLOperation.FindStringSubmatch(query); m != nil {
		return m[2]
	}
	return ""
}

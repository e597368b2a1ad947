package proxyconfig

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// regexMeta is the set of characters that turn a rule path into a regex.
// A lone '.' is common in host-prefixed paths and does not count.
const regexMeta = `\^$*+?()[]{}|`

var (
	regexCacheMu sync.Mutex
	regexCache   = map[string]*regexp.Regexp{}
)

// IsRegexPath reports whether a rule path is matched as a regular expression.
func IsRegexPath(path string) bool {
	return strings.ContainsAny(path, regexMeta)
}

// Match selects the most specific rule for a request. A rule is a candidate when its
// protocol equals protocol or it is the browser catch-all, and only when
// forward == (rule protocol is browser). Plain paths are prefix matched against the
// normalized request path, as-is and prefixed with clientHost; regex paths need a
// non-empty match. The longest rule path wins; nil when nothing matches.
func Match(cfgs []*ProxyConfig, protocol Protocol, clientHost, requestURL string, forward bool) *ProxyConfig {
	reqPath := normalizePath(requestURL)
	candidates := []string{reqPath}
	if clientHost != "" {
		candidates = append(candidates, clientHost+reqPath)
	}

	var best *ProxyConfig
	for _, cfg := range cfgs {
		if cfg.Protocol != protocol && cfg.Protocol != Browser {
			continue
		}
		if forward != (cfg.Protocol == Browser) {
			continue
		}
		if !pathMatches(cfg.Path, candidates) {
			continue
		}
		if best == nil || len(cfg.Path) > len(best.Path) {
			best = cfg
		}
	}
	return best
}

func pathMatches(rulePath string, candidates []string) bool {
	if IsRegexPath(rulePath) {
		if re := compileRule(rulePath); re != nil {
			for _, c := range candidates {
				if re.FindString(c) != "" {
					return true
				}
			}
			return false
		}
	}
	for _, c := range candidates {
		if strings.HasPrefix(c, rulePath) {
			return true
		}
	}
	return false
}

func compileRule(rulePath string) *regexp.Regexp {
	regexCacheMu.Lock()
	defer regexCacheMu.Unlock()
	if re, ok := regexCache[rulePath]; ok {
		return re
	}
	re, err := regexp.Compile(rulePath)
	if err != nil {
		re = nil
	}
	regexCache[rulePath] = re
	return re
}

// normalizePath reduces a request target (absolute URL or origin-form) to its path
// and query, collapsing doubled slashes.
func normalizePath(requestURL string) string {
	p, q, _ := strings.Cut(requestURL, "?")
	if strings.Contains(requestURL, "://") {
		if u, err := url.Parse(requestURL); err == nil {
			p, q = u.Path, u.RawQuery
		}
	}
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	if p == "" {
		p = "/"
	}
	if q != "" {
		p += "?" + q
	}
	return p
}

// Ephemeral synthesizes a rule from a forward-proxy URL so arbitrary destinations
// can be proxied without a registered rule.
func Ephemeral(requestURL string) (*ProxyConfig, error) {
	u, err := url.Parse(requestURL)
	if err != nil {
		return nil, fmt.Errorf("proxyconfig: parse forward url: %w", err)
	}
	if u.Host == "" {
		return nil, NewError(CodeValidation, fmt.Sprintf("not a forward-proxy url: %q", requestURL), nil)
	}

	secure := u.Scheme == "https" || u.Scheme == "wss"
	proto := HTTP
	if secure {
		proto = HTTPS
	}

	port := 80
	if secure {
		port = 443
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, NewError(CodeValidation, fmt.Sprintf("bad port in %q", requestURL), err)
		}
		port = n
	}

	return &ProxyConfig{
		Protocol:      proto,
		Path:          "/",
		Hostname:      u.Hostname(),
		Port:          port,
		Recording:     true,
		HostReachable: true,
		IsSecure:      secure,
		Comment:       DynamicComment,
	}, nil
}

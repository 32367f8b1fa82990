package aggregate

import (
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/vyrodovalexey/fanoutgw/internal/config"
	"github.com/vyrodovalexey/fanoutgw/internal/util"
)

// Pattern is a parsed URL template with one identifier-list placeholder.
//
// Templates are either paths ("/users/{Endpoint_IDs}/") or absolute URLs
// ("http://example.com/{Endpoint_IDs}/"). Absolute templates also require
// the request host to match. The placeholder must fill a whole path
// segment and may only be followed by a trailing slash; everything in the
// request path after the identifier segment is forwarded to the backend.
type Pattern struct {
	raw    string
	host   string
	prefix []string
}

// ParsePattern parses and validates a URL template.
func ParsePattern(raw string) (*Pattern, error) {
	if n := strings.Count(raw, config.EndpointIDsPlaceholder); n != 1 {
		return nil, util.NewConfigError("patterns",
			"template "+quote(raw)+" must contain exactly one "+config.EndpointIDsPlaceholder)
	}

	p := &Pattern{raw: raw}
	path := raw
	if !strings.HasPrefix(raw, "/") {
		// url.Parse would escape the braces, so split off the path by hand.
		scheme, rest, ok := strings.Cut(raw, "://")
		if !ok || (scheme != "http" && scheme != "https") {
			return nil, util.NewConfigError("patterns", "template "+quote(raw)+" must be a path or an http(s) URL")
		}
		host, tail, _ := strings.Cut(rest, "/")
		if host == "" || strings.Contains(host, config.EndpointIDsPlaceholder) {
			return nil, util.NewConfigError("patterns", "template "+quote(raw)+" has no valid host")
		}
		p.host = strings.ToLower(host)
		path = "/" + tail
	}

	segments := strings.Split(path, "/")[1:]
	idx := -1
	for i, seg := range segments {
		if strings.Contains(seg, config.EndpointIDsPlaceholder) {
			if seg != config.EndpointIDsPlaceholder {
				return nil, util.NewConfigError("patterns",
					"placeholder in "+quote(raw)+" must fill a whole path segment")
			}
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, util.NewConfigError("patterns", "placeholder in "+quote(raw)+" must be in the path")
	}

	rest := segments[idx+1:]
	if len(rest) > 1 || (len(rest) == 1 && rest[0] != "") {
		return nil, util.NewConfigError("patterns",
			"template "+quote(raw)+" cannot have path segments after the placeholder")
	}

	for _, seg := range segments[:idx] {
		if seg == "" {
			return nil, util.NewConfigError("patterns", "template "+quote(raw)+" has an empty path segment")
		}
		unescaped, err := url.PathUnescape(seg)
		if err != nil {
			return nil, util.NewConfigErrorWithCause("patterns", "template "+quote(raw)+" is not a valid path", err)
		}
		p.prefix = append(p.prefix, unescaped)
	}

	return p, nil
}

// String returns the template as configured.
func (p *Pattern) String() string {
	return p.raw
}

// match returns the raw identifier segment and the escaped remainder of
// the path after it.
func (p *Pattern) match(r *http.Request) (ids, remainder string, ok bool) {
	if p.host != "" && !p.matchHost(r.Host) {
		return "", "", false
	}

	escaped := r.URL.EscapedPath()
	if !strings.HasPrefix(escaped, "/") {
		return "", "", false
	}
	segments := strings.Split(escaped[1:], "/")
	if len(segments) <= len(p.prefix) {
		return "", "", false
	}

	for i, want := range p.prefix {
		got, err := url.PathUnescape(segments[i])
		if err != nil || got != want {
			return "", "", false
		}
	}

	raw := segments[len(p.prefix)]
	if raw == "" {
		return "", "", false
	}
	ids, err := url.PathUnescape(raw)
	if err != nil {
		return "", "", false
	}

	return ids, "/" + strings.Join(segments[len(p.prefix)+1:], "/"), true
}

func (p *Pattern) matchHost(requestHost string) bool {
	requestHost = strings.ToLower(requestHost)
	if requestHost == p.host {
		return true
	}
	if _, _, err := net.SplitHostPort(p.host); err == nil {
		return false
	}
	hostname, _, err := net.SplitHostPort(requestHost)
	return err == nil && hostname == p.host
}

package backend

import (
	"net"
	"net/http"
	"strings"
)

// hopHeaders are headers that must not be forwarded in either direction.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RemoveHopHeaders deletes hop-by-hop headers, including any listed in the
// Connection header.
func RemoveHopHeaders(h http.Header) {
	for _, value := range h.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// ForwardHeaders copies the inbound request headers onto an outbound
// request, dropping hop-by-hop headers and setting X-Forwarded-*.
func ForwardHeaders(out, in *http.Request) {
	out.Header = in.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	RemoveHopHeaders(out.Header)

	if clientIP, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		if prior := in.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		out.Header.Set("X-Forwarded-For", clientIP)
	}

	if in.TLS != nil {
		out.Header.Set("X-Forwarded-Proto", "https")
	} else {
		out.Header.Set("X-Forwarded-Proto", "http")
	}

	if in.Host != "" {
		out.Header.Set("X-Forwarded-Host", in.Host)
	}
}

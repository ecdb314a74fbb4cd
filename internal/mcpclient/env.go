package mcpclient

import (
	"net/http"
	"os"
	"strings"
)

// resolveMap expands ${VAR[:default]} references in each value against the
// broker's own process environment. There is no corpus library for
// env-template-with-defaults, so this is deliberately built on the
// stdlib's os.Expand rather than a hand-rolled parser.
func resolveMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = expandWithDefault(v)
	}
	return out
}

func expandWithDefault(s string) string {
	return os.Expand(s, func(ref string) string {
		name, def, hasDefault := strings.Cut(ref, ":")
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		if hasDefault {
			return def
		}
		return ""
	})
}

// headerRoundTripper injects a fixed set of headers into every request,
// used to carry per-server auth headers over sse/http_stream transports.
type headerRoundTripper struct {
	headers map[string]string
	base    http.RoundTripper
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, v := range h.headers {
		clone.Header.Set(k, v)
	}
	base := h.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}

func httpClientWithHeaders(headers map[string]string) *http.Client {
	if len(headers) == 0 {
		return nil
	}
	return &http.Client{Transport: &headerRoundTripper{headers: headers}}
}

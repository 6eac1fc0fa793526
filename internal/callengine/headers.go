package callengine

import (
	"net/url"
	"strconv"
	"strings"

	"google.golang.org/grpc/metadata"

	"github.com/dubbogo/triple/internal/h2"
)

// headersToMD converts decoded HTTP/2 headers into gRPC metadata,
// dropping pseudo-headers (":method", ":path", ...) and the handful of
// reserved header names the call engine interprets itself.
func headersToMD(h h2.Headers) metadata.MD {
	md := metadata.MD{}
	for _, f := range h {
		if strings.HasPrefix(f.Name, ":") {
			continue
		}
		switch f.Name {
		case "content-type", "te", "grpc-status", "grpc-message", "grpc-timeout", "user-agent":
			continue
		}
		md.Append(f.Name, f.Value)
	}
	return md
}

// mdToHeaders renders metadata plus a leading set of fixed (name, value)
// pairs into wire headers, preserving pair order for the fixed set.
func mdToHeaders(md metadata.MD, fixed ...string) h2.Headers {
	h := make(h2.Headers, 0, len(fixed)/2+len(md))
	for i := 0; i+1 < len(fixed); i += 2 {
		h = append(h, h2.Header{Name: fixed[i], Value: fixed[i+1]})
	}
	for k, vs := range md {
		for _, v := range vs {
			h = append(h, h2.Header{Name: k, Value: v})
		}
	}
	return h
}

func percentEncode(s string) string { return url.QueryEscape(s) }

func percentDecode(s string) string {
	v, err := url.QueryUnescape(s)
	if err != nil {
		return s
	}
	return v
}

func atoiOr(s string, def int) int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}

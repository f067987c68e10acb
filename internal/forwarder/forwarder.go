// Package forwarder implements the one-shot HTTP request/response bridge
// (component C2) between a tunnel_request frame and a local HTTP origin.
package forwarder

import (
	"bytes"
	"fmt"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"github.com/tunnelagent/edge-agent/internal/protocol"
)

// hopByHopHeaders are stripped from both directions per spec §4.2, plus
// "host" which is additionally stripped from requests so the tunnel's
// public hostname is never leaked to the local origin.
var hopByHopHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

var (
	sharedClient     *http.Client
	sharedClientOnce sync.Once
)

// client returns the process-wide HTTP client, built once, reused for
// keep-alive pooling across every tunnel_request. Automatic redirect
// following is disabled so the public client sees the origin's redirect
// verbatim (spec §4.2).
func client() *http.Client {
	sharedClientOnce.Do(func() {
		transport := &http.Transport{
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		}
		sharedClient = &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	})
	return sharedClient
}

// Request is the forwarder's input, matching spec §4.2's contract.
type Request struct {
	LocalHost   string
	LocalPort   int
	Method      string
	Path        string
	Query       string
	Headers     []protocol.HeaderPair
	Body        []byte
	BodyPresent bool
}

// Response is the forwarder's output.
type Response struct {
	Status      int
	Headers     []protocol.HeaderPair
	Body        []byte
	BodyPresent bool
}

// Forward performs exactly one request/response to the local origin.
func Forward(req Request) (Response, error) {
	url := fmt.Sprintf("http://%s:%d%s", req.LocalHost, req.LocalPort, req.Path)
	if req.Query != "" {
		url += "?" + req.Query
	}

	var bodyReader *bytes.Reader
	if req.BodyPresent {
		bodyReader = bytes.NewReader(req.Body)
	} else {
		bodyReader = bytes.NewReader(nil)
	}

	httpReq, err := http.NewRequest(req.Method, url, bodyReader)
	if err != nil {
		return Response{}, fmt.Errorf("building request: %w", err)
	}

	applyHeaders(httpReq.Header, req.Headers)
	stripHopByHop(httpReq.Header)
	httpReq.Host = ""

	resp, err := client().Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("forwarding request: %w", err)
	}
	defer resp.Body.Close()

	respHeaders := collectHeaders(resp.Header)

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return Response{}, fmt.Errorf("reading response body: %w", err)
	}

	return Response{
		Status:      resp.StatusCode,
		Headers:     respHeaders,
		Body:        buf.Bytes(),
		BodyPresent: buf.Len() > 0,
	}, nil
}

// BadGateway synthesizes the 502 the dispatcher sends back to the server
// when Forward returns an error (spec §4.2, §7).
func BadGateway(err error) Response {
	return Response{
		Status:      http.StatusBadGateway,
		Headers:     []protocol.HeaderPair{{"content-type", "text/plain"}},
		Body:        []byte(fmt.Sprintf("Bad Gateway: %s", err)),
		BodyPresent: true,
	}
}

// applyHeaders copies headers onto dst, skipping any with an invalid name or
// value rather than aborting the request (spec §4.2).
func applyHeaders(dst http.Header, headers []protocol.HeaderPair) {
	for _, pair := range headers {
		name, value := pair[0], pair[1]
		if !validHeaderName(name) || !validHeaderValue(value) {
			continue
		}
		dst.Add(name, value)
	}
}

func validHeaderName(name string) bool {
	if name == "" {
		return false
	}
	return textproto.TrimString(name) == name && isToken(name)
}

// isToken reports whether s is a valid HTTP header field-name token.
func isToken(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c >= 127 {
			return false
		}
		switch c {
		case '(', ')', '<', '>', '@', ',', ';', ':', '\\', '"', '/', '[', ']', '?', '=', '{', '}':
			return false
		}
	}
	return true
}

func validHeaderValue(v string) bool {
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == '\r' || c == '\n' || c == 0 {
			return false
		}
	}
	return true
}

func stripHopByHop(h http.Header) {
	for name := range h {
		if _, ok := hopByHopHeaders[strings.ToLower(name)]; ok {
			h.Del(name)
		}
	}
}

func collectHeaders(h http.Header) []protocol.HeaderPair {
	stripHopByHop(h)
	pairs := make([]protocol.HeaderPair, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			pairs = append(pairs, protocol.HeaderPair{name, v})
		}
	}
	return pairs
}

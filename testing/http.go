// Package testing provides an http.RoundTripper that answers requests with
// canned responses, so HTTP clients can be tested without a server.
package testing

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// Response is a canned answer for a route. Body takes precedence over
// File. A zero Status means 200.
type Response struct {
	Status int
	Header http.Header
	Body   string
	File   string
}

// JSON is a 200 response with a JSON body.
func JSON(body string) Response {
	return Response{
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   body,
	}
}

// Status is an empty response with the given status code.
func Status(code int) Response {
	return Response{Status: code}
}

type mockedRouterTripper struct {
	t         testing.TB
	routes    map[string]Response
	seenURLsM sync.Mutex
	seenURLs  map[string]int
}

// RoundTrip routes by "METHOD URL". Requests with a body are routed by
// "METHOD URL%%%BODY".
func (m *mockedRouterTripper) RoundTrip(
	request *http.Request) (*http.Response, error) {

	urlStr := request.URL.String()
	routerKey := request.Method + " " + urlStr
	rr := httptest.NewRecorder()
	var postData []byte
	if request.Body != nil && request.Body != http.NoBody {
		var err error
		postData, err = io.ReadAll(request.Body)
		if err != nil {
			http.Error(rr, err.Error(), http.StatusInternalServerError)

			httpResp := rr.Result()
			httpResp.Request = request
			return httpResp, nil
		}
		if len(postData) > 0 {
			routerKey += "%%%" + string(postData)
		}
	}

	resp, ok := m.routes[routerKey]
	if !ok {
		var requestBodyStr = string(postData)
		if requestBodyStr == "" {
			m.t.Errorf("unexpected http request: %v", routerKey)
		} else {
			m.t.Errorf("unexpected http request: %v\nBody: %v",
				request.Method+" "+urlStr, requestBodyStr)
		}
		rr2 := httptest.NewRecorder()
		rr2.WriteHeader(http.StatusNotFound)
		httpResp := rr2.Result()
		httpResp.Request = request
		return httpResp, nil
	}

	m.seenURLsM.Lock()
	if m.seenURLs == nil {
		m.seenURLs = make(map[string]int)
	}
	m.seenURLs[routerKey]++
	m.seenURLsM.Unlock()

	body := []byte(resp.Body)
	if resp.Body == "" && resp.File != "" {
		var err error
		body, err = os.ReadFile(resp.File)
		if err != nil {
			m.t.Errorf("failed to read response file %v: %v", resp.File, err)
		}
	}
	for k, vs := range resp.Header {
		for _, v := range vs {
			rr.Header().Add(k, v)
		}
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	rr.WriteHeader(status)
	_, _ = rr.Write(body)

	rr2 := rr.Result()
	rr2.Request = request
	return rr2, nil
}

func (m *mockedRouterTripper) hits(key string) int {
	m.seenURLsM.Lock()
	defer m.seenURLsM.Unlock()
	return m.seenURLs[key]
}

type mockHTTPClientOptions struct {
	ignoreUntouchedURLs bool
	hits                *Hits
}

type MockHTTPClientOption func(*mockHTTPClientOptions)

func IgnoreUntouchedURLs() MockHTTPClientOption {
	return func(opts *mockHTTPClientOptions) {
		opts.ignoreUntouchedURLs = true
	}
}

// Hits reports how many times a route was requested.
type Hits func(routeKey string) int

// ExposeHits stores the hit counter of the mocked transport into h.
func ExposeHits(h *Hits) MockHTTPClientOption {
	return func(opts *mockHTTPClientOptions) {
		opts.hits = h
	}
}

// MockHTTPClient replaces http.DefaultTransport until the returned
// function is called. Unless IgnoreUntouchedURLs is set, every route must
// have been requested by then.
func MockHTTPClient(t testing.TB, routes map[string]Response,
	opts ...MockHTTPClientOption) func() {

	var op mockHTTPClientOptions
	for _, o := range opts {
		o(&op)
	}

	oldRoundTripper := http.DefaultTransport
	transport := &mockedRouterTripper{t: t, routes: routes}
	http.DefaultTransport = transport
	if op.hits != nil {
		*op.hits = transport.hits
	}
	return func() {
		http.DefaultTransport = oldRoundTripper

		if !op.ignoreUntouchedURLs {
			for u := range routes {
				assert.True(t, transport.hits(u) > 0,
					"found a URL in routes that we did not touch: %v", u)
			}
		}
	}
}

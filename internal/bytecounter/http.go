package bytecounter

//
// Code to wrap an http.RoundTripper
//

import (
	"io"
	"net/http"
)

// Transport is an http.RoundTripper that counts bytes. We count the
// request and response bodies exactly and we estimate the size of the
// headers by serializing their textual representation. Counting happens
// at a single layer, so cleartext and encrypted bytes are never counted
// twice for the same request.
type Transport struct {
	// RoundTripper is the underlying http.RoundTripper.
	RoundTripper http.RoundTripper

	// Counter is the byte counter.
	Counter *Counter
}

// NewTransport creates a new byte-counting-aware HTTP transport.
func NewTransport(txp http.RoundTripper, counter *Counter) *Transport {
	return &Transport{
		RoundTripper: txp,
		Counter:      counter,
	}
}

var _ http.RoundTripper = &Transport{}

// RoundTrip implements http.RoundTripper.RoundTrip.
func (txp *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		req.Body = &bodyWrapper{
			account: txp.Counter.CountBytesSent,
			rc:      req.Body,
		}
	}
	txp.Counter.CountBytesSent(len(req.Method) + len(req.URL.String()) +
		headersSize(req.Header))
	resp, err := txp.RoundTripper.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	txp.Counter.CountBytesReceived(len(resp.Status) + headersSize(resp.Header))
	resp.Body = &bodyWrapper{
		account: txp.Counter.CountBytesReceived,
		rc:      resp.Body,
	}
	return resp, nil
}

// CloseIdleConnections closes the idle connections.
func (txp *Transport) CloseIdleConnections() {
	type closer interface {
		CloseIdleConnections()
	}
	if c, ok := txp.RoundTripper.(closer); ok {
		c.CloseIdleConnections()
	}
}

// headersSize returns the size of serializing the headers in textual
// form, including the empty line terminating the headers block.
func headersSize(headers http.Header) (total int) {
	for key, values := range headers {
		for _, value := range values {
			total += len(key) + len(": ") + len(value) + len("\r\n")
		}
	}
	return total + len("\r\n")
}

type bodyWrapper struct {
	account func(int)
	rc      io.ReadCloser
}

func (r *bodyWrapper) Read(p []byte) (int, error) {
	count, err := r.rc.Read(p)
	if count > 0 {
		r.account(count)
	}
	return count, err
}

func (r *bodyWrapper) Close() error {
	return r.rc.Close()
}

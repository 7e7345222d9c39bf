// Package httpx contains the HTTP facade we use to communicate
// with OONI backend services.
package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ooni/nettest2/internal/bytecounter"
	"github.com/ooni/nettest2/internal/model"
)

// DefaultMaxBodySize is the default value for the maximum
// body size you can fetch using a Client.
const DefaultMaxBodySize = 1 << 22

// DefaultTimeout is the timeout we use for backend requests
// unless the Client overrides it.
const DefaultTimeout = 5 * time.Second

// Client is an extended HTTP client speaking with a specific
// backend endpoint. To construct a Client, make sure you
// initialize all fields marked as MANDATORY.
type Client struct {
	// BaseURL is the MANDATORY base URL of the API.
	BaseURL string

	// Counter is the OPTIONAL byte counter. When set, we account
	// the bytes moved by each request to this counter.
	Counter *bytecounter.Counter

	// HTTPClient is the OPTIONAL underlying http client. When not
	// set, we construct one wrapping the default transport.
	HTTPClient *http.Client

	// Host OPTIONALLY sets a specific host header. This is useful
	// to implement, e.g., cloudfronting.
	Host string

	// Logger is the MANDATORY logger to use.
	Logger model.Logger

	// Timeout is the OPTIONAL per-request timeout. When not set,
	// we use DefaultTimeout.
	Timeout time.Duration

	// UserAgent is the OPTIONAL user agent to use.
	UserAgent string
}

// ErrRequestFailed indicates that the server returned >= 400.
var ErrRequestFailed = errors.New("httpx: request failed")

// newRequest creates a new request bounded by the client's timeout.
func (c *Client) newRequest(ctx context.Context, method, URL string,
	body io.Reader) (*http.Request, context.CancelFunc, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	request, err := http.NewRequestWithContext(ctx, method, URL, body)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	request.Host = c.Host // allow cloudfronting
	if c.UserAgent != "" {
		request.Header.Set("User-Agent", c.UserAgent)
	}
	return request, cancel, nil
}

// httpClient returns the http client to use.
func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	txp := http.RoundTripper(http.DefaultTransport)
	if c.Counter != nil {
		txp = bytecounter.NewTransport(txp, c.Counter)
	}
	return &http.Client{Transport: txp}
}

// do performs the request and returns the response body or an error.
func (c *Client) do(request *http.Request) ([]byte, error) {
	c.Logger.Debugf("httpx: %s %s", request.Method, request.URL.String())
	response, err := c.httpClient().Do(request)
	if err != nil {
		return nil, model.NewLibraryError("net/http", err)
	}
	defer response.Body.Close()
	if response.StatusCode >= 400 {
		return nil, model.NewLibraryError("net/http",
			fmt.Errorf("%w: %s", ErrRequestFailed, response.Status))
	}
	r := io.LimitReader(response.Body, DefaultMaxBodySize)
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, model.NewLibraryError("net/http", err)
	}
	c.Logger.Debugf("httpx: response body: %d bytes", len(data))
	return data, nil
}

// FetchResource fetches the resource at BaseURL+resourcePath and
// returns its body. The request is bounded by the lifetime of the
// context passed as argument as well as by the client's timeout.
func (c *Client) FetchResource(ctx context.Context, resourcePath string) ([]byte, error) {
	request, cancel, err := c.newRequest(ctx, "GET", c.BaseURL+resourcePath, nil)
	if err != nil {
		return nil, err
	}
	defer cancel()
	return c.do(request)
}

// GetJSON reads the JSON resource at BaseURL+resourcePath and
// unmarshals the result into output. The request is bounded by the
// lifetime of the context passed as argument as well as by the
// client's timeout. Returns the error that occurred.
func (c *Client) GetJSON(ctx context.Context, resourcePath string, output interface{}) error {
	request, cancel, err := c.newRequest(ctx, "GET", c.BaseURL+resourcePath, nil)
	if err != nil {
		return err
	}
	defer cancel()
	data, err := c.do(request)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, output); err != nil {
		return model.NewLibraryError("encoding/json", err)
	}
	return nil
}

// Post posts the given raw body to BaseURL+resourcePath and returns
// the response body. When body is empty we send a request without a
// body. The request is bounded by the context's lifetime as well as
// by the client's timeout.
func (c *Client) Post(ctx context.Context, resourcePath string, body []byte) ([]byte, error) {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	request, cancel, err := c.newRequest(ctx, "POST", c.BaseURL+resourcePath, reader)
	if err != nil {
		return nil, err
	}
	defer cancel()
	request.Header.Set("Content-Type", "application/json")
	return c.do(request)
}

// PostJSON creates a JSON subresource of the resource at
// BaseURL+resourcePath using the JSON document at input and
// unmarshaling the response body into output. When output is nil, we
// ignore the response body. The request is bounded by the context's
// lifetime as well as by the client's timeout. Returns the error
// that occurred.
func (c *Client) PostJSON(ctx context.Context,
	resourcePath string, input, output interface{}) error {
	data, err := json.Marshal(input)
	if err != nil {
		return model.NewLibraryError("encoding/json", err)
	}
	c.Logger.Debugf("httpx: request body: %d bytes", len(data))
	request, cancel, err := c.newRequest(
		ctx, "POST", c.BaseURL+resourcePath, bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer cancel()
	request.Header.Set("Content-Type", "application/json")
	data, err = c.do(request)
	if err != nil {
		return err
	}
	if output == nil {
		return nil
	}
	if err := json.Unmarshal(data, output); err != nil {
		return model.NewLibraryError("encoding/json", err)
	}
	return nil
}

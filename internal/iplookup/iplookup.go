// Package iplookup discovers the probe's public IP address.
package iplookup

import (
	"context"
	"encoding/xml"
	"errors"
	"net"
	"strings"

	"github.com/ooni/nettest2/internal/bytecounter"
	"github.com/ooni/nettest2/internal/httpx"
	"github.com/ooni/nettest2/internal/model"
)

// ErrInvalidIPAddress indicates that the lookup service returned a
// string that actually isn't a valid IP address.
var ErrInvalidIPAddress = errors.New("iplookup: not a valid IP address")

// ubuntuServiceURL is the URL of the geolocation service we use.
const ubuntuServiceURL = "https://geoip.ubuntu.com"

// Client performs IP lookups. To construct a Client, make sure you
// initialize all fields marked as MANDATORY.
type Client struct {
	// BaseURL OPTIONALLY overrides the URL of the lookup service.
	// This is intended for testing.
	BaseURL string

	// Counter is the OPTIONAL byte counter.
	Counter *bytecounter.Counter

	// Logger is the MANDATORY logger to use.
	Logger model.Logger

	// UserAgent is the OPTIONAL user agent to use.
	UserAgent string
}

// ubuntuResponse is the response returned by the Ubuntu geolocation
// service. We only care about the IP address.
type ubuntuResponse struct {
	XMLName xml.Name `xml:"Response"`
	IP      string   `xml:"Ip"`
}

// Do discovers the probe IP. On failure, we return DefaultProbeIP
// along with the error that occurred.
func (c *Client) Do(ctx context.Context) (string, error) {
	baseURL := c.BaseURL
	if baseURL == "" {
		baseURL = ubuntuServiceURL
	}
	apiClient := &httpx.Client{
		BaseURL:   baseURL,
		Counter:   c.Counter,
		Logger:    c.Logger,
		UserAgent: c.UserAgent,
	}
	data, err := apiClient.FetchResource(ctx, "/lookup")
	if err != nil {
		return model.DefaultProbeIP, err
	}
	var response ubuntuResponse
	if err := xml.Unmarshal(data, &response); err != nil {
		return model.DefaultProbeIP, model.NewLibraryError("encoding/xml", err)
	}
	ip := strings.ToLower(strings.TrimSpace(response.IP))
	if net.ParseIP(ip) == nil {
		return model.DefaultProbeIP, ErrInvalidIPAddress
	}
	c.Logger.Debugf("iplookup: probe IP: %s", ip)
	return ip, nil
}

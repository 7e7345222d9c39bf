// Package bouncer implements the bouncer client. The bouncer tells
// us which collectors and test helpers we could use.
package bouncer

import (
	"context"
	"strings"

	"github.com/ooni/nettest2/internal/bytecounter"
	"github.com/ooni/nettest2/internal/httpx"
	"github.com/ooni/nettest2/internal/model"
)

// Client is a client for the bouncer API. To construct a Client,
// make sure you initialize all fields marked as MANDATORY.
type Client struct {
	// BaseURL is the MANDATORY base URL of the bouncer.
	BaseURL string

	// Counter is the OPTIONAL byte counter.
	Counter *bytecounter.Counter

	// Logger is the MANDATORY logger to use.
	Logger model.Logger

	// UserAgent is the OPTIONAL user agent to use.
	UserAgent string
}

// netTestRecord describes a nettest to the bouncer.
type netTestRecord struct {
	InputHashes interface{} `json:"input-hashes"`
	Name        string      `json:"name"`
	TestHelpers []string    `json:"test-helpers"`
	Version     string      `json:"version"`
}

// queryRequest is the request for the net-tests resource.
type queryRequest struct {
	NetTests []netTestRecord `json:"net-tests"`
}

// alternateEndpoint describes an alternate collector or test
// helper endpoint within the bouncer response.
type alternateEndpoint struct {
	Type    string `json:"type"`
	Address string `json:"address"`
	Front   string `json:"front"`
}

// netTestReply is a single entry within the bouncer response.
type netTestReply struct {
	Collector            string                         `json:"collector"`
	CollectorAlternate   []alternateEndpoint            `json:"collector-alternate"`
	TestHelpers          map[string]string              `json:"test-helpers"`
	TestHelpersAlternate map[string][]alternateEndpoint `json:"test-helpers-alternate"`
}

// queryResponse is the response for the net-tests resource.
type queryResponse struct {
	NetTests []netTestReply `json:"net-tests"`
}

// makeEndpoint maps an alternate endpoint entry to an EndpointInfo.
// The second return value indicates whether the entry's type is one
// that we know. We skip entries we don't know.
func makeEndpoint(entry alternateEndpoint) (model.EndpointInfo, bool) {
	switch entry.Type {
	case "https":
		return model.EndpointInfo{
			Type:    model.EndpointTypeHTTPS,
			Address: entry.Address,
		}, true
	case "cloudfront":
		return model.EndpointInfo{
			Type:    model.EndpointTypeCloudfront,
			Address: entry.Address,
			Front:   entry.Front,
		}, true
	}
	return model.EndpointInfo{}, false
}

// Query asks the bouncer for the collectors and test helpers
// suitable for running the given nettest. The returned collectors
// are in the order served by the bouncer, with the onion collector
// first and the alternate ones after it.
func (c *Client) Query(ctx context.Context, nettestName string,
	testHelperNames []string, nettestVersion string) (
	[]model.EndpointInfo, map[string][]model.EndpointInfo, error) {
	c.Logger.Debugf("bouncer: nettest name: %s", nettestName)
	c.Logger.Debugf("bouncer: test helpers: %v", testHelperNames)
	c.Logger.Debugf("bouncer: nettest version: %s", nettestVersion)
	request := &queryRequest{
		NetTests: []netTestRecord{{
			InputHashes: nil,
			Name:        nettestName,
			TestHelpers: testHelperNames,
			Version:     nettestVersion,
		}},
	}
	apiClient := &httpx.Client{
		BaseURL:   strings.TrimRight(c.BaseURL, "/"),
		Counter:   c.Counter,
		Logger:    c.Logger,
		UserAgent: c.UserAgent,
	}
	c.Logger.Infof("Contacting bouncer: %s/bouncer/net-tests", apiClient.BaseURL)
	var response queryResponse
	err := apiClient.PostJSON(ctx, "/bouncer/net-tests", request, &response)
	if err != nil {
		return nil, nil, err
	}
	var collectors []model.EndpointInfo
	testHelpers := make(map[string][]model.EndpointInfo)
	for _, entry := range response.NetTests {
		if entry.Collector != "" {
			collectors = append(collectors, model.EndpointInfo{
				Type:    model.EndpointTypeOnion,
				Address: entry.Collector,
			})
		}
		for _, alt := range entry.CollectorAlternate {
			if epnt, good := makeEndpoint(alt); good {
				collectors = append(collectors, epnt)
			}
		}
		for name, address := range entry.TestHelpers {
			testHelpers[name] = append(testHelpers[name], model.EndpointInfo{
				Type:    model.EndpointTypeOnion,
				Address: address,
			})
		}
		for name, alts := range entry.TestHelpersAlternate {
			for _, alt := range alts {
				if epnt, good := makeEndpoint(alt); good {
					testHelpers[name] = append(testHelpers[name], epnt)
				}
			}
		}
	}
	for _, epnt := range collectors {
		c.Logger.Debugf("bouncer: collector: %+v", epnt)
	}
	for name, epnts := range testHelpers {
		for _, epnt := range epnts {
			c.Logger.Debugf("bouncer: test helper %s: %+v", name, epnt)
		}
	}
	return collectors, testHelpers, nil
}

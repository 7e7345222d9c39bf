package main

//
// Nettests bundled with the command line client
//

import (
	"context"
	"io"
	"net/http"
	"sort"

	nettest2 "github.com/ooni/nettest2"
	"github.com/ooni/nettest2/internal/bytecounter"
)

// newNettest creates the nettest with the given name. The return
// value is nil when no such nettest exists.
func newNettest(name string) nettest2.Nettest {
	switch name {
	case "noop":
		return &noopNettest{}
	case "urlget":
		return &urlgetNettest{}
	}
	return nil
}

// nettestNames returns the sorted names of the available nettests.
func nettestNames() []string {
	names := []string{"noop", "urlget"}
	sort.Strings(names)
	return names
}

// noopNettest is a nettest that does not measure anything. It is
// useful to exercise the session machinery end to end.
type noopNettest struct{}

var _ nettest2.Nettest = &noopNettest{}

// Name implements Nettest.
func (nt *noopNettest) Name() string {
	return "noop"
}

// Version implements Nettest.
func (nt *noopNettest) Version() string {
	return "0.1.0"
}

// TestHelpers implements Nettest.
func (nt *noopNettest) TestHelpers() []string {
	return nil
}

// NeedsInput implements Nettest.
func (nt *noopNettest) NeedsInput() bool {
	return false
}

// Run implements Nettest.
func (nt *noopNettest) Run(ctx context.Context, settings *nettest2.Settings,
	nctx *nettest2.NettestContext, input string,
	counter *bytecounter.Counter) (map[string]interface{}, error) {
	return map[string]interface{}{"success": true}, nil
}

// urlgetMaxBodySize is the maximum response body size fetched by
// the urlget nettest.
const urlgetMaxBodySize = 1 << 22

// urlgetNettest fetches each input URL using GET and records the
// status code and the body length.
type urlgetNettest struct{}

var _ nettest2.Nettest = &urlgetNettest{}

// Name implements Nettest.
func (nt *urlgetNettest) Name() string {
	return "urlget"
}

// Version implements Nettest.
func (nt *urlgetNettest) Version() string {
	return "0.1.0"
}

// TestHelpers implements Nettest.
func (nt *urlgetNettest) TestHelpers() []string {
	return nil
}

// NeedsInput implements Nettest.
func (nt *urlgetNettest) NeedsInput() bool {
	return true
}

// Run implements Nettest.
func (nt *urlgetNettest) Run(ctx context.Context, settings *nettest2.Settings,
	nctx *nettest2.NettestContext, input string,
	counter *bytecounter.Counter) (map[string]interface{}, error) {
	testKeys := map[string]interface{}{"failure": nil}
	clnt := &http.Client{
		Transport: bytecounter.NewTransport(http.DefaultTransport, counter),
	}
	defer clnt.CloseIdleConnections()
	req, err := http.NewRequestWithContext(ctx, "GET", input, nil)
	if err != nil {
		testKeys["failure"] = err.Error()
		return testKeys, err
	}
	req.Header.Set("User-Agent",
		settings.Options.SoftwareName+"/"+settings.Options.SoftwareVersion)
	resp, err := clnt.Do(req)
	if err != nil {
		testKeys["failure"] = err.Error()
		return testKeys, err
	}
	defer resp.Body.Close()
	testKeys["status_code"] = resp.StatusCode
	body, err := io.ReadAll(io.LimitReader(resp.Body, urlgetMaxBodySize))
	if err != nil {
		testKeys["failure"] = err.Error()
		return testKeys, err
	}
	testKeys["body_length"] = len(body)
	return testKeys, nil
}

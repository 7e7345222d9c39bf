// Package nettest2 implements a network measurement session. A
// session takes a nettest, that is a pluggable probe performing one
// kind of network measurement over zero or more inputs, and runs it
// to completion: it discovers backend services using the bouncer,
// determines the probe's IP, ASN, country code, and resolver,
// opens a report with the collector, measures every input with
// bounded parallelism submitting each measurement to the collector,
// and finally closes the report. Progress, failures, logs, and
// measurements are delivered to the caller as a stream of events.
package nettest2

import (
	"context"

	"github.com/ooni/nettest2/internal/bytecounter"
	"github.com/ooni/nettest2/internal/model"
)

// NettestContext contains the information discovered while setting
// up a measurement session. The runner fills this structure before
// spawning workers, so workers may read it without locking.
type NettestContext struct {
	// Collectors contains the collectors returned by the bouncer.
	Collectors []model.EndpointInfo

	// ProbeASN is the probe's autonomous system number.
	ProbeASN string

	// ProbeCC is the probe's country code.
	ProbeCC string

	// ProbeIP is the probe's public IP address.
	ProbeIP string

	// ProbeNetworkName is the name of the probe's network.
	ProbeNetworkName string

	// ReportID is the ID of the open report, or the empty
	// string when there is no open report.
	ReportID string

	// ResolverIP is the IP address of the system resolver.
	ResolverIP string

	// TestHelpers maps each test helper name to the endpoints
	// returned by the bouncer for that helper.
	TestHelpers map[string][]model.EndpointInfo
}

// Nettest is a pluggable probe performing one kind of network
// measurement. The runner invokes Run once per input. When the
// session parallelism is greater than one, Run must be safe for
// concurrent use.
type Nettest interface {
	// Name returns the nettest name.
	Name() string

	// Version returns the nettest version.
	Version() string

	// TestHelpers returns the names of the test helpers that
	// this nettest requires.
	TestHelpers() []string

	// NeedsInput indicates whether this nettest requires input. A
	// nettest not requiring input runs exactly once with the empty
	// string as input.
	NeedsInput() bool

	// Run measures the given input and returns the test keys. The
	// nettest should account the bytes it moves to the counter and
	// should honour the context for early cancellation. On failure,
	// Run returns a non-nil error along with possibly-partial test
	// keys, and the session continues with the next input.
	Run(ctx context.Context, settings *Settings, nctx *NettestContext,
		input string, counter *bytecounter.Counter) (map[string]interface{}, error)
}

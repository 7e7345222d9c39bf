// Package resolverlookup discovers the IP address of the system
// resolver. We resolve a well known magic domain whose authoritative
// name server replies with the address of the requesting resolver.
package resolverlookup

import (
	"context"
	"errors"
	"net"

	"github.com/ooni/nettest2/internal/bytecounter"
	"github.com/ooni/nettest2/internal/model"
)

// ErrNoIPAddressReturned indicates that the lookup did not return
// any IP address.
var ErrNoIPAddressReturned = errors.New("resolverlookup: no IP address returned")

// magicDomain is the domain that returns the resolver's address.
const magicDomain = "whoami.akamai.net"

// queryEstimate is an upper bound estimate of the bytes moved by the
// lookup. We assume the query takes a maximum size IP datagram, that
// is 512 bytes in each direction.
const queryEstimate = 512

// hostLookupper is anything that can lookup a host.
type hostLookupper interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// Client performs resolver lookups. To construct a Client, make sure
// you initialize all fields marked as MANDATORY.
type Client struct {
	// Counter is the OPTIONAL byte counter.
	Counter *bytecounter.Counter

	// Logger is the MANDATORY logger to use.
	Logger model.Logger

	// Resolver OPTIONALLY overrides the resolver we use. When not
	// set, we use the system resolver. This is intended for testing.
	Resolver hostLookupper
}

// Do discovers the resolver IP. On failure, we return
// DefaultResolverIP along with the error that occurred.
func (c *Client) Do(ctx context.Context) (string, error) {
	reso := c.Resolver
	if reso == nil {
		reso = net.DefaultResolver
	}
	return c.do(ctx, reso)
}

// do implements Do using the given host lookupper.
func (c *Client) do(ctx context.Context, reso hostLookupper) (string, error) {
	if c.Counter != nil {
		c.Counter.CountBytesSent(queryEstimate)
		c.Counter.CountBytesReceived(queryEstimate)
	}
	addrs, err := reso.LookupHost(ctx, magicDomain)
	if err != nil {
		return model.DefaultResolverIP, model.NewLibraryError("net", err)
	}
	if len(addrs) < 1 {
		return model.DefaultResolverIP, ErrNoIPAddressReturned
	}
	c.Logger.Debugf("resolverlookup: resolver IP: %s", addrs[0])
	return addrs[0], nil
}

package model

//
// Collector and test-helper endpoints
//

// EndpointType is the type of an endpoint discovered using the bouncer.
type EndpointType string

const (
	// EndpointTypeNone means we don't know the endpoint type.
	EndpointTypeNone = EndpointType("")

	// EndpointTypeOnion identifies an onion endpoint.
	EndpointTypeOnion = EndpointType("onion")

	// EndpointTypeCloudfront identifies a cloudfronted endpoint.
	EndpointTypeCloudfront = EndpointType("cloudfront")

	// EndpointTypeHTTPS identifies an HTTPS endpoint.
	EndpointTypeHTTPS = EndpointType("https")
)

// EndpointInfo describes a collector or test-helper endpoint. The Front
// field is only meaningful when Type is EndpointTypeCloudfront.
type EndpointInfo struct {
	// Type is the endpoint type.
	Type EndpointType

	// Address is the endpoint address.
	Address string

	// Front is the domain to use for fronting.
	Front string
}

package model

//
// Definition of the measurement envelope submitted to the collector.
//

const (
	// DefaultProbeASNString is the default probe ASN as a string.
	DefaultProbeASNString = "AS0"

	// DefaultProbeCC is the default probe CC.
	DefaultProbeCC = "ZZ"

	// DefaultProbeIP is the default probe IP.
	DefaultProbeIP = "127.0.0.1"

	// DefaultProbeNetworkName is the default probe network name.
	DefaultProbeNetworkName = ""

	// DefaultResolverIP is the default resolver IP.
	DefaultResolverIP = ""
)

// MeasurementTestHelper is an entry inside Measurement.TestHelpers. The
// Front field is only present for cloudfronted test helpers.
type MeasurementTestHelper struct {
	// Address is the test helper address.
	Address string `json:"address"`

	// Type is the test helper type ("onion", "https", or "cloudfront").
	Type string `json:"type"`

	// Front is the front to use with "cloudfront" test helpers.
	Front string `json:"front,omitempty"`
}

// Measurement is a measurement result. This structure is compatible
// with the definition of the base data format in
// https://github.com/ooni/spec/blob/master/data-formats/df-000-base.md.
type Measurement struct {
	// Annotations contains results annotations.
	Annotations map[string]string `json:"annotations"`

	// ID is the locally generated measurement ID.
	ID string `json:"id"`

	// Input is the measurement input.
	Input string `json:"input"`

	// InputHashes contains input hashes.
	InputHashes []string `json:"input_hashes"`

	// MeasurementStartTime is the time when the measurement started.
	MeasurementStartTime string `json:"measurement_start_time"`

	// Options contains command line options.
	Options []string `json:"options"`

	// ProbeASN contains the probe autonomous system number.
	ProbeASN string `json:"probe_asn"`

	// ProbeCC contains the probe country code.
	ProbeCC string `json:"probe_cc"`

	// ProbeCity contains the probe city. It is currently always null.
	ProbeCity *string `json:"probe_city"`

	// ProbeIP contains the probe IP.
	ProbeIP string `json:"probe_ip"`

	// ReportID contains the report ID.
	ReportID string `json:"report_id"`

	// SoftwareName contains the software name.
	SoftwareName string `json:"software_name"`

	// SoftwareVersion contains the software version.
	SoftwareVersion string `json:"software_version"`

	// TestHelpers contains the test helpers used by the nettest,
	// indexed by the name with which the nettest knows them.
	TestHelpers map[string]MeasurementTestHelper `json:"test_helpers"`

	// TestName contains the test name.
	TestName string `json:"test_name"`

	// TestStartTime contains the test start time.
	TestStartTime string `json:"test_start_time"`

	// TestVersion contains the test version.
	TestVersion string `json:"test_version"`

	// MeasurementRuntime contains the measurement runtime. The JSON name
	// is test_runtime because this is the name expected by the OONI
	// collector even though that name is clearly a misleading one.
	MeasurementRuntime float64 `json:"test_runtime"`

	// TestKeys contains the real test result. Each nettest fills this
	// object with its own keys; the runner then adds client_resolver.
	TestKeys map[string]interface{} `json:"test_keys"`
}

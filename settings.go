package nettest2

//
// Settings and their parsing from serialized JSON
//

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/ooni/nettest2/internal/version"
)

// LogLevel is the severity level of log messages.
type LogLevel int

const (
	// LogLevelQuiet suppresses all log messages.
	LogLevelQuiet = LogLevel(iota)

	// LogLevelErr only emits error messages.
	LogLevelErr

	// LogLevelWarning also emits warning messages.
	LogLevelWarning

	// LogLevelInfo also emits informational messages.
	LogLevelInfo

	// LogLevelDebug also emits debug messages.
	LogLevelDebug

	// LogLevelDebug2 also emits very verbose debug messages.
	LogLevelDebug2
)

// String implements fmt.Stringer.
func (ll LogLevel) String() string {
	switch ll {
	case LogLevelQuiet:
		return "QUIET"
	case LogLevelErr:
		return "ERR"
	case LogLevelWarning:
		return "WARNING"
	case LogLevelInfo:
		return "INFO"
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelDebug2:
		return "DEBUG2"
	}
	return "WARNING"
}

// ParseLogLevel maps the serialized representation of a log level
// onto the corresponding LogLevel value.
func ParseLogLevel(s string) (LogLevel, error) {
	switch s {
	case "QUIET":
		return LogLevelQuiet, nil
	case "ERR":
		return LogLevelErr, nil
	case "WARNING":
		return LogLevelWarning, nil
	case "INFO":
		return LogLevelInfo, nil
	case "DEBUG":
		return LogLevelDebug, nil
	case "DEBUG2":
		return LogLevelDebug2, nil
	}
	return LogLevelWarning, fmt.Errorf(
		"%w: cannot convert '%s' to a log level; expected one of: "+
			"QUIET, ERR, WARNING, INFO, DEBUG, DEBUG2", ErrInvalidSettings, s)
}

// DefaultEngineName is the default name of this engine.
const DefaultEngineName = "nettest2"

// DefaultBouncerBaseURL is the bouncer we use unless the
// settings override it.
const DefaultBouncerBaseURL = "https://bouncer.ooni.io"

// DefaultMaxRuntime is the default maximum runtime in seconds.
const DefaultMaxRuntime = 90

// Options contains the options that appear inside the 'options'
// sub-dictionary of the serialized settings.
type Options struct {
	// AllEndpoints indicates whether to measure all endpoints.
	AllEndpoints bool

	// BouncerBaseURL is the base URL of the bouncer.
	BouncerBaseURL string

	// CABundlePath is the path of the CA bundle to use.
	CABundlePath string

	// CollectorBaseURL optionally forces a specific collector. When
	// empty we use the first HTTPS collector returned by the bouncer.
	CollectorBaseURL string

	// EngineName is the name of this engine.
	EngineName string

	// EngineVersion is the version of this engine.
	EngineVersion string

	// EngineVersionFull is the full version of this engine.
	EngineVersionFull string

	// GeoIPASNPath is the path of the ASN database.
	GeoIPASNPath string

	// GeoIPCountryPath is the path of the country database.
	GeoIPCountryPath string

	// MaxRuntime is the maximum runtime in seconds.
	MaxRuntime uint16

	// NoASNLookup disables the ASN lookup.
	NoASNLookup bool

	// NoBouncer disables contacting the bouncer.
	NoBouncer bool

	// NoCCLookup disables the country code lookup.
	NoCCLookup bool

	// NoCollector disables submitting to a collector.
	NoCollector bool

	// NoFileReport disables writing a report file.
	NoFileReport bool

	// NoIPLookup disables the probe IP lookup.
	NoIPLookup bool

	// NoResolverLookup disables the resolver lookup.
	NoResolverLookup bool

	// Parallelism is the number of parallel workers measuring
	// input. Zero means use the default.
	Parallelism uint8

	// Platform overrides the platform name in measurements.
	Platform string

	// Port is the port used by nettests requiring a port.
	Port uint16

	// ProbeIP overrides the probe IP. When set, no IP lookup occurs.
	ProbeIP string

	// ProbeASN overrides the probe ASN. When set, no ASN lookup
	// occurs and ProbeNetworkName is used as the network name.
	ProbeASN string

	// ProbeNetworkName overrides the probe network name. Only used
	// when ProbeASN is also set.
	ProbeNetworkName string

	// ProbeCC overrides the probe country code. When set, no
	// country code lookup occurs.
	ProbeCC string

	// RandomizeInput indicates whether to shuffle the input list.
	RandomizeInput bool

	// SaveRealProbeASN indicates whether measurements contain the
	// real probe ASN and network name.
	SaveRealProbeASN bool

	// SaveRealProbeIP indicates whether measurements contain the
	// real probe IP.
	SaveRealProbeIP bool

	// SaveRealProbeCC indicates whether measurements contain the
	// real probe country code.
	SaveRealProbeCC bool

	// SaveRealResolverIP indicates whether measurements contain
	// the real resolver IP.
	SaveRealResolverIP bool

	// Server is the server used by nettests requiring a server.
	Server string

	// SoftwareName is the name of the application.
	SoftwareName string

	// SoftwareVersion is the version of the application.
	SoftwareVersion string
}

// Settings contains the settings of a measurement session. The
// settings are immutable once the session is running.
type Settings struct {
	// Annotations contains user-supplied annotations that we copy
	// inside each measurement.
	Annotations map[string]string

	// Inputs contains the inputs to measure.
	Inputs []string

	// InputFilepaths contains paths of files to read inputs from.
	InputFilepaths []string

	// LogFilepath is the path of the file where to write logs.
	LogFilepath string

	// LogLevel is the verbosity of log events.
	LogLevel LogLevel

	// Name is the name of the nettest to run.
	Name string

	// OutputFilepath is the path of the file where to write the
	// measurements we performed.
	OutputFilepath string

	// Options contains the session options.
	Options Options
}

// NewSettings creates Settings with the default values that apply
// when the corresponding setting is not specified.
func NewSettings() *Settings {
	return &Settings{
		LogLevel: LogLevelWarning,
		Options: Options{
			BouncerBaseURL:     DefaultBouncerBaseURL,
			EngineName:         DefaultEngineName,
			EngineVersion:      version.Version,
			EngineVersionFull:  version.Version,
			MaxRuntime:         DefaultMaxRuntime,
			RandomizeInput:     true,
			SaveRealProbeASN:   true,
			SaveRealProbeIP:    false,
			SaveRealProbeCC:    true,
			SaveRealResolverIP: true,
			SoftwareName:       DefaultEngineName,
			SoftwareVersion:    version.Version,
		},
	}
}

// ErrInvalidSettings indicates that the serialized settings did not
// parse correctly.
var ErrInvalidSettings = fmt.Errorf("nettest2: invalid settings")

// boolCompatWarning is the warning we emit once when a boolean
// option is provided as a number.
const boolCompatWarning = "Found number variable where a boolean was expected " +
	"and treating it as a boolean. This is for backward compatibility with " +
	"MK <= 0.9.0-alpha.9 where we did not allow boolean variables. Change " +
	"your code to use boolean to get rid of this warning. Be aware that we " +
	"will remove this backward compatibility hack in the future, so change " +
	"your code today to avoid your app breaking sometime in the future. Please!"

// flexBool is a boolean that also accepts a number, where any
// nonzero number maps to true. We remember whether we parsed a
// number so that we can emit a compatibility warning.
type flexBool struct {
	Value      bool
	FromNumber bool
}

var _ json.Unmarshaler = &flexBool{}

// UnmarshalJSON implements json.Unmarshaler.
func (fb *flexBool) UnmarshalJSON(data []byte) error {
	var value bool
	if err := json.Unmarshal(data, &value); err == nil {
		fb.Value, fb.FromNumber = value, false
		return nil
	}
	var number float64
	if err := json.Unmarshal(data, &number); err != nil {
		return fmt.Errorf("%w: cannot parse '%s' as a boolean",
			ErrInvalidSettings, string(data))
	}
	fb.Value, fb.FromNumber = number != 0, true
	return nil
}

// flexUint8 is an unsigned 8-bit integer that rejects fractional
// and out-of-range values.
type flexUint8 struct {
	Value uint8
}

var _ json.Unmarshaler = &flexUint8{}

// UnmarshalJSON implements json.Unmarshaler.
func (fu *flexUint8) UnmarshalJSON(data []byte) error {
	value, err := parseUnsigned(data, math.MaxUint8)
	if err != nil {
		return err
	}
	fu.Value = uint8(value)
	return nil
}

// flexUint16 is an unsigned 16-bit integer that rejects fractional
// and out-of-range values.
type flexUint16 struct {
	Value uint16
}

var _ json.Unmarshaler = &flexUint16{}

// UnmarshalJSON implements json.Unmarshaler.
func (fu *flexUint16) UnmarshalJSON(data []byte) error {
	value, err := parseUnsigned(data, math.MaxUint16)
	if err != nil {
		return err
	}
	fu.Value = uint16(value)
	return nil
}

// parseUnsigned parses an unsigned integer in [0, max]. Fractional
// values as well as values out of range cause a parse error.
func parseUnsigned(data []byte, max float64) (float64, error) {
	var number float64
	if err := json.Unmarshal(data, &number); err != nil {
		return 0, fmt.Errorf("%w: cannot parse '%s' as a number",
			ErrInvalidSettings, string(data))
	}
	if math.Trunc(number) != number {
		return 0, fmt.Errorf("%w: number '%s' is not integral",
			ErrInvalidSettings, string(data))
	}
	if number < 0 || number > max {
		return 0, fmt.Errorf("%w: number '%s' is out of the [0, %d] range",
			ErrInvalidSettings, string(data), int64(max))
	}
	return number, nil
}

// optionsWire is the serialized representation of Options.
type optionsWire struct {
	AllEndpoints       *flexBool   `json:"all_endpoints"`
	BouncerBaseURL     *string     `json:"bouncer_base_url"`
	CABundlePath       *string     `json:"ca_bundle_path"`
	CollectorBaseURL   *string     `json:"collector_base_url"`
	EngineName         *string     `json:"engine_name"`
	EngineVersion      *string     `json:"engine_version"`
	EngineVersionFull  *string     `json:"engine_version_full"`
	GeoIPASNPath       *string     `json:"geoip_asn_path"`
	GeoIPCountryPath   *string     `json:"geoip_country_path"`
	MaxRuntime         *flexUint16 `json:"max_runtime"`
	NoASNLookup        *flexBool   `json:"no_asn_lookup"`
	NoBouncer          *flexBool   `json:"no_bouncer"`
	NoCCLookup         *flexBool   `json:"no_cc_lookup"`
	NoCollector        *flexBool   `json:"no_collector"`
	NoFileReport       *flexBool   `json:"no_file_report"`
	NoIPLookup         *flexBool   `json:"no_ip_lookup"`
	NoResolverLookup   *flexBool   `json:"no_resolver_lookup"`
	Parallelism        *flexUint8  `json:"parallelism"`
	Platform           *string     `json:"platform"`
	Port               *flexUint16 `json:"port"`
	ProbeIP            *string     `json:"probe_ip"`
	ProbeASN           *string     `json:"probe_asn"`
	ProbeNetworkName   *string     `json:"probe_network_name"`
	ProbeCC            *string     `json:"probe_cc"`
	RandomizeInput     *flexBool   `json:"randomize_input"`
	SaveRealProbeASN   *flexBool   `json:"save_real_probe_asn"`
	SaveRealProbeIP    *flexBool   `json:"save_real_probe_ip"`
	SaveRealProbeCC    *flexBool   `json:"save_real_probe_cc"`
	SaveRealResolverIP *flexBool   `json:"save_real_resolver_ip"`
	Server             *string     `json:"server"`
	SoftwareName       *string     `json:"software_name"`
	SoftwareVersion    *string     `json:"software_version"`
}

// settingsWire is the serialized representation of Settings.
type settingsWire struct {
	Annotations    map[string]string `json:"annotations"`
	Inputs         []string          `json:"inputs"`
	InputFilepaths []string          `json:"input_filepaths"`
	LogFilepath    *string           `json:"log_filepath"`
	LogLevel       *string           `json:"log_level"`
	Name           *string           `json:"name"`
	OutputFilepath *string           `json:"output_filepath"`
	Options        *optionsWire      `json:"options"`
}

// maybeSetString copies *value into *target when value is not nil.
func maybeSetString(target *string, value *string) {
	if value != nil {
		*target = *value
	}
}

// maybeSetBool copies value into *target when value is not nil and
// tells the caller whether the value was parsed from a number.
func maybeSetBool(target *bool, value *flexBool) (fromNumber bool) {
	if value != nil {
		*target = value.Value
		fromNumber = value.FromNumber
	}
	return
}

// ParseSettings parses serialized settings. The 'options' object and
// the 'name' entry are required; every other setting that does not
// appear in the serialization keeps its default value. The second
// return value is a possibly-empty warning that the caller should
// log, emitted at most once per parse when a boolean option was
// provided as a number.
func ParseSettings(data []byte) (*Settings, string, error) {
	var wire settingsWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, "", fmt.Errorf("%w: %s", ErrInvalidSettings, err.Error())
	}
	if wire.Options == nil {
		return nil, "", fmt.Errorf("%w: missing 'options' entry", ErrInvalidSettings)
	}
	if wire.Name == nil {
		return nil, "", fmt.Errorf("%w: missing 'name' entry", ErrInvalidSettings)
	}
	settings := NewSettings()
	if wire.Annotations != nil {
		settings.Annotations = wire.Annotations
	}
	if wire.Inputs != nil {
		settings.Inputs = wire.Inputs
	}
	if wire.InputFilepaths != nil {
		settings.InputFilepaths = wire.InputFilepaths
	}
	maybeSetString(&settings.LogFilepath, wire.LogFilepath)
	if wire.LogLevel != nil && *wire.LogLevel != "" {
		level, err := ParseLogLevel(*wire.LogLevel)
		if err != nil {
			return nil, "", err
		}
		settings.LogLevel = level
	}
	settings.Name = *wire.Name
	maybeSetString(&settings.OutputFilepath, wire.OutputFilepath)
	opts, wopts := &settings.Options, wire.Options
	var fromNumber bool
	fromNumber = maybeSetBool(&opts.AllEndpoints, wopts.AllEndpoints) || fromNumber
	maybeSetString(&opts.BouncerBaseURL, wopts.BouncerBaseURL)
	maybeSetString(&opts.CABundlePath, wopts.CABundlePath)
	maybeSetString(&opts.CollectorBaseURL, wopts.CollectorBaseURL)
	maybeSetString(&opts.EngineName, wopts.EngineName)
	maybeSetString(&opts.EngineVersion, wopts.EngineVersion)
	maybeSetString(&opts.EngineVersionFull, wopts.EngineVersionFull)
	maybeSetString(&opts.GeoIPASNPath, wopts.GeoIPASNPath)
	maybeSetString(&opts.GeoIPCountryPath, wopts.GeoIPCountryPath)
	if wopts.MaxRuntime != nil {
		opts.MaxRuntime = wopts.MaxRuntime.Value
	}
	fromNumber = maybeSetBool(&opts.NoASNLookup, wopts.NoASNLookup) || fromNumber
	fromNumber = maybeSetBool(&opts.NoBouncer, wopts.NoBouncer) || fromNumber
	fromNumber = maybeSetBool(&opts.NoCCLookup, wopts.NoCCLookup) || fromNumber
	fromNumber = maybeSetBool(&opts.NoCollector, wopts.NoCollector) || fromNumber
	fromNumber = maybeSetBool(&opts.NoFileReport, wopts.NoFileReport) || fromNumber
	fromNumber = maybeSetBool(&opts.NoIPLookup, wopts.NoIPLookup) || fromNumber
	fromNumber = maybeSetBool(&opts.NoResolverLookup, wopts.NoResolverLookup) || fromNumber
	if wopts.Parallelism != nil {
		opts.Parallelism = wopts.Parallelism.Value
	}
	maybeSetString(&opts.Platform, wopts.Platform)
	if wopts.Port != nil {
		opts.Port = wopts.Port.Value
	}
	maybeSetString(&opts.ProbeIP, wopts.ProbeIP)
	maybeSetString(&opts.ProbeASN, wopts.ProbeASN)
	maybeSetString(&opts.ProbeNetworkName, wopts.ProbeNetworkName)
	maybeSetString(&opts.ProbeCC, wopts.ProbeCC)
	fromNumber = maybeSetBool(&opts.RandomizeInput, wopts.RandomizeInput) || fromNumber
	fromNumber = maybeSetBool(&opts.SaveRealProbeASN, wopts.SaveRealProbeASN) || fromNumber
	fromNumber = maybeSetBool(&opts.SaveRealProbeIP, wopts.SaveRealProbeIP) || fromNumber
	fromNumber = maybeSetBool(&opts.SaveRealProbeCC, wopts.SaveRealProbeCC) || fromNumber
	fromNumber = maybeSetBool(&opts.SaveRealResolverIP, wopts.SaveRealResolverIP) || fromNumber
	maybeSetString(&opts.Server, wopts.Server)
	maybeSetString(&opts.SoftwareName, wopts.SoftwareName)
	maybeSetString(&opts.SoftwareVersion, wopts.SoftwareVersion)
	var warning string
	if fromNumber {
		warning = boolCompatWarning
	}
	return settings, warning, nil
}

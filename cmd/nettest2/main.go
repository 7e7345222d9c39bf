// Command nettest2 runs a network measurement nettest from the
// command line, printing progress on the standard error and writing
// the measurements into a local report file.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/apex/log"
	apexjson "github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/multi"
	nettest2 "github.com/ooni/nettest2"
	"github.com/ooni/nettest2/internal/log/handlers/cli"
	"github.com/ooni/nettest2/internal/version"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

var (
	app = kingpin.New("nettest2", "Run OONI network measurements.")

	annotationsFlag = app.Flag(
		"annotation", "Add annotation in the key=value format").
		PlaceHolder("KEY=VALUE").Strings()

	bouncerFlag = app.Flag(
		"bouncer", "Use the bouncer at the given base URL").
		PlaceHolder("URL").String()

	collectorFlag = app.Flag(
		"collector", "Use the collector at the given base URL").
		PlaceHolder("URL").String()

	geoipASNFlag = app.Flag(
		"geoip-asn-path", "Path of the ASN MMDB database").
		PlaceHolder("PATH").String()

	geoipCountryFlag = app.Flag(
		"geoip-country-path", "Path of the country MMDB database").
		PlaceHolder("PATH").String()

	inputFlag = app.Flag(
		"input", "Add input for the nettest (may be repeated)").
		PlaceHolder("INPUT").Strings()

	inputFileFlag = app.Flag(
		"input-file", "Read extra inputs from the given file, one per line").
		PlaceHolder("PATH").Strings()

	logFileFlag = app.Flag(
		"log-file", "Also write logs to the given file as JSON lines").
		PlaceHolder("PATH").String()

	logLevelFlag = app.Flag(
		"log-level", "Set the log verbosity level").
		PlaceHolder("LEVEL").
		Enum("QUIET", "ERR", "WARNING", "INFO", "DEBUG", "DEBUG2")

	maxRuntimeFlag = app.Flag(
		"max-runtime", "Maximum runtime in seconds for nettests with input").
		PlaceHolder("SECONDS").Uint16()

	noBouncerFlag = app.Flag(
		"no-bouncer", "Do not contact the bouncer").Bool()

	noCollectorFlag = app.Flag(
		"no-collector", "Do not submit measurements to a collector").Bool()

	noFileReportFlag = app.Flag(
		"no-file-report", "Do not write a local report file").Bool()

	noGeoIPFlag = app.Flag(
		"no-geoip", "Do not discover the probe IP, ASN, and country").Bool()

	noResolverLookupFlag = app.Flag(
		"no-resolver-lookup", "Do not discover the resolver IP").Bool()

	outputFlag = app.Flag(
		"output", "Write measurements to the given file").Short('o').
		PlaceHolder("PATH").String()

	parallelismFlag = app.Flag(
		"parallelism", "Number of parallel measurement workers").
		PlaceHolder("N").Uint8()

	settingsFlag = app.Flag(
		"settings", "Read serialized settings from the given JSON file").
		PlaceHolder("PATH").String()

	verboseFlag = app.Flag(
		"verbose", "Increase the log verbosity (repeat for debug logs)").
		Short('v').Counter()

	nettestArg = app.Arg(
		"nettest", "Name of the nettest to run").String()
)

func init() {
	app.Version(version.Version)
	app.HelpFlag.Short('h')
}

// loadSettings creates the session settings from the settings file,
// if any, and then applies the command line flags on top.
func loadSettings() (*nettest2.Settings, string, error) {
	settings, warning := nettest2.NewSettings(), ""
	if *settingsFlag != "" {
		data, err := os.ReadFile(*settingsFlag)
		if err != nil {
			return nil, "", err
		}
		settings, warning, err = nettest2.ParseSettings(data)
		if err != nil {
			return nil, "", err
		}
	}
	if settings.Annotations == nil {
		settings.Annotations = make(map[string]string)
	}
	for _, entry := range *annotationsFlag {
		key, value, found := strings.Cut(entry, "=")
		if !found {
			return nil, "", fmt.Errorf("invalid annotation: %s", entry)
		}
		settings.Annotations[key] = value
	}
	settings.Inputs = append(settings.Inputs, *inputFlag...)
	settings.InputFilepaths = append(settings.InputFilepaths, *inputFileFlag...)
	if *logFileFlag != "" {
		settings.LogFilepath = *logFileFlag
	}
	if *logLevelFlag != "" {
		level, err := nettest2.ParseLogLevel(*logLevelFlag)
		if err != nil {
			return nil, "", err
		}
		settings.LogLevel = level
	}
	switch {
	case *verboseFlag == 1 && settings.LogLevel < nettest2.LogLevelInfo:
		settings.LogLevel = nettest2.LogLevelInfo
	case *verboseFlag >= 2 && settings.LogLevel < nettest2.LogLevelDebug:
		settings.LogLevel = nettest2.LogLevelDebug
	}
	if *nettestArg != "" {
		settings.Name = *nettestArg
	}
	if *outputFlag != "" {
		settings.OutputFilepath = *outputFlag
	}
	opts := &settings.Options
	if *bouncerFlag != "" {
		opts.BouncerBaseURL = *bouncerFlag
	}
	if *collectorFlag != "" {
		opts.CollectorBaseURL = *collectorFlag
	}
	if *geoipASNFlag != "" {
		opts.GeoIPASNPath = *geoipASNFlag
	}
	if *geoipCountryFlag != "" {
		opts.GeoIPCountryPath = *geoipCountryFlag
	}
	if *maxRuntimeFlag > 0 {
		opts.MaxRuntime = *maxRuntimeFlag
	}
	if *noBouncerFlag {
		opts.NoBouncer = true
	}
	if *noCollectorFlag {
		opts.NoCollector = true
	}
	if *noFileReportFlag {
		opts.NoFileReport = true
	}
	if *noGeoIPFlag {
		opts.NoIPLookup = true
		opts.NoASNLookup = true
		opts.NoCCLookup = true
	}
	if *noResolverLookupFlag {
		opts.NoResolverLookup = true
	}
	if *parallelismFlag > 0 {
		opts.Parallelism = *parallelismFlag
	}
	return settings, warning, nil
}

// setupLogging configures the apex/log singleton consistently with
// the configured log level and log file.
func setupLogging(settings *nettest2.Settings) {
	switch settings.LogLevel {
	case nettest2.LogLevelQuiet, nettest2.LogLevelErr:
		log.SetLevel(log.ErrorLevel)
	case nettest2.LogLevelWarning:
		log.SetLevel(log.WarnLevel)
	case nettest2.LogLevelInfo:
		log.SetLevel(log.InfoLevel)
	default:
		log.SetLevel(log.DebugLevel)
	}
	var handler log.Handler = cli.Default
	if settings.LogFilepath != "" {
		handler = multi.New(handler, apexjson.New(&lumberjack.Logger{
			Filename:   settings.LogFilepath,
			MaxSize:    32, // megabytes
			MaxBackups: 4,
		}))
	}
	log.SetHandler(handler)
}

// reportFile appends measurement lines to the local report file.
type reportFile struct {
	mu sync.Mutex
	fp *os.File
}

// openReportFile opens the local report file for appending. When the
// settings disable the file report we return a nil *reportFile, on
// which Write and Close gracefully do nothing.
func openReportFile(settings *nettest2.Settings) (*reportFile, error) {
	if settings.Options.NoFileReport {
		return nil, nil
	}
	path := settings.OutputFilepath
	if path == "" {
		path = "report.njson"
	}
	fp, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &reportFile{fp: fp}, nil
}

// Write appends a measurement line to the report file.
func (rf *reportFile) Write(jsonStr string) {
	if rf == nil {
		return
	}
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if _, err := rf.fp.WriteString(jsonStr + "\n"); err != nil {
		log.Warnf("cannot write measurement to report file: %s", err.Error())
	}
}

// Close closes the report file.
func (rf *reportFile) Close() {
	if rf != nil {
		rf.fp.Close()
	}
}

// newEventHandler creates the handler mapping session events onto log
// messages and report file writes.
func newEventHandler(rf *reportFile) nettest2.EventHandler {
	return nettest2.EventHandlerFunc(func(ev nettest2.Event) {
		switch value := ev.Value.(type) {
		case nettest2.EventLog:
			switch value.LogLevel {
			case "DEBUG":
				log.Debug(value.Message)
			case "INFO":
				log.Info(value.Message)
			default:
				log.Warn(value.Message)
			}
		case nettest2.EventStatusProgress:
			log.Infof("[%5.1f%%] %s", value.Percentage*100, value.Message)
		case nettest2.EventMeasurement:
			rf.Write(value.JSONStr)
		case nettest2.EventFailureMeasurement:
			log.Warnf("measurement #%d failed: %s", value.Idx, value.Failure)
		case nettest2.EventFailureMeasurementSubmission:
			log.Warnf("cannot submit measurement #%d: %s",
				value.Idx, value.LibraryErrorContext.Reason)
		case nettest2.EventFailureGeneric:
			log.Debugf("%s: %s", ev.Key, value.LibraryErrorContext.Reason)
		case nettest2.EventStatusEnd:
			log.Infof("bytes received: %.2f KiB", value.DownloadedKB)
			log.Infof("bytes sent: %.2f KiB", value.UploadedKB)
		default:
			// NOTHING
		}
	})
}

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))
	settings, warning, err := loadSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "nettest2: %s\n", err.Error())
		os.Exit(1)
	}
	setupLogging(settings)
	if warning != "" {
		log.Warn(warning)
	}
	nettest := newNettest(settings.Name)
	if nettest == nil {
		log.Errorf("unknown nettest: %q (available: %s)",
			settings.Name, strings.Join(nettestNames(), ", "))
		os.Exit(1)
	}
	rf, err := openReportFile(settings)
	if err != nil {
		log.Errorf("cannot open report file: %s", err.Error())
		os.Exit(1)
	}
	defer rf.Close()
	runner := nettest2.NewRunner(settings, nettest, newEventHandler(rf))
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info("interrupted; waiting for pending measurements to complete")
		runner.Interrupt()
	}()
	runner.Run(context.Background())
}

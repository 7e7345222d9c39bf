package nettest2

//
// Runner implements the measurement session state machine
//

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ooni/nettest2/internal/bouncer"
	"github.com/ooni/nettest2/internal/bytecounter"
	"github.com/ooni/nettest2/internal/collector"
	"github.com/ooni/nettest2/internal/geoipx"
	"github.com/ooni/nettest2/internal/iplookup"
	"github.com/ooni/nettest2/internal/model"
	"github.com/ooni/nettest2/internal/platform"
	"github.com/ooni/nettest2/internal/resolverlookup"
)

// dateFormat is the time format expected by the OONI backend.
const dateFormat = "2006-01-02 15:04:05"

// formatTimeNowUTC returns the current UTC time with seconds
// resolution in the format expected by the OONI backend.
func formatTimeNowUTC() string {
	return time.Now().UTC().Format(dateFormat)
}

// defaultParallelism is the number of workers we use when the
// nettest takes input and the settings don't specify otherwise.
const defaultParallelism = 3

// maxIndex is the maximum measurement index. We limit the index to
// fit into an unsigned 32-bit integer because in Java it's painful
// to deal with unsigned 64-bit integers.
const maxIndex = math.MaxUint32

// sessionMu serializes measurement sessions within this process.
// Note that we cannot guarantee FIFO queuing.
var sessionMu sync.Mutex

// Runner runs a measurement session consisting of a nettest run
// with the given settings. Construct using NewRunner.
type Runner struct {
	// handler is the handler that receives session events.
	handler EventHandler

	// interrupted indicates that the user interrupted the runner.
	interrupted atomic.Bool

	// logger emits log events through the handler.
	logger model.Logger

	// nettest is the nettest to run.
	nettest Nettest

	// settings contains the session settings.
	settings *Settings
}

// NewRunner creates a new Runner for the given settings and
// nettest. The handler receives the session's events and may be nil,
// in which case we print each event as a JSON line on the standard
// error output.
func NewRunner(settings *Settings, nettest Nettest, handler EventHandler) *Runner {
	if handler == nil {
		handler = defaultEventHandler
	}
	return &Runner{
		handler:  handler,
		logger:   newEventLogger(handler, settings.LogLevel),
		nettest:  nettest,
		settings: settings,
	}
}

// Interrupt interrupts the runner. Workers stop claiming new inputs
// while in-flight measurements complete normally.
func (r *Runner) Interrupt() {
	r.interrupted.Store(true)
}

// emit emits an event with the given key and value.
func (r *Runner) emit(key string, value interface{}) {
	r.handler.OnEvent(Event{Key: key, Value: value})
}

// emitProgress emits a status.progress event.
func (r *Runner) emitProgress(percentage float64, message string) {
	r.emit("status.progress", EventStatusProgress{
		Percentage: percentage,
		Message:    message,
	})
}

// emitFailure emits a failure event with a library error context
// describing err.
func (r *Runner) emitFailure(key string, err error) {
	r.emit(key, EventFailureGeneric{
		Failure: "library_error",
		LibraryErrorContext: model.NewErrContext(
			r.settings.Options.EngineName,
			r.settings.Options.EngineVersion, err),
	})
}

// userAgent returns the user agent we use with backend services.
func (r *Runner) userAgent() string {
	return r.settings.Options.SoftwareName + "/" + r.settings.Options.SoftwareVersion
}

// Run runs the measurement session. Run blocks until the session is
// complete. Only a single session may be active at any given time
// within the same process; Run waits for its turn.
func (r *Runner) Run(ctx context.Context) {
	counter := bytecounter.New()
	r.emit("status.queued", eventEmpty{})
	sessionMu.Lock()
	defer sessionMu.Unlock()
	r.emit("status.started", eventEmpty{})
	opts := &r.settings.Options
	nctx := &NettestContext{
		TestHelpers: make(map[string][]model.EndpointInfo),
	}
	if !opts.NoBouncer {
		clnt := &bouncer.Client{
			BaseURL:   opts.BouncerBaseURL,
			Counter:   counter,
			Logger:    r.logger,
			UserAgent: r.userAgent(),
		}
		collectors, testHelpers, err := clnt.Query(
			ctx, r.nettest.Name(), r.nettest.TestHelpers(), r.nettest.Version())
		if err != nil {
			r.logger.Warnf("run: bouncer query failed: %s", err.Error())
		} else {
			nctx.Collectors = collectors
			nctx.TestHelpers = testHelpers
		}
	}
	r.emitProgress(0.1, "contact bouncer")
	r.lookupProbeIP(ctx, nctx, counter)
	r.lookupProbeASN(nctx)
	r.lookupProbeCC(nctx)
	r.emitProgress(0.2, "geoip lookup")
	r.emit("status.geoip_lookup", EventStatusGeoIPLookup{
		ProbeCC:          nctx.ProbeCC,
		ProbeASN:         nctx.ProbeASN,
		ProbeIP:          nctx.ProbeIP,
		ProbeNetworkName: nctx.ProbeNetworkName,
	})
	r.lookupResolverIP(ctx, nctx, counter)
	r.emitProgress(0.3, "resolver lookup")
	r.emit("status.resolver_lookup", EventStatusResolverLookup{
		ResolverIP: nctx.ResolverIP,
	})
	testStartTime := formatTimeNowUTC()
	collectorBaseURL := r.openReport(ctx, nctx, counter, testStartTime)
	r.emitProgress(0.4, "open report")
	r.measure(ctx, nctx, counter, collectorBaseURL, testStartTime)
	r.emitProgress(0.9, "measurement complete")
	r.closeReport(ctx, nctx, counter, collectorBaseURL)
	r.emitProgress(1.0, "report close")
	r.emit("status.end", EventStatusEnd{
		Failure:      "",
		DownloadedKB: counter.KibiBytesReceived(),
		UploadedKB:   counter.KibiBytesSent(),
	})
}

// lookupProbeIP fills nctx.ProbeIP. A probe IP inside the settings
// wins over the lookup, which then does not occur.
func (r *Runner) lookupProbeIP(ctx context.Context,
	nctx *NettestContext, counter *bytecounter.Counter) {
	opts := &r.settings.Options
	if opts.ProbeIP != "" {
		nctx.ProbeIP = opts.ProbeIP
		return
	}
	nctx.ProbeIP = model.DefaultProbeIP
	if opts.NoIPLookup {
		return
	}
	clnt := &iplookup.Client{
		Counter:   counter,
		Logger:    r.logger,
		UserAgent: r.userAgent(),
	}
	ip, err := clnt.Do(ctx)
	if err != nil {
		r.logger.Warnf("run: IP lookup failed: %s", err.Error())
		r.emitFailure("failure.ip_lookup", err)
		return
	}
	nctx.ProbeIP = ip
	r.logger.Infof("Your public IP address: %s", ip)
}

// lookupProbeASN fills nctx.ProbeASN and nctx.ProbeNetworkName. A
// probe ASN inside the settings wins over the lookup. When the
// settings ASN is empty we also overwrite the network name, even
// if the settings contain a non-empty network name.
func (r *Runner) lookupProbeASN(nctx *NettestContext) {
	opts := &r.settings.Options
	if opts.ProbeASN != "" {
		nctx.ProbeASN = opts.ProbeASN
		nctx.ProbeNetworkName = opts.ProbeNetworkName
		return
	}
	nctx.ProbeASN = model.DefaultProbeASNString
	if opts.NoASNLookup {
		return
	}
	asn, networkName, err := geoipx.LookupASN(opts.GeoIPASNPath, nctx.ProbeIP)
	if err != nil {
		r.logger.Warnf("run: ASN lookup failed: %s", err.Error())
		r.emitFailure("failure.asn_lookup", err)
		return
	}
	nctx.ProbeASN = fmt.Sprintf("AS%d", asn)
	nctx.ProbeNetworkName = networkName
	r.logger.Infof("Your ISP number: %s", nctx.ProbeASN)
	r.logger.Debugf("Your ISP name: %s", nctx.ProbeNetworkName)
}

// lookupProbeCC fills nctx.ProbeCC. A probe CC inside the settings
// wins over the lookup, which then does not occur.
func (r *Runner) lookupProbeCC(nctx *NettestContext) {
	opts := &r.settings.Options
	if opts.ProbeCC != "" {
		nctx.ProbeCC = opts.ProbeCC
		return
	}
	nctx.ProbeCC = model.DefaultProbeCC
	if opts.NoCCLookup {
		return
	}
	cc, err := geoipx.LookupCC(opts.GeoIPCountryPath, nctx.ProbeIP)
	if err != nil {
		r.logger.Warnf("run: country code lookup failed: %s", err.Error())
		r.emitFailure("failure.cc_lookup", err)
		return
	}
	nctx.ProbeCC = cc
	r.logger.Infof("Your country: %s", nctx.ProbeCC)
}

// lookupResolverIP fills nctx.ResolverIP.
func (r *Runner) lookupResolverIP(ctx context.Context,
	nctx *NettestContext, counter *bytecounter.Counter) {
	if r.settings.Options.NoResolverLookup {
		return
	}
	clnt := &resolverlookup.Client{
		Counter: counter,
		Logger:  r.logger,
	}
	resolverIP, err := clnt.Do(ctx)
	if err != nil {
		r.logger.Warnf("run: resolver lookup failed: %s", err.Error())
		r.emitFailure("failure.resolver_lookup", err)
		return
	}
	nctx.ResolverIP = resolverIP
	r.logger.Debugf("resolver_ip: %s", nctx.ResolverIP)
}

// openReport opens a report with the collector and returns the
// collector base URL to use for the rest of the session. When the
// settings specify a collector we use it, otherwise we use the
// first HTTPS collector discovered using the bouncer. On failure
// nctx.ReportID stays empty and the session continues.
func (r *Runner) openReport(ctx context.Context, nctx *NettestContext,
	counter *bytecounter.Counter, testStartTime string) string {
	opts := &r.settings.Options
	if opts.NoCollector {
		return ""
	}
	collectorBaseURL := opts.CollectorBaseURL
	if collectorBaseURL == "" {
		for _, epnt := range nctx.Collectors {
			if epnt.Type == model.EndpointTypeHTTPS {
				r.logger.Infof("Using discovered collector: %s", epnt.Address)
				collectorBaseURL = epnt.Address
				break
			}
		}
	}
	r.logger.Infof("Opening report; please be patient...")
	clnt := &collector.Client{
		BaseURL:   collectorBaseURL,
		Counter:   counter,
		Logger:    r.logger,
		UserAgent: r.userAgent(),
	}
	reportID, err := clnt.OpenReport(ctx, collector.ReportTemplate{
		ProbeASN:        nctx.ProbeASN,
		ProbeCC:         nctx.ProbeCC,
		SoftwareName:    opts.SoftwareName,
		SoftwareVersion: opts.SoftwareVersion,
		TestName:        r.nettest.Name(),
		TestStartTime:   testStartTime,
		TestVersion:     r.nettest.Version(),
	})
	if err != nil {
		r.logger.Warnf("run: open report failed: %s", err.Error())
		r.emitFailure("failure.report_create", err)
		return collectorBaseURL
	}
	nctx.ReportID = reportID
	r.logger.Infof("Report ID: %s", reportID)
	r.emit("status.report_create", EventStatusReportGeneric{
		ReportID: reportID,
	})
	return collectorBaseURL
}

// closeReport closes the open report, if any.
func (r *Runner) closeReport(ctx context.Context, nctx *NettestContext,
	counter *bytecounter.Counter, collectorBaseURL string) {
	if !r.settings.Options.NoCollector && nctx.ReportID != "" {
		clnt := &collector.Client{
			BaseURL:   collectorBaseURL,
			Counter:   counter,
			Logger:    r.logger,
			UserAgent: r.userAgent(),
		}
		if err := clnt.CloseReport(ctx, nctx.ReportID); err != nil {
			r.logger.Warnf("run: close report failed: %s", err.Error())
			r.emitFailure("failure.report_close", err)
			return
		}
		r.emit("status.report_close", EventStatusReportGeneric{
			ReportID: nctx.ReportID,
		})
		return
	}
	if nctx.ReportID == "" {
		r.emit("failure.report_close", EventFailureNoReport{
			Failure: "report_not_open_error",
		})
	}
}

// loadInputFiles appends to inputs the non-empty lines of each of
// the configured input files. A file we cannot open causes a warning
// and we continue with the next file.
func (r *Runner) loadInputFiles(inputs []string) []string {
	for _, path := range r.settings.InputFilepaths {
		data, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warnf("run: cannot read input file: %s", err.Error())
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimRight(line, "\r")
			if line != "" {
				inputs = append(inputs, line)
			}
		}
	}
	return inputs
}

// measure performs the parallel measurement of all the inputs.
func (r *Runner) measure(ctx context.Context, nctx *NettestContext,
	counter *bytecounter.Counter, collectorBaseURL, testStartTime string) {
	var inputs []string
	if r.nettest.NeedsInput() {
		inputs = append(inputs, r.settings.Inputs...)
		inputs = r.loadInputFiles(inputs)
		if len(inputs) == 0 {
			r.logger.Warnf("run: no input provided")
			return
		}
	} else {
		if len(r.settings.Inputs) > 0 {
			r.logger.Warnf("run: got unexpected input; ignoring it")
		}
		inputs = append(inputs, "")
	}
	if r.settings.Options.RandomizeInput {
		rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
		rnd.Shuffle(len(inputs), func(i, j int) {
			inputs[i], inputs[j] = inputs[j], inputs[i]
		})
	}
	parallelism := uint8(1)
	if r.nettest.NeedsInput() {
		parallelism = defaultParallelism
		if r.settings.Options.Parallelism > 0 {
			parallelism = r.settings.Options.Parallelism
		}
	}
	begin := time.Now()
	var (
		mu   sync.Mutex
		next uint64
		wg   sync.WaitGroup
	)
	for j := uint8(0); j < parallelism; j++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !r.interrupted.Load() && ctx.Err() == nil {
				mu.Lock()
				if next > maxIndex || next >= uint64(len(inputs)) {
					mu.Unlock()
					return
				}
				idx := uint32(next)
				next++
				mu.Unlock()
				if !r.runWithIndex(ctx, nctx, counter, collectorBaseURL,
					testStartTime, begin, inputs, idx) {
					return
				}
			}
		}()
	}
	wg.Wait()
}

// runWithIndex measures the input with the given index. The return
// value indicates whether the calling worker should continue with
// more inputs.
func (r *Runner) runWithIndex(ctx context.Context, nctx *NettestContext,
	counter *bytecounter.Counter, collectorBaseURL, testStartTime string,
	begin time.Time, inputs []string, idx uint32) bool {
	opts := &r.settings.Options
	// We call a nettest done when we reach 90% of the expected
	// runtime. This accounts for possible errors and for the time
	// needed to close the report.
	if time.Since(begin).Seconds() >= float64(opts.MaxRuntime)*0.9 {
		r.logger.Infof("exceeded max runtime")
		return false
	}
	r.emit("status.measurement_start", EventStatusMeasurementStart{
		Idx:   idx,
		Input: inputs[idx],
	})
	measurement := r.newMeasurement(nctx, testStartTime, inputs[idx])
	measurementStart := time.Now()
	testKeys, err := r.nettest.Run(ctx, r.settings, nctx, inputs[idx], counter)
	measurement.MeasurementRuntime = time.Since(measurementStart).Seconds()
	if testKeys == nil {
		testKeys = make(map[string]interface{})
	}
	// We fill the resolver IP after the measurement. Doing that
	// before may allow the nettest to overwrite the client_resolver
	// field set by us.
	resolverIP := ""
	if opts.SaveRealResolverIP {
		resolverIP = nctx.ResolverIP
	}
	testKeys["client_resolver"] = resolverIP
	measurement.TestKeys = testKeys
	if err != nil {
		r.emit("failure.measurement", EventFailureMeasurement{
			Failure: "generic_error",
			Idx:     idx,
		})
	}
	r.submitMeasurement(ctx, nctx, counter, collectorBaseURL, measurement, idx)
	r.emit("status.measurement_done", EventMeasurementGeneric{Idx: idx})
	return true
}

// submitMeasurement serializes and submits a measurement, emitting
// the related events. When there is no open report we skip the
// submission and emit a failure explaining why.
func (r *Runner) submitMeasurement(ctx context.Context, nctx *NettestContext,
	counter *bytecounter.Counter, collectorBaseURL string,
	measurement *model.Measurement, idx uint32) {
	data, err := json.Marshal(measurement)
	if err != nil {
		r.logger.Warnf("run: cannot serialize measurement: %s", err.Error())
		return
	}
	str := string(data)
	if !r.settings.Options.NoCollector && nctx.ReportID != "" {
		clnt := &collector.Client{
			BaseURL:   collectorBaseURL,
			Counter:   counter,
			Logger:    r.logger,
			UserAgent: r.userAgent(),
		}
		if err := clnt.UpdateReport(ctx, nctx.ReportID, str); err != nil {
			r.logger.Warnf("run: update report failed: %s", err.Error())
			r.emit("failure.measurement_submission", EventFailureMeasurementSubmission{
				Failure: "library_error",
				LibraryErrorContext: model.NewErrContext(
					r.settings.Options.EngineName,
					r.settings.Options.EngineVersion, err),
				Idx:     idx,
				JSONStr: str,
			})
		} else {
			r.emit("status.measurement_submission", EventMeasurementGeneric{Idx: idx})
		}
	} else if nctx.ReportID == "" {
		r.emit("failure.measurement_submission", EventFailureNoReport{
			Failure: "report_not_open_error",
		})
	}
	// Consumers expect to see the submission status before they
	// see the measurement body.
	r.emit("measurement", EventMeasurement{Idx: idx, JSONStr: str})
}

// newMeasurement creates a new measurement envelope for the given
// input. The test keys are filled later, when the nettest is done.
func (r *Runner) newMeasurement(nctx *NettestContext,
	testStartTime, input string) *model.Measurement {
	opts := &r.settings.Options
	annotations := make(map[string]string)
	for key, value := range r.settings.Annotations {
		annotations[key] = value
	}
	annotations["engine_name"] = opts.EngineName
	annotations["engine_version"] = opts.EngineVersion
	annotations["engine_version_full"] = opts.EngineVersionFull
	if opts.Platform != "" {
		annotations["platform"] = opts.Platform
	} else {
		annotations["platform"] = platform.Name()
	}
	networkName := ""
	if opts.SaveRealProbeASN {
		networkName = nctx.ProbeNetworkName
	}
	annotations["probe_network_name"] = networkName
	probeASN := ""
	if opts.SaveRealProbeASN {
		probeASN = nctx.ProbeASN
	}
	probeCC := ""
	if opts.SaveRealProbeCC {
		probeCC = nctx.ProbeCC
	}
	probeIP := ""
	if opts.SaveRealProbeIP {
		probeIP = nctx.ProbeIP
	}
	testHelpers := make(map[string]model.MeasurementTestHelper)
	for name, epnts := range nctx.TestHelpers {
		for _, epnt := range epnts {
			switch epnt.Type {
			case model.EndpointTypeOnion:
				testHelpers[name] = model.MeasurementTestHelper{
					Address: epnt.Address,
					Type:    "onion",
				}
			case model.EndpointTypeHTTPS:
				testHelpers[name] = model.MeasurementTestHelper{
					Address: epnt.Address,
					Type:    "https",
				}
			case model.EndpointTypeCloudfront:
				testHelpers[name] = model.MeasurementTestHelper{
					Address: epnt.Address,
					Type:    "cloudfront",
					Front:   epnt.Front,
				}
			default:
				// NOTHING
			}
		}
	}
	return &model.Measurement{
		Annotations:          annotations,
		ID:                   uuid.New().String(),
		Input:                input,
		InputHashes:          []string{},
		MeasurementStartTime: formatTimeNowUTC(),
		Options:              []string{},
		ProbeASN:             probeASN,
		ProbeCC:              probeCC,
		ProbeCity:            nil,
		ProbeIP:              probeIP,
		ReportID:             nctx.ReportID,
		SoftwareName:         opts.SoftwareName,
		SoftwareVersion:      opts.SoftwareVersion,
		TestHelpers:          testHelpers,
		TestName:             r.nettest.Name(),
		TestStartTime:        testStartTime,
		TestVersion:          r.nettest.Version(),
	}
}

package nettest2

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/ooni/nettest2/internal/bytecounter"
)

// snapshot returns a copy of the events collected so far.
func (ch *collectorHandler) snapshot() []Event {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return append([]Event{}, ch.events...)
}

// findEvents returns the events with the given key.
func findEvents(events []Event, key string) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Key == key {
			out = append(out, ev)
		}
	}
	return out
}

// eventIndex returns the index of the first event with the given key
// or -1 when there is no such event.
func eventIndex(events []Event, key string) int {
	for idx, ev := range events {
		if ev.Key == key {
			return idx
		}
	}
	return -1
}

// fakeNettest is a configurable nettest for testing the runner.
type fakeNettest struct {
	helpers    []string
	needsInput bool
	runErr     error
	testKeys   map[string]interface{}

	mu     sync.Mutex
	inputs []string
}

var _ Nettest = &fakeNettest{}

func (nt *fakeNettest) Name() string {
	return "fake"
}

func (nt *fakeNettest) Version() string {
	return "0.0.1"
}

func (nt *fakeNettest) TestHelpers() []string {
	return nt.helpers
}

func (nt *fakeNettest) NeedsInput() bool {
	return nt.needsInput
}

func (nt *fakeNettest) Run(ctx context.Context, settings *Settings,
	nctx *NettestContext, input string,
	counter *bytecounter.Counter) (map[string]interface{}, error) {
	nt.mu.Lock()
	nt.inputs = append(nt.inputs, input)
	nt.mu.Unlock()
	testKeys := make(map[string]interface{})
	for key, value := range nt.testKeys {
		testKeys[key] = value
	}
	return testKeys, nt.runErr
}

// measuredInputs returns the inputs measured so far.
func (nt *fakeNettest) measuredInputs() []string {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	return append([]string{}, nt.inputs...)
}

// fakeBackend implements the bouncer and collector APIs in memory.
type fakeBackend struct {
	mu           sync.Mutex
	closed       bool
	collectorURL string
	contents     []string
	reportID     string
}

// newFakeBackend creates a fake backend and the server exposing it.
func newFakeBackend() (*fakeBackend, *httptest.Server) {
	backend := &fakeBackend{reportID: "20180220T123456Z_AS0_0123456789"}
	server := httptest.NewServer(backend)
	backend.collectorURL = server.URL
	return backend, server
}

func (fb *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	switch r.URL.Path {
	case "/bouncer/net-tests":
		document := map[string]interface{}{
			"net-tests": []map[string]interface{}{{
				"collector": "httpo://jehhrikjjqrlpufu.onion",
				"collector-alternate": []map[string]interface{}{
					{"type": "https", "address": fb.collectorURL},
				},
				"test-helpers": map[string]string{
					"fake-helper": "httpo://y3zq5fwelrzkkv3s.onion",
				},
				"test-helpers-alternate": map[string]interface{}{
					"fake-helper": []map[string]interface{}{
						{"type": "https", "address": "https://fake.th.ooni.io"},
					},
				},
			}},
		}
		data, _ := json.Marshal(document)
		w.Write(data)
	case "/report":
		resp, _ := json.Marshal(map[string]string{"report_id": fb.reportID})
		w.Write(resp)
	case "/report/" + fb.reportID:
		var request struct {
			Content string `json:"content"`
		}
		data, err := io.ReadAll(r.Body)
		if err != nil || json.Unmarshal(data, &request) != nil {
			w.WriteHeader(400)
			return
		}
		fb.contents = append(fb.contents, request.Content)
		w.Write([]byte("{}"))
	case "/report/" + fb.reportID + "/close":
		fb.closed = true
		w.Write([]byte("{}"))
	default:
		w.WriteHeader(404)
	}
}

// submittedContents returns the submitted measurements.
func (fb *fakeBackend) submittedContents() []string {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return append([]string{}, fb.contents...)
}

// reportClosed indicates whether the report was closed.
func (fb *fakeBackend) reportClosed() bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.closed
}

// newTestSettings creates settings that don't touch the network and
// don't depend on external databases.
func newTestSettings() *Settings {
	settings := NewSettings()
	settings.Name = "fake"
	opts := &settings.Options
	opts.NoBouncer = true
	opts.NoCollector = true
	opts.NoResolverLookup = true
	opts.ProbeIP = "93.147.252.33"
	opts.ProbeASN = "AS30722"
	opts.ProbeNetworkName = "Vodafone Italia"
	opts.ProbeCC = "IT"
	opts.RandomizeInput = false
	return settings
}

// checkProgress verifies that progress percentages never decrease
// and that the last percentage is 100%.
func checkProgress(t *testing.T, events []Event) {
	previous := 0.0
	for _, ev := range findEvents(events, "status.progress") {
		value := ev.Value.(EventStatusProgress)
		if value.Percentage < previous {
			t.Fatal("progress went backwards")
		}
		previous = value.Percentage
	}
	if previous != 1.0 {
		t.Fatal("the session did not reach full progress")
	}
}

func TestRunnerWithoutCollector(t *testing.T) {
	settings := newTestSettings()
	nettest := &fakeNettest{testKeys: map[string]interface{}{"success": true}}
	handler := &collectorHandler{}
	runner := NewRunner(settings, nettest, handler)
	runner.Run(context.Background())
	events := handler.snapshot()
	for _, key := range []string{"status.queued", "status.started", "status.end"} {
		if len(findEvents(events, key)) != 1 {
			t.Fatal("expected exactly one", key, "event")
		}
	}
	checkProgress(t, events)
	geoip := findEvents(events, "status.geoip_lookup")[0].Value.(EventStatusGeoIPLookup)
	expectedGeoIP := EventStatusGeoIPLookup{
		ProbeCC:          "IT",
		ProbeASN:         "AS30722",
		ProbeIP:          "93.147.252.33",
		ProbeNetworkName: "Vodafone Italia",
	}
	if diff := cmp.Diff(expectedGeoIP, geoip); diff != "" {
		t.Fatal(diff)
	}
	reso := findEvents(events, "status.resolver_lookup")[0].Value.(EventStatusResolverLookup)
	if reso.ResolverIP != "" {
		t.Fatal("expected an empty resolver IP")
	}
	start := findEvents(events, "status.measurement_start")
	if len(start) != 1 {
		t.Fatal("expected a single measurement")
	}
	if value := start[0].Value.(EventStatusMeasurementStart); value.Idx != 0 || value.Input != "" {
		t.Fatal("unexpected measurement_start value")
	}
	subFailures := findEvents(events, "failure.measurement_submission")
	if len(subFailures) != 1 {
		t.Fatal("expected a single submission failure")
	}
	if value := subFailures[0].Value.(EventFailureNoReport); value.Failure != "report_not_open_error" {
		t.Fatal("unexpected submission failure")
	}
	closeFailures := findEvents(events, "failure.report_close")
	if len(closeFailures) != 1 {
		t.Fatal("expected a single report close failure")
	}
	if value := closeFailures[0].Value.(EventFailureNoReport); value.Failure != "report_not_open_error" {
		t.Fatal("unexpected report close failure")
	}
	measurements := findEvents(events, "measurement")
	if len(measurements) != 1 {
		t.Fatal("expected a single measurement event")
	}
	var mm map[string]interface{}
	jsonStr := measurements[0].Value.(EventMeasurement).JSONStr
	if err := json.Unmarshal([]byte(jsonStr), &mm); err != nil {
		t.Fatal(err)
	}
	if mm["test_name"] != "fake" || mm["test_version"] != "0.0.1" {
		t.Fatal("unexpected test identification")
	}
	if mm["probe_asn"] != "AS30722" || mm["probe_cc"] != "IT" {
		t.Fatal("unexpected probe metadata")
	}
	if mm["probe_ip"] != "" {
		t.Fatal("the probe IP was not redacted")
	}
	if mm["report_id"] != "" {
		t.Fatal("expected an empty report ID")
	}
	testKeys := mm["test_keys"].(map[string]interface{})
	if testKeys["success"] != true {
		t.Fatal("unexpected test keys")
	}
	if testKeys["client_resolver"] != "" {
		t.Fatal("unexpected client_resolver")
	}
	if len(findEvents(events, "status.measurement_done")) != 1 {
		t.Fatal("expected a single measurement_done event")
	}
	end := findEvents(events, "status.end")[0].Value.(EventStatusEnd)
	if end.Failure != "" {
		t.Fatal("unexpected session failure")
	}
}

func TestRunnerEventOrdering(t *testing.T) {
	settings := newTestSettings()
	nettest := &fakeNettest{}
	handler := &collectorHandler{}
	NewRunner(settings, nettest, handler).Run(context.Background())
	events := handler.snapshot()
	ordering := []string{
		"status.queued",
		"status.started",
		"status.geoip_lookup",
		"status.resolver_lookup",
		"status.measurement_start",
		"failure.measurement_submission",
		"measurement",
		"status.measurement_done",
		"failure.report_close",
		"status.end",
	}
	previous := -1
	for _, key := range ordering {
		idx := eventIndex(events, key)
		if idx < 0 {
			t.Fatal("missing event", key)
		}
		if idx <= previous {
			t.Fatal("event out of order:", key)
		}
		previous = idx
	}
}

func TestRunnerSubmitsMeasurements(t *testing.T) {
	backend, server := newFakeBackend()
	defer server.Close()
	settings := newTestSettings()
	settings.Inputs = []string{
		"https://www.example.com/",
		"https://www.example.org/",
	}
	settings.Options.NoCollector = false
	settings.Options.CollectorBaseURL = server.URL
	nettest := &fakeNettest{needsInput: true}
	handler := &collectorHandler{}
	NewRunner(settings, nettest, handler).Run(context.Background())
	events := handler.snapshot()
	create := findEvents(events, "status.report_create")
	if len(create) != 1 {
		t.Fatal("expected a single report_create event")
	}
	if value := create[0].Value.(EventStatusReportGeneric); value.ReportID != backend.reportID {
		t.Fatal("unexpected report ID")
	}
	closeEvents := findEvents(events, "status.report_close")
	if len(closeEvents) != 1 {
		t.Fatal("expected a single report_close event")
	}
	if !backend.reportClosed() {
		t.Fatal("the report was not closed")
	}
	submissions := findEvents(events, "status.measurement_submission")
	if len(submissions) != 2 {
		t.Fatal("expected two submission events")
	}
	measurements := findEvents(events, "measurement")
	if len(measurements) != 2 {
		t.Fatal("expected two measurement events")
	}
	var emitted []string
	for _, ev := range measurements {
		emitted = append(emitted, ev.Value.(EventMeasurement).JSONStr)
	}
	submitted := backend.submittedContents()
	if len(submitted) != 2 {
		t.Fatal("expected two submitted measurements")
	}
	// The collector must receive byte for byte what we emitted.
	sortStrings := func(values []string) []string {
		out := append([]string{}, values...)
		for i := 0; i < len(out); i++ {
			for j := i + 1; j < len(out); j++ {
				if out[j] < out[i] {
					out[i], out[j] = out[j], out[i]
				}
			}
		}
		return out
	}
	if diff := cmp.Diff(sortStrings(emitted), sortStrings(submitted)); diff != "" {
		t.Fatal(diff)
	}
	if diff := cmp.Diff(
		sortStrings(settings.Inputs),
		sortStrings(nettest.measuredInputs()),
	); diff != "" {
		t.Fatal(diff)
	}
	checkProgress(t, events)
}

func TestRunnerUsesBouncerDiscovery(t *testing.T) {
	backend, server := newFakeBackend()
	defer server.Close()
	settings := newTestSettings()
	settings.Options.NoBouncer = false
	settings.Options.NoCollector = false
	settings.Options.BouncerBaseURL = server.URL
	nettest := &fakeNettest{helpers: []string{"fake-helper"}}
	handler := &collectorHandler{}
	NewRunner(settings, nettest, handler).Run(context.Background())
	events := handler.snapshot()
	create := findEvents(events, "status.report_create")
	if len(create) != 1 {
		t.Fatal("expected a single report_create event")
	}
	if !backend.reportClosed() {
		t.Fatal("the report was not closed")
	}
	measurements := findEvents(events, "measurement")
	if len(measurements) != 1 {
		t.Fatal("expected a single measurement event")
	}
	var mm map[string]interface{}
	jsonStr := measurements[0].Value.(EventMeasurement).JSONStr
	if err := json.Unmarshal([]byte(jsonStr), &mm); err != nil {
		t.Fatal(err)
	}
	if mm["report_id"] != backend.reportID {
		t.Fatal("unexpected report ID inside the measurement")
	}
	helpers := mm["test_helpers"].(map[string]interface{})
	entry := helpers["fake-helper"].(map[string]interface{})
	if entry["type"] != "https" || entry["address"] != "https://fake.th.ooni.io" {
		t.Fatal("unexpected test helper entry")
	}
}

func TestRunnerMeasurementFailure(t *testing.T) {
	settings := newTestSettings()
	nettest := &fakeNettest{runErr: errors.New("mocked error")}
	handler := &collectorHandler{}
	NewRunner(settings, nettest, handler).Run(context.Background())
	events := handler.snapshot()
	failures := findEvents(events, "failure.measurement")
	if len(failures) != 1 {
		t.Fatal("expected a single measurement failure")
	}
	value := failures[0].Value.(EventFailureMeasurement)
	if value.Failure != "generic_error" || value.Idx != 0 {
		t.Fatal("unexpected measurement failure value")
	}
	// Even a failed measurement is delivered to the caller.
	if len(findEvents(events, "measurement")) != 1 {
		t.Fatal("expected a single measurement event")
	}
	if len(findEvents(events, "status.measurement_done")) != 1 {
		t.Fatal("expected a single measurement_done event")
	}
}

func TestRunnerNeedsInputWithoutInput(t *testing.T) {
	settings := newTestSettings()
	nettest := &fakeNettest{needsInput: true}
	handler := &collectorHandler{}
	NewRunner(settings, nettest, handler).Run(context.Background())
	events := handler.snapshot()
	if len(findEvents(events, "status.measurement_start")) != 0 {
		t.Fatal("expected no measurements")
	}
	checkProgress(t, events)
	if len(findEvents(events, "status.end")) != 1 {
		t.Fatal("expected a single end event")
	}
}

func TestRunnerInterrupt(t *testing.T) {
	settings := newTestSettings()
	settings.Inputs = []string{"a", "b", "c", "d"}
	nettest := &fakeNettest{needsInput: true}
	handler := &collectorHandler{}
	runner := NewRunner(settings, nettest, handler)
	runner.Interrupt()
	runner.Run(context.Background())
	events := handler.snapshot()
	if len(findEvents(events, "status.measurement_start")) != 0 {
		t.Fatal("expected no measurements after an interrupt")
	}
	if len(findEvents(events, "status.end")) != 1 {
		t.Fatal("the session did not complete")
	}
}

func TestRunnerHonoursMaxRuntime(t *testing.T) {
	settings := newTestSettings()
	settings.Inputs = []string{"a", "b", "c", "d"}
	settings.Options.MaxRuntime = 0 // expires immediately
	nettest := &fakeNettest{needsInput: true}
	handler := &collectorHandler{}
	NewRunner(settings, nettest, handler).Run(context.Background())
	events := handler.snapshot()
	if len(findEvents(events, "status.measurement_start")) != 0 {
		t.Fatal("expected no measurements with an expired runtime")
	}
	if len(findEvents(events, "status.end")) != 1 {
		t.Fatal("the session did not complete")
	}
}

func TestRunnerRedaction(t *testing.T) {
	settings := newTestSettings()
	opts := &settings.Options
	opts.SaveRealProbeASN = false
	opts.SaveRealProbeCC = false
	opts.SaveRealResolverIP = false
	nettest := &fakeNettest{}
	handler := &collectorHandler{}
	NewRunner(settings, nettest, handler).Run(context.Background())
	events := handler.snapshot()
	var mm map[string]interface{}
	jsonStr := findEvents(events, "measurement")[0].Value.(EventMeasurement).JSONStr
	if err := json.Unmarshal([]byte(jsonStr), &mm); err != nil {
		t.Fatal(err)
	}
	if mm["probe_asn"] != "" || mm["probe_cc"] != "" || mm["probe_ip"] != "" {
		t.Fatal("probe metadata was not redacted")
	}
	annotations := mm["annotations"].(map[string]interface{})
	if annotations["probe_network_name"] != "" {
		t.Fatal("the network name was not redacted")
	}
}

func TestRunnerSessionsAreSerialized(t *testing.T) {
	var active, maxActive atomic.Int64
	makeHandler := func() EventHandler {
		return EventHandlerFunc(func(ev Event) {
			switch ev.Key {
			case "status.started":
				value := active.Add(1)
				for {
					current := maxActive.Load()
					if value <= current || maxActive.CompareAndSwap(current, value) {
						break
					}
				}
			case "status.end":
				active.Add(-1)
			}
		})
	}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			settings := newTestSettings()
			NewRunner(settings, &fakeNettest{}, makeHandler()).Run(context.Background())
		}()
	}
	wg.Wait()
	if maxActive.Load() != 1 {
		t.Fatal("sessions were not serialized")
	}
}

func TestRunnerLoadsInputFiles(t *testing.T) {
	tmpFile := t.TempDir() + "/inputs.txt"
	content := "https://www.example.com/\n\nhttps://www.example.org/\n"
	if err := os.WriteFile(tmpFile, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	settings := newTestSettings()
	settings.InputFilepaths = []string{tmpFile, "nonexistent.txt"}
	nettest := &fakeNettest{needsInput: true}
	handler := &collectorHandler{}
	NewRunner(settings, nettest, handler).Run(context.Background())
	inputs := nettest.measuredInputs()
	if len(inputs) != 2 {
		t.Fatal("unexpected number of measured inputs")
	}
	events := handler.snapshot()
	if len(findEvents(events, "status.measurement_start")) != 2 {
		t.Fatal("unexpected number of measurements")
	}
}

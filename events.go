package nettest2

//
// Events emitted during a measurement session
//

import (
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/ooni/nettest2/internal/model"
	"github.com/ooni/nettest2/internal/runtimex"
)

// Event is an event emitted during a measurement session.
type Event struct {
	// Key indicates the event type.
	Key string `json:"key"`

	// Value contains the event value.
	Value interface{} `json:"value"`
}

// EventHandler handles events emitted during a measurement session.
// The session calls OnEvent from multiple goroutines, hence the
// handler must be safe for concurrent use.
type EventHandler interface {
	OnEvent(Event)
}

// EventHandlerFunc allows using a function as an EventHandler.
type EventHandlerFunc func(Event)

var _ EventHandler = EventHandlerFunc(nil)

// OnEvent implements EventHandler.
func (fn EventHandlerFunc) OnEvent(ev Event) {
	fn(ev)
}

// writerEventHandler writes events as JSON lines. A mutex prevents
// concurrent writes from interleaving.
type writerEventHandler struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriterEventHandler creates an EventHandler that writes each
// event as a single JSON line to w.
func NewWriterEventHandler(w io.Writer) EventHandler {
	return &writerEventHandler{w: w}
}

// defaultEventHandler is the handler we use when the user does not
// override it. It writes JSON lines to the standard error.
var defaultEventHandler = NewWriterEventHandler(os.Stderr)

// OnEvent implements EventHandler.
func (eh *writerEventHandler) OnEvent(ev Event) {
	data, err := json.Marshal(ev)
	runtimex.PanicOnError(err, "json.Marshal failed")
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.w.Write(append(data, '\n'))
}

// eventEmpty is an event value without any field.
type eventEmpty struct{}

// EventStatusProgress is the value of status.progress.
type EventStatusProgress struct {
	Percentage float64 `json:"percentage"`
	Message    string  `json:"message"`
}

// EventStatusGeoIPLookup is the value of status.geoip_lookup.
type EventStatusGeoIPLookup struct {
	ProbeCC          string `json:"probe_cc"`
	ProbeASN         string `json:"probe_asn"`
	ProbeIP          string `json:"probe_ip"`
	ProbeNetworkName string `json:"probe_network_name"`
}

// EventStatusResolverLookup is the value of status.resolver_lookup.
type EventStatusResolverLookup struct {
	ResolverIP string `json:"resolver_ip"`
}

// EventStatusReportGeneric is the value of status.report_create
// and of status.report_close.
type EventStatusReportGeneric struct {
	ReportID string `json:"report_id"`
}

// EventStatusMeasurementStart is the value of
// status.measurement_start.
type EventStatusMeasurementStart struct {
	Idx   uint32 `json:"idx"`
	Input string `json:"input"`
}

// EventMeasurementGeneric is the value of status.measurement_submission
// and of status.measurement_done.
type EventMeasurementGeneric struct {
	Idx uint32 `json:"idx"`
}

// EventStatusEnd is the value of status.end.
type EventStatusEnd struct {
	Failure      string  `json:"failure"`
	DownloadedKB float64 `json:"downloaded_kb"`
	UploadedKB   float64 `json:"uploaded_kb"`
}

// EventFailureGeneric is the value of the failure.ip_lookup,
// failure.asn_lookup, failure.cc_lookup, failure.resolver_lookup,
// failure.report_create, and failure.report_close events.
type EventFailureGeneric struct {
	Failure             string           `json:"failure"`
	LibraryErrorContext model.ErrContext `json:"library_error_context"`
}

// EventFailureMeasurement is the value of failure.measurement.
type EventFailureMeasurement struct {
	Failure string `json:"failure"`
	Idx     uint32 `json:"idx"`
}

// EventFailureMeasurementSubmission is the value of
// failure.measurement_submission when the submission failed. The
// JSONStr field contains the measurement we could not submit.
type EventFailureMeasurementSubmission struct {
	Failure             string           `json:"failure"`
	LibraryErrorContext model.ErrContext `json:"library_error_context"`
	Idx                 uint32           `json:"idx"`
	JSONStr             string           `json:"json_str"`
}

// EventFailureNoReport is the value of failure.report_close and of
// failure.measurement_submission when there is no open report.
type EventFailureNoReport struct {
	Failure string `json:"failure"`
}

// EventMeasurement is the value of the measurement event.
type EventMeasurement struct {
	Idx     uint32 `json:"idx"`
	JSONStr string `json:"json_str"`
}

// EventLog is the value of the log event.
type EventLog struct {
	LogLevel string `json:"log_level"`
	Message  string `json:"message"`
}

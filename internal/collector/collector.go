// Package collector implements the collector client. We use the
// collector to open a report, submit measurements belonging to the
// report, and finally close the report.
package collector

import (
	"context"
	"errors"
	"strings"

	"github.com/ooni/nettest2/internal/bytecounter"
	"github.com/ooni/nettest2/internal/httpx"
	"github.com/ooni/nettest2/internal/model"
)

// ErrEmptyReportID indicates that the collector accepted our open
// request but returned an empty report ID.
var ErrEmptyReportID = errors.New("collector: empty report ID")

// Client is a client for the collector API. To construct a Client,
// make sure you initialize all fields marked as MANDATORY.
type Client struct {
	// BaseURL is the MANDATORY base URL of the collector.
	BaseURL string

	// Counter is the OPTIONAL byte counter.
	Counter *bytecounter.Counter

	// Logger is the MANDATORY logger to use.
	Logger model.Logger

	// UserAgent is the OPTIONAL user agent to use.
	UserAgent string
}

// ReportTemplate contains the report fields that stay constant for
// every measurement belonging to the same report.
type ReportTemplate struct {
	// ProbeASN is the probe's autonomous system number.
	ProbeASN string

	// ProbeCC is the probe's country code.
	ProbeCC string

	// SoftwareName is the name of the application.
	SoftwareName string

	// SoftwareVersion is the version of the application.
	SoftwareVersion string

	// TestName is the name of the nettest.
	TestName string

	// TestStartTime is the time when the nettest started.
	TestStartTime string

	// TestVersion is the version of the nettest.
	TestVersion string
}

// openRequest is the request for opening a report.
type openRequest struct {
	DataFormatVersion string   `json:"data_format_version"`
	Format            string   `json:"format"`
	InputHashes       []string `json:"input_hashes"`
	ProbeASN          string   `json:"probe_asn"`
	ProbeCC           string   `json:"probe_cc"`
	SoftwareName      string   `json:"software_name"`
	SoftwareVersion   string   `json:"software_version"`
	TestName          string   `json:"test_name"`
	TestStartTime     string   `json:"test_start_time"`
	TestVersion       string   `json:"test_version"`
}

// openResponse is the response when opening a report.
type openResponse struct {
	ReportID string `json:"report_id"`
}

// updateRequest is the request for submitting a measurement.
type updateRequest struct {
	Content string `json:"content"`
	Format  string `json:"format"`
}

// apiClient constructs the HTTP facade we use.
func (c *Client) apiClient() *httpx.Client {
	return &httpx.Client{
		BaseURL:   strings.TrimRight(c.BaseURL, "/"),
		Counter:   c.Counter,
		Logger:    c.Logger,
		UserAgent: c.UserAgent,
	}
}

// OpenReport opens a new report with the collector and returns the
// report ID assigned by the collector.
func (c *Client) OpenReport(ctx context.Context, tmpl ReportTemplate) (string, error) {
	request := &openRequest{
		DataFormatVersion: "0.2.0",
		Format:            "json",
		InputHashes:       []string{},
		ProbeASN:          tmpl.ProbeASN,
		ProbeCC:           tmpl.ProbeCC,
		SoftwareName:      tmpl.SoftwareName,
		SoftwareVersion:   tmpl.SoftwareVersion,
		TestName:          tmpl.TestName,
		TestStartTime:     tmpl.TestStartTime,
		TestVersion:       tmpl.TestVersion,
	}
	var response openResponse
	if err := c.apiClient().PostJSON(ctx, "/report", request, &response); err != nil {
		return "", err
	}
	if response.ReportID == "" {
		return "", ErrEmptyReportID
	}
	c.Logger.Debugf("collector: report ID: %s", response.ReportID)
	return response.ReportID, nil
}

// UpdateReport submits a measurement, serialized to JSON by the
// caller, to the report with the given ID. We submit the serialized
// measurement untouched, so that what the collector receives is byte
// for byte what the caller emitted.
func (c *Client) UpdateReport(ctx context.Context, reportID, measurement string) error {
	request := &updateRequest{
		Content: measurement,
		Format:  "json",
	}
	return c.apiClient().PostJSON(ctx, "/report/"+reportID, request, nil)
}

// CloseReport closes the report with the given ID. The request has
// an empty body and we ignore the response body.
func (c *Client) CloseReport(ctx context.Context, reportID string) error {
	_, err := c.apiClient().Post(ctx, "/report/"+reportID+"/close", nil)
	return err
}

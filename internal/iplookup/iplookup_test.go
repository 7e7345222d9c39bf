package iplookup

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ooni/nettest2/internal/bytecounter"
	"github.com/ooni/nettest2/internal/model"
)

const ubuntuDocument = `<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Ip> 93.147.252.33 </Ip>
  <Status>OK</Status>
  <CountryCode>IT</CountryCode>
</Response>`

func TestDoSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/lookup" {
				w.WriteHeader(404)
				return
			}
			w.Write([]byte(ubuntuDocument))
		}))
	defer server.Close()
	clnt := &Client{BaseURL: server.URL, Logger: model.DiscardLogger}
	ip, err := clnt.Do(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ip != "93.147.252.33" {
		t.Fatal("unexpected IP address", ip)
	}
}

func TestDoWithHTTPFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(500)
		}))
	defer server.Close()
	clnt := &Client{BaseURL: server.URL, Logger: model.DiscardLogger}
	ip, err := clnt.Do(context.Background())
	if err == nil {
		t.Fatal("expected an error here")
	}
	if ip != model.DefaultProbeIP {
		t.Fatal("unexpected IP address", ip)
	}
}

func TestDoWithInvalidXML(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<<<"))
		}))
	defer server.Close()
	clnt := &Client{BaseURL: server.URL, Logger: model.DiscardLogger}
	ip, err := clnt.Do(context.Background())
	var libErr *model.LibraryError
	if !errors.As(err, &libErr) {
		t.Fatal("cannot unwrap the library error")
	}
	if libErr.LibraryName != "encoding/xml" {
		t.Fatal("unexpected library name")
	}
	if ip != model.DefaultProbeIP {
		t.Fatal("unexpected IP address", ip)
	}
}

func TestDoWithInvalidIPAddress(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("<Response><Ip>antani</Ip></Response>"))
		}))
	defer server.Close()
	clnt := &Client{BaseURL: server.URL, Logger: model.DiscardLogger}
	ip, err := clnt.Do(context.Background())
	if !errors.Is(err, ErrInvalidIPAddress) {
		t.Fatal("not the error we expected", err)
	}
	if ip != model.DefaultProbeIP {
		t.Fatal("unexpected IP address", ip)
	}
}

func TestDoCountsBytes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(ubuntuDocument))
		}))
	defer server.Close()
	counter := bytecounter.New()
	clnt := &Client{
		BaseURL: server.URL,
		Counter: counter,
		Logger:  model.DiscardLogger,
	}
	if _, err := clnt.Do(context.Background()); err != nil {
		t.Fatal(err)
	}
	if counter.BytesReceived() <= 0 || counter.BytesSent() <= 0 {
		t.Fatal("the lookup was not accounted")
	}
}

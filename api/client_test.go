package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"aegis/logger"
)

func init() {
	logger.Init("error")
}

func TestCheckHashes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/hash-check" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req hashCheckRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.DeviceID != "dev-1" || len(req.Hashes) != 2 {
			t.Errorf("unexpected request: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(hashCheckResponse{Results: []Classification{
			{Hash: req.Hashes[0], IsThreat: true, ThreatName: "Trojan.Foo", Severity: "high"},
			{Hash: req.Hashes[1], IsThreat: false},
		}})
	}))
	defer srv.Close()

	c := New(srv.URL, "dev-1")
	got, err := c.CheckHashes(context.Background(), []string{"aaaa", "bbbb"})
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !got["aaaa"].IsThreat || got["aaaa"].ThreatName != "Trojan.Foo" {
		t.Fatalf("classification mismatch: %+v", got["aaaa"])
	}
	if got["bbbb"].IsThreat {
		t.Fatal("clean hash classified as threat")
	}
}

func TestPostRetriesOnServerError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "dev-1")
	err := c.SubmitScanReport(context.Background(), ScanReport{ScanType: "quick", Status: "completed"})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls.Load())
	}
}

func TestPostDoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := New(srv.URL, "dev-1")
	err := c.ReportQuarantineDelete(context.Background(), "q-1")
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", calls.Load())
	}
}

func TestRequestSignedUpload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req signedUploadRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.QuarantineID != "q-9" || req.FileSize != 123 {
			t.Errorf("unexpected request: %+v", req)
		}
		_ = json.NewEncoder(w).Encode(SignedUpload{UploadURL: "https://bucket/put", StorageKey: "k"})
	}))
	defer srv.Close()

	c := New(srv.URL, "dev-1")
	got, err := c.RequestSignedUpload(context.Background(), "q-9", 123, "application/octet-stream")
	if err != nil {
		t.Fatalf("signed upload: %v", err)
	}
	if got.UploadURL != "https://bucket/put" || got.StorageKey != "k" {
		t.Fatalf("response mismatch: %+v", got)
	}
}

func TestUploadFileRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(srv.URL, "dev-1")
	err := c.UploadFile(context.Background(), srv.URL, "text/plain", strings.NewReader("data"), 4)
	if !errors.Is(err, ErrUploadRejected) {
		t.Fatalf("expected ErrUploadRejected, got %v", err)
	}
}

func TestUploadFileStreamsBody(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
		if r.Header.Get("Content-Type") != "application/pdf" {
			t.Errorf("content type: %s", r.Header.Get("Content-Type"))
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "dev-1")
	if err := c.UploadFile(context.Background(), srv.URL, "application/pdf", strings.NewReader("pdfbytes"), 8); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if string(got) != "pdfbytes" {
		t.Fatalf("body mismatch: %q", got)
	}
}

func TestReportLocationStampsDevice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var loc LocationReport
		_ = json.NewDecoder(r.Body).Decode(&loc)
		if loc.DeviceID != "dev-1" || loc.CommandID != "cmd-7" {
			t.Errorf("unexpected location: %+v", loc)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "dev-1")
	err := c.ReportLocation(context.Background(), LocationReport{
		CommandID: "cmd-7",
		Latitude:  52.1,
		Longitude: 4.3,
		Accuracy:  10,
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("location: %v", err)
	}
}

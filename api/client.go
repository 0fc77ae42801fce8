package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"aegis/logger"
	"aegis/version"

	"github.com/cenkalti/backoff/v5"
)

// ErrUploadRejected is returned when a signed upload destination refuses the
// streamed bytes.
var ErrUploadRejected = errors.New("api: upload rejected")

const defaultTimeout = 15 * time.Second

// Client talks to the agent backend. Transient failures (network errors,
// 5xx) are retried with exponential backoff; 4xx responses are permanent.
type Client struct {
	baseURL  string
	deviceID string
	http     *http.Client
	maxTries uint
}

func New(baseURL, deviceID string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		deviceID: deviceID,
		http:     &http.Client{Timeout: defaultTimeout},
		maxTries: 4,
	}
}

// DeviceID returns the identifier this client stamps on device-scoped calls.
func (c *Client) DeviceID() string {
	return c.deviceID
}

// Classification is the oracle's verdict for one fingerprint.
type Classification struct {
	Hash       string `json:"hash"`
	IsThreat   bool   `json:"is_threat"`
	ThreatName string `json:"threat_name,omitempty"`
	Severity   string `json:"severity,omitempty"`
	Category   string `json:"category,omitempty"`
}

type hashCheckRequest struct {
	Hashes   []string `json:"hashes"`
	DeviceID string   `json:"device_id"`
}

type hashCheckResponse struct {
	Results []Classification `json:"results"`
}

// CheckHashes submits one batch of fingerprints and returns the aligned
// classifications keyed by hash.
func (c *Client) CheckHashes(ctx context.Context, hashes []string) (map[string]Classification, error) {
	var resp hashCheckResponse
	err := c.post(ctx, "/v1/hash-check", hashCheckRequest{Hashes: hashes, DeviceID: c.deviceID}, &resp)
	if err != nil {
		return nil, err
	}
	byHash := make(map[string]Classification, len(resp.Results))
	for _, r := range resp.Results {
		byHash[r.Hash] = r
	}
	return byHash, nil
}

// ThreatEntry is one detected threat inside a scan report. FilePath is
// already sanitized by the orchestrator before it reaches this type.
type ThreatEntry struct {
	FileName   string `json:"file_name"`
	FilePath   string `json:"file_path"`
	FileHash   string `json:"file_hash"`
	ThreatName string `json:"threat_name,omitempty"`
	Severity   string `json:"severity,omitempty"`
	Category   string `json:"category,omitempty"`
}

// ScanReport is the completion (or failure) summary for one scan run.
type ScanReport struct {
	DeviceID     string        `json:"device_id"`
	ScanType     string        `json:"scan_type"`
	Status       string        `json:"status"`
	FilesScanned int           `json:"files_scanned"`
	ThreatsFound int           `json:"threats_found"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  time.Time     `json:"completed_at"`
	Threats      []ThreatEntry `json:"threats,omitempty"`
	Error        string        `json:"error,omitempty"`
}

func (c *Client) SubmitScanReport(ctx context.Context, report ScanReport) error {
	if report.DeviceID == "" {
		report.DeviceID = c.deviceID
	}
	return c.post(ctx, "/v1/scan-report", report, nil)
}

// QuarantineEvent records a file movement into quarantine on the backend
// ledger.
type QuarantineEvent struct {
	QuarantineID string    `json:"quarantine_id"`
	DeviceID     string    `json:"device_id"`
	FileName     string    `json:"file_name"`
	FilePath     string    `json:"file_path"`
	FileSize     int64     `json:"file_size"`
	FileHash     string    `json:"file_hash"`
	ThreatName   string    `json:"threat_name,omitempty"`
	Severity     string    `json:"severity,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (c *Client) ReportQuarantineEvent(ctx context.Context, ev QuarantineEvent) error {
	if ev.DeviceID == "" {
		ev.DeviceID = c.deviceID
	}
	return c.post(ctx, "/v1/quarantine-event", ev, nil)
}

func (c *Client) ReportQuarantineDelete(ctx context.Context, quarantineID string) error {
	payload := map[string]string{"quarantine_id": quarantineID, "device_id": c.deviceID}
	return c.post(ctx, "/v1/quarantine-delete", payload, nil)
}

// SignedUpload describes where quarantined file bytes should be streamed.
type SignedUpload struct {
	UploadURL  string `json:"upload_url"`
	StorageKey string `json:"storage_key"`
}

type signedUploadRequest struct {
	QuarantineID string `json:"quarantine_id"`
	DeviceID     string `json:"device_id"`
	FileSize     int64  `json:"file_size"`
	ContentType  string `json:"content_type"`
}

func (c *Client) RequestSignedUpload(ctx context.Context, quarantineID string, fileSize int64, contentType string) (SignedUpload, error) {
	var out SignedUpload
	err := c.post(ctx, "/v1/quarantine-signed-upload", signedUploadRequest{
		QuarantineID: quarantineID,
		DeviceID:     c.deviceID,
		FileSize:     fileSize,
		ContentType:  contentType,
	}, &out)
	return out, err
}

// UploadFile streams body to a signed destination with PUT. Non-2xx answers
// surface as ErrUploadRejected; the upload is not retried because signed
// URLs are single-use.
func (c *Client) UploadFile(ctx context.Context, uploadURL, contentType string, body io.Reader, size int64) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, body)
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s", ErrUploadRejected, resp.Status)
	}
	return nil
}

// DeviceRegistration announces the device and its environment to the backend.
type DeviceRegistration struct {
	DeviceID     string                 `json:"device_id"`
	AgentVersion string                 `json:"agent_version"`
	Platform     string                 `json:"platform"`
	System       map[string]interface{} `json:"system,omitempty"`
}

func (c *Client) RegisterDevice(ctx context.Context, reg DeviceRegistration) error {
	if reg.DeviceID == "" {
		reg.DeviceID = c.deviceID
	}
	if reg.AgentVersion == "" {
		reg.AgentVersion = version.Version
	}
	return c.post(ctx, "/v1/device/register", reg, nil)
}

// CommandAck reports the terminal outcome of a remote command back to the
// backend.
type CommandAck struct {
	DeviceID    string `json:"device_id"`
	CommandID   string `json:"command_id"`
	CommandType string `json:"command_type"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

func (c *Client) AckCommand(ctx context.Context, ack CommandAck) error {
	if ack.DeviceID == "" {
		ack.DeviceID = c.deviceID
	}
	return c.post(ctx, "/v1/commands/ack", ack, nil)
}

// LocationReport answers a locate command.
type LocationReport struct {
	DeviceID  string    `json:"device_id"`
	CommandID string    `json:"command_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy"`
	Timestamp time.Time `json:"timestamp"`
}

func (c *Client) ReportLocation(ctx context.Context, loc LocationReport) error {
	if loc.DeviceID == "" {
		loc.DeviceID = c.deviceID
	}
	return c.post(ctx, "/v1/device/location", loc, nil)
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	operation := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "aegis/"+version.Version)

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			return data, nil
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("api: %s returned %s", path, resp.Status)
		default:
			return nil, backoff.Permanent(fmt.Errorf("api: %s returned %s", path, resp.Status))
		}
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 200 * time.Millisecond
	data, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(c.maxTries),
	)
	if err != nil {
		return err
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			logger.Debugf("Failed to decode %s response: %v", path, err)
			return fmt.Errorf("api: decode %s response: %w", path, err)
		}
	}
	return nil
}

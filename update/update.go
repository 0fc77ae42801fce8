package update

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type releaseInfo struct {
	Version string `json:"version"`
	Notes   string `json:"notes"`
}

// CheckForUpdate asks the agent backend for the latest released agent
// version. It reports whether the running version is outdated, plus the
// release notes when it is.
func CheckForUpdate(ctx context.Context, baseURL, current string) (string, string, bool, error) {
	url := strings.TrimRight(baseURL, "/") + "/v1/agent/latest"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", false, err
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", "", false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", false, fmt.Errorf("unexpected status: %s", resp.Status)
	}
	var info releaseInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", "", false, err
	}
	latest := strings.TrimPrefix(info.Version, "v")
	if latest != current {
		return latest, info.Notes, true, nil
	}
	return latest, "", false, nil
}

// RefreshSignatures downloads the newline-delimited threat fingerprint
// snapshot and replaces the local copy atomically, so a crash mid-download
// never leaves a truncated signature file behind. Returns the number of
// fingerprints in the new snapshot.
func RefreshSignatures(ctx context.Context, baseURL, path string) (int, error) {
	url := strings.TrimRight(baseURL, "/") + "/v1/signatures/snapshot"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status: %s", resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".signatures-*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	count := 0
	w := bufio.NewWriter(tmp)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, err := w.WriteString(line + "\n"); err != nil {
			tmp.Close()
			return 0, err
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, err
	}
	return count, nil
}

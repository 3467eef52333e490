// Copyright 2026 The Commandfeed Authors
// SPDX-License-Identifier: Apache-2.0

package export

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mysoftskill/commandfeed/command"
)

// Verdict is a malware scan result for one content hash.
type Verdict struct {
	Malware       bool   `json:"malware"`
	Determination string `json:"determination,omitempty"`
}

// malwareDeterminations are the determination values treated as
// malicious even when a scan service omits the explicit flag.
var malwareDeterminations = map[string]bool{
	"malware":    true,
	"infected":   true,
	"pua":        true,
	"ransomware": true,
}

// ScanRequest identifies one staged file for scanning. Path and
// CommandID key the scan on the service side; ReferenceTime is the
// latest completion time across the command's agents, which the
// service uses to pick the signature set in effect when the content
// was produced. ContentHash rides along for result caching.
type ScanRequest struct {
	Path          string            `json:"path"`
	CommandID     command.CommandID `json:"commandId"`
	ContentHash   string            `json:"contentHash"`
	ReferenceTime time.Time         `json:"referenceTime"`
}

// Scanner answers malware verdicts for staged files. Implementations
// must treat files the service has no record of as clean: export
// delivery cannot block on scan coverage.
type Scanner interface {
	Scan(ctx context.Context, req ScanRequest) (Verdict, error)
}

// NopScanner reports every file clean. Used when no scan service is
// configured.
type NopScanner struct{}

// Scan implements Scanner.
func (NopScanner) Scan(context.Context, ScanRequest) (Verdict, error) { return Verdict{}, nil }

// ReplacementNotice is the content written in place of a file the
// scanner flagged. The original bytes never reach the archive.
const ReplacementNotice = "The content of this file was removed during packaging " +
	"because it was determined to contain malware. " +
	"If you believe this is an error, contact the service that produced your export."

// HashContent copies r to w while computing the content hash the
// scanner is keyed by. Returns the hex hash and the byte count.
func HashContent(w io.Writer, r io.Reader) (string, int64, error) {
	hasher := blake3.New()
	n, err := io.Copy(io.MultiWriter(w, hasher), r)
	if err != nil {
		return "", n, fmt.Errorf("export: hashing content: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}

// HTTPScanner queries a scan service over HTTP: POST
// {base}/verdicts with a ScanRequest body returns a Verdict JSON
// document, or 404 for content the service has no record of. Service
// failures degrade to clean verdicts with a warning; packaging never
// fails on the scanner.
type HTTPScanner struct {
	BaseURL string

	// Client defaults to a client with a 30s timeout.
	Client *http.Client

	// Logger receives degradation warnings. Nil means discard.
	Logger *slog.Logger
}

var _ Scanner = (*HTTPScanner)(nil)

// Scan implements Scanner.
func (s *HTTPScanner) Scan(ctx context.Context, scan ScanRequest) (Verdict, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	body, err := json.Marshal(scan)
	if err != nil {
		return Verdict{}, fmt.Errorf("export: encoding scan request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/verdicts", bytes.NewReader(body))
	if err != nil {
		return Verdict{}, fmt.Errorf("export: scan request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		logger.Warn("scan service unreachable, treating content as clean",
			"path", scan.Path, "error", err)
		return Verdict{}, nil
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var verdict Verdict
		if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
			logger.Warn("scan service returned malformed verdict, treating content as clean",
				"path", scan.Path, "error", err)
			return Verdict{}, nil
		}
		if !verdict.Malware && malwareDeterminations[strings.ToLower(verdict.Determination)] {
			verdict.Malware = true
		}
		return verdict, nil
	case http.StatusNotFound:
		return Verdict{}, nil
	default:
		logger.Warn("scan service returned unexpected status, treating content as clean",
			"path", scan.Path, "status", resp.StatusCode)
		return Verdict{}, nil
	}
}

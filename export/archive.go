// Copyright 2026 The Commandfeed Authors
// SPDX-License-Identifier: Apache-2.0

package export

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"

	"github.com/mysoftskill/commandfeed/analytics"
	"github.com/mysoftskill/commandfeed/blob"
	"github.com/mysoftskill/commandfeed/command"
	"github.com/mysoftskill/commandfeed/lib/clock"
)

// Source is one staged output location feeding an archive: where one
// agent wrote its part of the export.
type Source struct {
	AgentID      command.AgentID
	AssetGroupID command.AssetGroupID

	// ContainerURI and PathPrefix locate the staged blobs.
	ContainerURI string
	PathPrefix   string
}

// Counters summarizes one archive build.
type Counters struct {
	// Sources is the number of staged locations read.
	Sources int64
	// Files is the number of entries packaged, manifest excluded.
	Files int64
	// Bytes is the uncompressed payload size packaged.
	Bytes int64
}

// BuilderConfig tunes archive packaging.
type BuilderConfig struct {
	// TranscodeCSV converts .json entries that hold an array of
	// objects to .csv for consumer-subject commands. Entries that
	// do not transcode keep their original JSON.
	TranscodeCSV bool

	// ListPageSize is the blob listing page size. Default 500.
	ListPageSize int
}

// Builder packages staged export output into the delivered archive.
type Builder struct {
	Blobs     blob.Service
	Scanner   Scanner
	Analytics analytics.Sink
	Paths     *PathMapper
	Clock     clock.Clock
	Logger    *slog.Logger
	Config    BuilderConfig
}

// ArchiveName is the default archive blob name for a command.
func ArchiveName(commandID command.CommandID) string {
	return "Export-" + string(commandID) + ".zip"
}

// BuildRequest describes one archive to package and deliver.
type BuildRequest struct {
	CommandID command.CommandID
	Sources   []Source

	// FinalContainerURI and FinalDestinationPath locate the
	// delivered archive. FinalDestinationPath defaults to
	// ArchiveName.
	FinalContainerURI    string
	FinalDestinationPath string

	// SubjectType is the command's subject kind. CSV transcoding
	// applies to consumer subjects only.
	SubjectType string

	// ReferenceTime is the latest completion time across the
	// command's agents, forwarded to the scanner.
	ReferenceTime time.Time
}

// Build packages every source into a single zip and delivers it to
// the request's final destination. Idempotent: an archive that
// already exists at the destination is left alone. Archives are only
// built into managed storage; a destination outside it was written
// by the agent directly and is skipped entirely.
//
// The archive is assembled in a temporary file and uploaded only when
// packaging succeeded, so the destination never holds a partial
// archive.
func (b *Builder) Build(ctx context.Context, req BuildRequest) (*Counters, error) {
	if req.FinalContainerURI == "" {
		return nil, fmt.Errorf("export: command %s has no final destination", req.CommandID)
	}
	logger := b.logger().With("command_id", req.CommandID)

	if !b.Blobs.IsManaged(req.FinalContainerURI) {
		logger.Info("final destination is agent-managed storage, skipping archive")
		return &Counters{}, nil
	}

	archivePath := req.FinalDestinationPath
	if archivePath == "" {
		archivePath = ArchiveName(req.CommandID)
	}

	final, err := b.Blobs.Container(req.FinalContainerURI)
	if err != nil {
		return nil, err
	}
	if err := final.Create(ctx); err != nil {
		return nil, err
	}
	exists, err := final.Exists(ctx, archivePath)
	if err != nil {
		return nil, err
	}
	if exists {
		logger.Info("archive already delivered", "path", archivePath)
		return &Counters{}, nil
	}

	staged, err := b.listSources(ctx, req.Sources)
	if err != nil {
		return nil, err
	}

	counters := &Counters{Sources: int64(len(req.Sources))}

	tmp, err := os.CreateTemp("", "export-archive-*.zip")
	if err != nil {
		return nil, fmt.Errorf("export: creating archive scratch file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	spool, err := os.CreateTemp("", "export-spool-*")
	if err != nil {
		return nil, fmt.Errorf("export: creating spool file: %w", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	zw := zip.NewWriter(tmp)
	usedNames := map[string]bool{}
	var manifestPaths []string

	for _, item := range staged {
		entryName := b.entryName(item, usedNames)
		written, err := b.packageBlob(ctx, req, item, zw, entryName, spool, logger)
		if err != nil {
			return nil, err
		}
		manifestPaths = append(manifestPaths, written.name)
		counters.Files++
		counters.Bytes += written.bytes
	}

	mw, err := zw.Create(ManifestEntryName)
	if err != nil {
		return nil, fmt.Errorf("export: creating manifest entry: %w", err)
	}
	if err := WriteManifest(mw, manifestPaths); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("export: finalizing archive: %w", err)
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("export: rewinding archive: %w", err)
	}
	if err := final.Upload(ctx, archivePath, tmp); err != nil {
		return nil, err
	}

	logger.Info("archive delivered",
		"path", archivePath,
		"sources", counters.Sources,
		"files", counters.Files,
		"bytes", counters.Bytes)
	return counters, nil
}

// IntegrityError reports a staged blob whose content changed between
// listing and packaging. The build aborts rather than delivering an
// archive that mixes two generations of staged output.
type IntegrityError struct {
	Path     string
	Expected int64
	Actual   int64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("export: staged blob %s changed during packaging: listed %d bytes, read %d",
		e.Path, e.Expected, e.Actual)
}

type stagedBlob struct {
	source Source
	info   blob.Info
}

func (b *Builder) listSources(ctx context.Context, sources []Source) ([]stagedBlob, error) {
	pageSize := b.Config.ListPageSize
	if pageSize <= 0 {
		pageSize = 500
	}

	var staged []stagedBlob
	for _, source := range sources {
		container, err := b.Blobs.Container(source.ContainerURI)
		if err != nil {
			return nil, err
		}
		token := ""
		for {
			page, err := container.List(ctx, source.PathPrefix, token, pageSize)
			if err != nil {
				return nil, err
			}
			for _, info := range page.Items {
				staged = append(staged, stagedBlob{source: source, info: info})
			}
			if page.NextToken == "" {
				break
			}
			token = page.NextToken
		}
	}
	return staged, nil
}

// entryName maps a staged blob to its archive entry name, deduping
// collisions across sources.
func (b *Builder) entryName(item stagedBlob, used map[string]bool) string {
	name := strings.TrimPrefix(item.info.Path, item.source.PathPrefix)
	name = strings.TrimPrefix(name, "/")
	if b.Paths != nil {
		name = b.Paths.Transform(name)
	}

	candidate := name
	for i := 2; used[candidate]; i++ {
		ext := path.Ext(name)
		candidate = fmt.Sprintf("%s-%d%s", strings.TrimSuffix(name, ext), i, ext)
	}
	used[candidate] = true
	return candidate
}

type packagedEntry struct {
	name  string
	bytes int64
}

// unwrapZipEntry copies the single file inside a zip-wrapped staged
// blob directly into the archive. The unwrap applies only when the
// inner file's name plus ".zip" matches the staged blob's name, the
// convention agents use when they zip a single output file. Returns
// ok=false otherwise, in which case the caller packages the staged
// bytes as they are.
func unwrapZipEntry(zw *zip.Writer, spool *os.File, size int64, entryName string) (packagedEntry, bool, error) {
	zr, err := zip.NewReader(io.NewSectionReader(spool, 0, size), size)
	if err != nil {
		return packagedEntry{}, false, nil
	}

	var inner *zip.File
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		if inner != nil {
			return packagedEntry{}, false, nil
		}
		inner = f
	}
	if inner == nil {
		return packagedEntry{}, false, nil
	}
	if inner.Name+".zip" != path.Base(entryName) {
		return packagedEntry{}, false, nil
	}

	r, err := inner.Open()
	if err != nil {
		return packagedEntry{}, false, nil
	}
	defer r.Close()

	unwrapped := strings.TrimSuffix(entryName, path.Ext(entryName))
	w, err := zw.Create(unwrapped)
	if err != nil {
		return packagedEntry{}, false, fmt.Errorf("export: creating entry %s: %w", unwrapped, err)
	}
	n, err := io.Copy(w, r)
	if err != nil {
		return packagedEntry{}, false, fmt.Errorf("export: unwrapping entry %s: %w", unwrapped, err)
	}
	return packagedEntry{name: unwrapped, bytes: n}, true, nil
}

// packageBlob spools one staged blob, scans it, and writes the
// resulting entry: replacement notice for malware, CSV when
// transcoding applies, the original bytes otherwise.
func (b *Builder) packageBlob(ctx context.Context, req BuildRequest, item stagedBlob, zw *zip.Writer, entryName string, spool *os.File, logger *slog.Logger) (packagedEntry, error) {
	size, hash, err := b.spoolBlob(ctx, item, spool)
	if err != nil {
		return packagedEntry{}, err
	}

	verdict, err := b.Scanner.Scan(ctx, ScanRequest{
		Path:          item.info.Path,
		CommandID:     req.CommandID,
		ContentHash:   hash,
		ReferenceTime: req.ReferenceTime,
	})
	if err != nil {
		return packagedEntry{}, err
	}
	if verdict.Malware {
		if err := b.recordMalware(ctx, req.CommandID, item, hash, verdict); err != nil {
			return packagedEntry{}, err
		}
		logger.Warn("malware detected in staged output, content replaced",
			"path", item.info.Path, "determination", verdict.Determination)
		w, err := zw.Create(entryName)
		if err != nil {
			return packagedEntry{}, fmt.Errorf("export: creating entry %s: %w", entryName, err)
		}
		n, err := io.WriteString(w, ReplacementNotice)
		if err != nil {
			return packagedEntry{}, fmt.Errorf("export: writing entry %s: %w", entryName, err)
		}
		return packagedEntry{name: entryName, bytes: int64(n)}, nil
	}

	// A staged file an agent zip-wrapped on its own passes through
	// unwrapped, so the reader is not handed a zip nested in the
	// archive. Multi-entry, unreadable, or differently named zips
	// keep their staged form.
	if strings.EqualFold(path.Ext(entryName), ".zip") {
		entry, ok, err := unwrapZipEntry(zw, spool, size, entryName)
		if err != nil {
			return packagedEntry{}, err
		}
		if ok {
			return entry, nil
		}
	}

	// Agents sometimes stage gzip-wrapped files; unwrap them so the
	// reader is not handed nested compression. Content that does not
	// actually decode as gzip keeps its staged form.
	if strings.EqualFold(path.Ext(entryName), ".gz") {
		if gz, gzErr := gzip.NewReader(io.NewSectionReader(spool, 0, size)); gzErr == nil {
			unwrapped := strings.TrimSuffix(entryName, path.Ext(entryName))
			w, err := zw.Create(unwrapped)
			if err != nil {
				return packagedEntry{}, fmt.Errorf("export: creating entry %s: %w", unwrapped, err)
			}
			n, err := io.Copy(w, gz)
			if err == nil {
				err = gz.Close()
			}
			if err != nil {
				return packagedEntry{}, fmt.Errorf("export: unwrapping entry %s: %w", unwrapped, err)
			}
			return packagedEntry{name: unwrapped, bytes: n}, nil
		}
	}

	if b.Config.TranscodeCSV && req.SubjectType == command.SubjectMSA && strings.EqualFold(path.Ext(entryName), ".json") {
		var buf bytes.Buffer
		if err := TranscodeJSONToCSV(io.NewSectionReader(spool, 0, size), &buf); err == nil {
			csvName := strings.TrimSuffix(entryName, path.Ext(entryName)) + ".csv"
			w, err := zw.Create(csvName)
			if err != nil {
				return packagedEntry{}, fmt.Errorf("export: creating entry %s: %w", csvName, err)
			}
			n, err := buf.WriteTo(w)
			if err != nil {
				return packagedEntry{}, fmt.Errorf("export: writing entry %s: %w", csvName, err)
			}
			return packagedEntry{name: csvName, bytes: n}, nil
		}
		// Not tabular; keep the JSON as staged.
	}

	w, err := zw.Create(entryName)
	if err != nil {
		return packagedEntry{}, fmt.Errorf("export: creating entry %s: %w", entryName, err)
	}
	n, err := io.Copy(w, io.NewSectionReader(spool, 0, size))
	if err != nil {
		return packagedEntry{}, fmt.Errorf("export: writing entry %s: %w", entryName, err)
	}
	return packagedEntry{name: entryName, bytes: n}, nil
}

// spoolBlob copies the staged blob into the spool file and returns
// its size and content hash.
func (b *Builder) spoolBlob(ctx context.Context, item stagedBlob, spool *os.File) (int64, string, error) {
	r, err := b.containerFor(item.source)
	if err != nil {
		return 0, "", err
	}
	rc, err := r.Open(ctx, item.info.Path)
	if err != nil {
		return 0, "", err
	}
	defer rc.Close()

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return 0, "", fmt.Errorf("export: rewinding spool: %w", err)
	}
	if err := spool.Truncate(0); err != nil {
		return 0, "", fmt.Errorf("export: truncating spool: %w", err)
	}
	hash, size, err := HashContent(spool, rc)
	if err != nil {
		return 0, "", err
	}
	if item.info.Size > 0 && size != item.info.Size {
		return 0, "", &IntegrityError{Path: item.info.Path, Expected: item.info.Size, Actual: size}
	}
	return size, hash, nil
}

func (b *Builder) containerFor(source Source) (blob.Container, error) {
	return b.Blobs.Container(source.ContainerURI)
}

func (b *Builder) recordMalware(ctx context.Context, commandID command.CommandID, item stagedBlob, hash string, verdict Verdict) error {
	if b.Analytics == nil {
		return nil
	}
	return b.Analytics.WriteMalwareDetection(ctx, &analytics.MalwareDetection{
		DetectedAt:    b.Clock.Now(),
		CommandID:     commandID,
		AgentID:       item.source.AgentID,
		AssetGroupID:  item.source.AssetGroupID,
		Path:          item.info.Path,
		ContentHash:   hash,
		Determination: verdict.Determination,
	})
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return b.Logger
}

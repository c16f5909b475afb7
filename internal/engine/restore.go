package engine

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/coldvault/coldvault/internal/chunkstore"
	"github.com/coldvault/coldvault/internal/crypto"
	"github.com/coldvault/coldvault/internal/manifest"
	"github.com/coldvault/coldvault/internal/transport"
)

// RestoreConfig describes one restore session: where to read the remote
// tree from, where to write the restored files locally, and the session's
// tunables.
type RestoreConfig struct {
	Src      transport.Transport
	SrcPath  string
	DestRoot string
	Keys     *crypto.KeyCache

	// Include, if non-nil, restores only paths it matches. Exclude, if
	// non-nil, skips paths it matches. Both are evaluated per spec.md
	// §4.6 step 4; a path rejected by either filter is simply skipped,
	// never aborts the session (the original's `break`-on-mismatch bug
	// is corrected to `continue`; see DESIGN.md).
	Include *regexp.Regexp
	Exclude *regexp.Regexp

	// ListOnly, when true, replaces the restore of file content with
	// printing the plan (the paths that would be restored) and returns
	// without touching the filesystem. This stands in for the original's
	// dead "only print file list" code path; see DESIGN.md.
	ListOnly bool

	Opts Options
}

// RestoreReport summarizes one completed restore session.
type RestoreReport struct {
	EntriesPlanned    int
	FilesRestored     int
	FilesUnchanged    int
	FilesFiltered     int
	IntegrityFailures int
	Listed            []string
	Skipped           []SkippedFile
}

// Restore runs one full restore session against cfg, implementing the
// algorithm of spec.md §4.6: fetch and replay the manifest, plan restores
// in size-descending order, apply include/exclude filters, skip files
// already present with a matching hash, and stream-decrypt the rest.
func Restore(ctx context.Context, cfg RestoreConfig) (*RestoreReport, error) {
	log := cfg.Opts.logger()
	tracer := cfg.Opts.tracer()
	ctx, span := tracer.Start(ctx, "coldvault.restore")
	defer span.End()

	sessionStart := time.Now()
	op := "restore"
	if cfg.ListOnly {
		op = "restore-list-only"
	}
	if cfg.Opts.Audit != nil {
		cfg.Opts.Audit.LogSessionStart(op)
	}

	report := &RestoreReport{}
	success := false
	defer func() {
		if cfg.Opts.Audit != nil {
			cfg.Opts.Audit.LogSessionEnd(op, success, time.Since(sessionStart))
		}
	}()

	if err := cfg.Src.Chdir(cfg.SrcPath); err != nil {
		return nil, fmt.Errorf("engine: chdir src %s: %w", cfg.SrcPath, err)
	}

	if !cfg.Src.IsFile(manifest.LogName) {
		success = true
		return report, nil
	}

	raw, err := cfg.Src.GetToBuffer(manifest.LogName)
	if err != nil {
		return nil, fmt.Errorf("engine: fetch manifest: %w", err)
	}

	distantFiles, _, truncated, err := manifest.ReplayLog(bytes.NewReader(raw), cfg.Keys, nil)
	if err != nil {
		return nil, fmt.Errorf("engine: replay manifest: %w", err)
	}
	if truncated {
		log.Warn("engine: manifest log ends in a truncated record, continuing with surviving state")
	}

	entries := make([]manifest.Entry, 0, len(distantFiles))
	for _, e := range distantFiles {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Size > entries[j].Size
	})
	report.EntriesPlanned = len(entries)

	if cfg.ListOnly {
		for _, e := range entries {
			if !passesFilters(e.Path, cfg.Include, cfg.Exclude) {
				continue
			}
			report.Listed = append(report.Listed, e.Path)
		}
		success = true
		return report, nil
	}

	var reportMu sync.Mutex
	pool := cfg.Opts.pool()
	for _, e := range entries {
		e := e
		job := func() error {
			return restoreOne(ctx, cfg, e, report, &reportMu, log, tracer)
		}
		pool.RunInlineOrSubmit(e.Size, job)
	}

	if errs := pool.Wait(); len(errs) > 0 {
		return report, fmt.Errorf("engine: %d file(s) failed during restore: %w", len(errs), errs[0])
	}

	success = true
	return report, nil
}

// passesFilters applies the include/exclude regex pair to path. A nil
// Include matches everything; a nil Exclude excludes nothing. Both a
// failed Include match and a matched Exclude skip the path without
// aborting the remaining plan — the fix for spec.md §9.2's "restore-time
// regex filters use break on mismatch" bug, which a faithful
// reimplementation corrects to continue.
func passesFilters(path string, include, exclude *regexp.Regexp) bool {
	if include != nil && !include.MatchString(path) {
		return false
	}
	if exclude != nil && exclude.MatchString(path) {
		return false
	}
	return true
}

// destPath computes the local filesystem path an entry restores to,
// normalizing backslashes to forward slashes before joining onto destRoot
// so a manifest written on one platform restores correctly on another.
func destPath(destRoot, path string) string {
	normalized := strings.ReplaceAll(path, "\\", "/")
	return filepath.Join(destRoot, filepath.FromSlash(normalized))
}

// hashMatches reports whether the file at absPath already exists and its
// SHA-256 equals want, letting restore skip a file unchanged since a
// prior restore without re-fetching and re-decrypting its chunk.
func hashMatches(absPath string, want manifest.Hash) bool {
	f, err := os.Open(absPath)
	if err != nil {
		return false
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false
	}
	var got manifest.Hash
	copy(got[:], h.Sum(nil))
	return got == want
}

// restoreOne plans and, if needed, restores one manifest entry. Like
// backupOne, a soft per-file failure is logged and recorded in the
// report rather than propagated; only a fatal transport error during an
// in-flight download returns an error.
func restoreOne(ctx context.Context, cfg RestoreConfig, e manifest.Entry, report *RestoreReport, mu *sync.Mutex, log *logrus.Logger, tracer trace.Tracer) error {
	start := time.Now()

	_, span := tracer.Start(ctx, "coldvault.download", trace.WithAttributes(attribute.String("coldvault.path_hash", hashPathForSpan(e.Path))))
	defer span.End()

	if !passesFilters(e.Path, cfg.Include, cfg.Exclude) {
		mu.Lock()
		report.FilesFiltered++
		mu.Unlock()
		return nil
	}

	abs := destPath(cfg.DestRoot, e.Path)

	if hashMatches(abs, e.Hash) {
		mu.Lock()
		report.FilesUnchanged++
		mu.Unlock()
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("engine: create parent dir for %s: %w", e.Path, err)
	}

	if err := downloadOne(cfg, e, abs); err != nil {
		if cfg.Opts.Metrics != nil {
			cfg.Opts.Metrics.RecordChunkDownload(false, e.Size, time.Since(start))
		}
		if _, ok := err.(*crypto.CorruptionError); ok {
			log.WithField("path", e.Path).Warn("engine: chunk failed integrity verification, skipping")
			mu.Lock()
			report.IntegrityFailures++
			report.Skipped = append(report.Skipped, SkippedFile{Path: e.Path, Reason: DecisionUnhashable})
			mu.Unlock()
			if cfg.Opts.Metrics != nil {
				cfg.Opts.Metrics.RecordIntegrityFailure("chunk")
			}
			if cfg.Opts.Audit != nil {
				cfg.Opts.Audit.LogIntegrityFailure(e.Path, e.ChunkID.Hex(), err)
			}
			return nil
		}
		return fmt.Errorf("engine: restore %s: %w", e.Path, err)
	}

	if err := os.Chtimes(abs, time.Now(), time.Unix(0, int64(e.MtimeNs))); err != nil {
		log.WithField("path", e.Path).Warn("engine: could not restore mtime")
	}

	mu.Lock()
	report.FilesRestored++
	mu.Unlock()

	if cfg.Opts.Metrics != nil {
		cfg.Opts.Metrics.RecordChunkDownload(true, e.Size, time.Since(start))
	}
	if cfg.Opts.Audit != nil {
		cfg.Opts.Audit.LogDownload(e.Path, e.ChunkID.Hex(), e.Size, true, nil, time.Since(start))
	}
	return nil
}

// downloadOne streams e's chunk through the crypto pipeline directly into
// the destination file, mirroring uploadNewFile's fixed-memory streaming
// on the way back down.
func downloadOne(cfg RestoreConfig, e manifest.Entry, abs string) error {
	src, err := chunkstore.Fetch(cfg.Src, e.ChunkID)
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.Create(abs)
	if err != nil {
		return err
	}
	defer out.Close()

	return crypto.Decrypt(out, src, cfg.Keys)
}

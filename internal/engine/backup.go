package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/coldvault/coldvault/internal/chunkstore"
	"github.com/coldvault/coldvault/internal/crypto"
	"github.com/coldvault/coldvault/internal/manifest"
	"github.com/coldvault/coldvault/internal/transport"
)

// BackupConfig describes one backup session: where the local tree lives,
// which destination transport to write to (already dialed but not yet
// positioned at the target directory), and the session's tunables.
type BackupConfig struct {
	SourceRoot string
	Dest       transport.Transport
	DestPath   string
	Keys       *crypto.KeyCache
	Opts       Options
}

// BackupReport summarizes one completed backup session.
type BackupReport struct {
	FilesScanned      int
	TotalSize         int64
	ChunksUploaded    int
	RecordsAppended   int
	TombstonesWritten int
	OrphansCollected  int
	Skipped           []SkippedFile
}

// SkippedFile records one local file the backup pass could not process,
// together with why — a soft error per spec.md §7, never fatal.
type SkippedFile struct {
	Path   string
	Reason Decision
}

// Backup runs one full backup session against cfg, implementing the
// algorithm of spec.md §4.5: sweep stale temp files, replay the remote
// manifest, tombstone locally-deleted paths, classify and upload every
// local file, then garbage-collect chunks no longer referenced.
func Backup(ctx context.Context, cfg BackupConfig) (*BackupReport, error) {
	log := cfg.Opts.logger()
	tracer := cfg.Opts.tracer()
	ctx, span := tracer.Start(ctx, "coldvault.backup")
	defer span.End()

	sessionStart := time.Now()
	if cfg.Opts.Audit != nil {
		cfg.Opts.Audit.LogSessionStart("backup")
	}

	report := &BackupReport{}
	success := false
	defer func() {
		if cfg.Opts.Audit != nil {
			cfg.Opts.Audit.LogSessionEnd("backup", success, time.Since(sessionStart))
		}
	}()

	if err := cfg.Dest.Chdir(cfg.DestPath); err != nil {
		return nil, fmt.Errorf("engine: chdir dest %s: %w", cfg.DestPath, err)
	}

	// The *.tmp cleanup must run strictly before any upload begins: a
	// lingering temp file is debris from an interrupted prior session
	// and cannot be trusted.
	if err := chunkstore.SweepTemp(cfg.Dest); err != nil {
		return nil, fmt.Errorf("engine: sweep stale temp files: %w", err)
	}

	distantChunkNames, err := chunkstore.List(cfg.Dest)
	if err != nil {
		return nil, fmt.Errorf("engine: list remote chunks: %w", err)
	}
	distantChunks := make(map[string]bool, len(distantChunkNames))
	for _, n := range distantChunkNames {
		distantChunks[n] = true
	}

	distantFiles := make(map[string]manifest.Entry)
	distantHashes := make(map[manifest.Hash]manifest.ChunkID)
	if cfg.Dest.IsFile(manifest.LogName) {
		raw, err := cfg.Dest.GetToBuffer(manifest.LogName)
		if err != nil {
			return nil, fmt.Errorf("engine: fetch manifest: %w", err)
		}
		var truncated bool
		distantFiles, distantHashes, truncated, err = manifest.ReplayLog(bytes.NewReader(raw), cfg.Keys, distantChunks)
		if err != nil {
			return nil, fmt.Errorf("engine: replay manifest: %w", err)
		}
		if truncated {
			log.Warn("engine: manifest log ends in a truncated record, continuing with surviving state")
		}
	}

	appendW, err := cfg.Dest.OpenAppend(manifest.LogName)
	if err != nil {
		return nil, fmt.Errorf("engine: open manifest for append: %w", err)
	}
	defer appendW.Close()

	var manifestMu sync.Mutex
	appendRecord := func(e manifest.Entry) error {
		buf, encErr := manifest.EncodeRecord(e, cfg.Keys)
		if encErr != nil {
			return fmt.Errorf("engine: encode record for %s: %w", e.Path, encErr)
		}
		manifestMu.Lock()
		defer manifestMu.Unlock()
		_, err := appendW.Write(buf)
		return err
	}

	localFiles, totalSize, err := enumerateLocal(cfg.SourceRoot, cfg.Opts.Exclude)
	if err != nil {
		return nil, fmt.Errorf("engine: enumerate local tree: %w", err)
	}
	report.FilesScanned = len(localFiles)
	report.TotalSize = totalSize

	localSet := make(map[string]bool, len(localFiles))
	for _, f := range localFiles {
		localSet[f.RelPath] = true
	}

	// Step 4: any remote path no longer present locally gets a
	// tombstone, batched into this one append pass.
	for path := range distantFiles {
		if localSet[path] {
			continue
		}
		if err := appendRecord(manifest.Tombstone(path)); err != nil {
			return nil, fmt.Errorf("engine: append tombstone for %s: %w", path, err)
		}
		report.TombstonesWritten++
		if cfg.Opts.Metrics != nil {
			cfg.Opts.Metrics.RecordManifestAppend("tombstone")
		}
		if cfg.Opts.Audit != nil {
			cfg.Opts.Audit.LogTombstone(path)
		}
	}

	required := make(map[string]bool)
	var requiredMu sync.Mutex
	markRequired := func(id manifest.ChunkID) {
		requiredMu.Lock()
		required[id.Hex()] = true
		requiredMu.Unlock()
	}

	// hashesMu guards distantHashes for the remainder of the session: a
	// DecisionNew upload inserts its hash once durably published (see
	// recordDistantHash in classify.go), so a later file in this same
	// backup with identical content is detected as a duplicate instead
	// of uploading a second chunk, per spec.md §4.8/§9.
	var hashesMu sync.Mutex

	var reportMu sync.Mutex
	pool := cfg.Opts.pool()

	for _, f := range localFiles {
		f := f
		job := func() error {
			return backupOne(ctx, cfg, f, distantFiles, distantHashes, &hashesMu, appendRecord, markRequired, report, &reportMu, log, tracer)
		}
		pool.RunInlineOrSubmit(f.Info.Size(), job)
	}

	// Orphan GC runs strictly after every upload worker has joined:
	// required is not complete until then.
	if errs := pool.Wait(); len(errs) > 0 {
		return report, fmt.Errorf("engine: %d file(s) failed during backup: %w", len(errs), errs[0])
	}

	removed, err := chunkstore.CollectOrphans(cfg.Dest, required)
	if err != nil {
		return report, fmt.Errorf("engine: collect orphan chunks: %w", err)
	}
	report.OrphansCollected = len(removed)
	if cfg.Opts.Metrics != nil {
		cfg.Opts.Metrics.RecordOrphansCollected(len(removed))
	}
	if cfg.Opts.Audit != nil {
		for _, id := range removed {
			cfg.Opts.Audit.LogOrphanGC(id)
		}
	}

	success = true
	return report, nil
}

// backupOne classifies and, if needed, uploads one local file. It is the
// unit of work dispatched to the worker pool (or run inline for small
// files), and never returns an error for a soft, per-file failure — only
// a fatal transport error during an in-flight upload propagates, per
// spec.md §7.
func backupOne(
	ctx context.Context,
	cfg BackupConfig,
	f localFile,
	distantFiles map[string]manifest.Entry,
	distantHashes map[manifest.Hash]manifest.ChunkID,
	hashesMu *sync.Mutex,
	appendRecord func(manifest.Entry) error,
	markRequired func(manifest.ChunkID),
	report *BackupReport,
	reportMu *sync.Mutex,
	log *logrus.Logger,
	tracer trace.Tracer,
) error {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "coldvault.classify", trace.WithAttributes(attribute.String("coldvault.path_hash", hashPathForSpan(f.RelPath))))
	defer span.End()

	// Re-stat immediately before processing: the file may have vanished
	// or changed since enumeration (spec.md's "NFS" case).
	info, err := os.Stat(f.AbsPath)
	if err != nil {
		log.WithField("path", f.RelPath).Warn("engine: file vanished before processing, skipping")
		recordSkip(report, reportMu, f.RelPath, DecisionMissing)
		return nil
	}

	cls := classify(f.RelPath, f.AbsPath, info, distantFiles, distantHashes, hashesMu)

	switch cls.Decision {
	case DecisionDirectory:
		return nil

	case DecisionMissing:
		log.WithField("path", f.RelPath).Warn("engine: file vanished before processing, skipping")
		recordSkip(report, reportMu, f.RelPath, cls.Decision)
		return nil

	case DecisionUnhashable:
		log.WithField("path", f.RelPath).Warn("engine: could not read file to hash it, skipping")
		recordSkip(report, reportMu, f.RelPath, cls.Decision)
		return nil

	case DecisionUnmodified:
		markRequired(cls.ChunkID)
		return nil

	case DecisionDuplicate:
		markRequired(cls.ChunkID)
		entry := manifest.Entry{Path: f.RelPath, ChunkID: cls.ChunkID, MtimeNs: cls.MtimeNs, Size: cls.Size, Hash: cls.Hash}
		if err := appendRecord(entry); err != nil {
			return fmt.Errorf("engine: append record for %s: %w", f.RelPath, err)
		}
		reportMu.Lock()
		report.RecordsAppended++
		reportMu.Unlock()
		if cfg.Opts.Metrics != nil {
			cfg.Opts.Metrics.RecordManifestAppend("entry")
		}
		return nil

	case DecisionNew:
		chunkID := manifest.ChunkID(uuid.New())
		if err := uploadNewFile(f, chunkID, cfg); err != nil {
			if cfg.Opts.Metrics != nil {
				cfg.Opts.Metrics.RecordChunkUpload(false, cls.Size, time.Since(start))
			}
			return fmt.Errorf("engine: upload %s: %w", f.RelPath, err)
		}
		markRequired(chunkID)

		// The chunk is now durably published under chunkID: record its
		// content hash so a later file in this same session with
		// identical content is classified as a duplicate of it rather
		// than uploaded again (spec.md §4.8/§9).
		recordDistantHash(distantHashes, hashesMu, cls.Hash, chunkID)

		entry := manifest.Entry{Path: f.RelPath, ChunkID: chunkID, MtimeNs: cls.MtimeNs, Size: cls.Size, Hash: cls.Hash}
		if err := appendRecord(entry); err != nil {
			return fmt.Errorf("engine: append record for %s: %w", f.RelPath, err)
		}

		reportMu.Lock()
		report.ChunksUploaded++
		report.RecordsAppended++
		reportMu.Unlock()

		if cfg.Opts.Metrics != nil {
			cfg.Opts.Metrics.RecordChunkUpload(true, cls.Size, time.Since(start))
			cfg.Opts.Metrics.RecordManifestAppend("entry")
		}
		if cfg.Opts.Audit != nil {
			cfg.Opts.Audit.LogUpload(f.RelPath, chunkID.Hex(), cls.Size, true, nil, time.Since(start))
		}
		return nil
	}

	return nil
}

// uploadNewFile streams f through the crypto pipeline directly into the
// chunk store's atomic publish, without buffering the whole plaintext or
// ciphertext in memory: io.Pipe lets Encrypt's writes flow straight into
// Publish's io.Copy so memory use stays flat regardless of file size.
func uploadNewFile(f localFile, chunkID manifest.ChunkID, cfg BackupConfig) error {
	file, err := os.Open(f.AbsPath)
	if err != nil {
		return err
	}
	defer file.Close()

	pr, pw := io.Pipe()
	go func() {
		encErr := crypto.Encrypt(pw, file, cfg.Keys)
		pw.CloseWithError(encErr)
	}()

	return chunkstore.Publish(cfg.Dest, chunkID, pr, cfg.Opts.Durable)
}

func recordSkip(report *BackupReport, mu *sync.Mutex, path string, reason Decision) {
	mu.Lock()
	report.Skipped = append(report.Skipped, SkippedFile{Path: path, Reason: reason})
	mu.Unlock()
}

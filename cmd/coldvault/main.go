// Command coldvault performs encrypted-at-rest backup and restore of a
// local directory tree against a remote reached over SFTP (or, for
// testing and single-host use, a plain local path).
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/coldvault/coldvault/internal/address"
	"github.com/coldvault/coldvault/internal/audit"
	"github.com/coldvault/coldvault/internal/config"
	"github.com/coldvault/coldvault/internal/crypto"
	"github.com/coldvault/coldvault/internal/debug"
	"github.com/coldvault/coldvault/internal/engine"
	"github.com/coldvault/coldvault/internal/metrics"
	"github.com/coldvault/coldvault/internal/middleware"
	"github.com/coldvault/coldvault/internal/tracing"
	"github.com/coldvault/coldvault/internal/transport"
	"github.com/coldvault/coldvault/internal/transport/local"
	"github.com/coldvault/coldvault/internal/transport/sftptransport"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "backup":
		err = runBackup(os.Args[2:])
	case "restore":
		err = runRestore(os.Args[2:])
	case "selfcheck":
		err = runSelfcheck(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		logrus.WithError(err).Error("coldvault: fatal error")
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  coldvault backup <src> <dest> [flags]
  coldvault restore <src> <dest> [flags]
  coldvault selfcheck [flags]`)
}

// commonFlags are accepted by both backup and restore.
type commonFlags struct {
	configPath             string
	exclude                string
	sftpPasswordFile       string
	encryptionPasswordFile string
	verbose                bool
	metricsAddr            string
	durable                bool
}

func bindCommonFlags(fs *flag.FlagSet, f *commonFlags) {
	fs.StringVar(&f.configPath, "config", "", "path to an optional YAML config file")
	fs.StringVar(&f.exclude, "exclude", "", "comma-separated list of substring exclusion patterns")
	fs.StringVar(&f.sftpPasswordFile, "sftp-password-file", "", "path to a file containing the SFTP password (prompted interactively if omitted and a remote address is used)")
	fs.StringVar(&f.encryptionPasswordFile, "encryption-password-file", "", "path to a file containing the vault encryption password (prompted interactively if omitted)")
	fs.BoolVar(&f.verbose, "verbose", false, "enable debug-level logging")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "if set, serve /metrics, /health, /ready, /live on this address for the duration of the run")
	fs.BoolVar(&f.durable, "durable", false, "fsync chunk writes before rename, on transports that support it")
}

func runBackup(args []string) error {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	var cf commonFlags
	bindCommonFlags(fs, &cf)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("backup: requires <src> <dest>")
	}
	srcRoot := fs.Arg(0)
	destArg := fs.Arg(1)

	cfg, log, err := setupSession(cf)
	if err != nil {
		return err
	}

	stopMetrics, syncMetrics, err := maybeServeMetrics(cf.metricsAddr, log)
	if err != nil {
		return err
	}
	defer stopMetrics()

	tp, err := tracing.New(context.Background(), cfg.Tracing, cfg.TracingEndpoint)
	if err != nil {
		return err
	}
	defer tp.Shutdown(context.Background())

	auditLogger, err := audit.NewLoggerFromConfig(cfg)
	if err != nil {
		return err
	}
	defer auditLogger.Close()

	dest, destPath, err := dialTransport(destArg, cf.sftpPasswordFile, log)
	if err != nil {
		return err
	}
	defer dest.Close()

	password, err := readPassword("vault encryption password", cf.encryptionPasswordFile, true)
	if err != nil {
		return err
	}
	keys := crypto.NewKeyCache(password)

	ctx, cancel := signalContext()
	defer cancel()

	report, err := engine.Backup(ctx, engine.BackupConfig{
		SourceRoot: srcRoot,
		Dest:       dest,
		DestPath:   destPath,
		Keys:       keys,
		Opts: engine.Options{
			Exclude:            splitExclude(cf.exclude, cfg.Exclude),
			Workers:            cfg.Workers,
			SmallFileThreshold: cfg.SmallFileThreshold,
			Durable:            cf.durable,
			Logger:             log,
			Audit:              auditLogger,
			Metrics:            syncMetrics,
			Tracer:             tp.Tracer(),
		},
	})
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"files_scanned":      report.FilesScanned,
		"chunks_uploaded":    report.ChunksUploaded,
		"records_appended":   report.RecordsAppended,
		"tombstones":         report.TombstonesWritten,
		"orphans_collected":  report.OrphansCollected,
		"skipped":            len(report.Skipped),
	}).Info("backup complete")
	return nil
}

func runRestore(args []string) error {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	var cf commonFlags
	bindCommonFlags(fs, &cf)
	include := fs.String("include", "", "regex; only restore paths matching it")
	excludeRe := fs.String("exclude-regex", "", "regex; skip paths matching it")
	listOnly := fs.Bool("list-only", false, "print the decrypted path list and exit without restoring anything")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		return fmt.Errorf("restore: requires <src> <dest>")
	}
	srcArg := fs.Arg(0)
	destRoot := fs.Arg(1)

	cfg, log, err := setupSession(cf)
	if err != nil {
		return err
	}

	stopMetrics, syncMetrics, err := maybeServeMetrics(cf.metricsAddr, log)
	if err != nil {
		return err
	}
	defer stopMetrics()

	tp, err := tracing.New(context.Background(), cfg.Tracing, cfg.TracingEndpoint)
	if err != nil {
		return err
	}
	defer tp.Shutdown(context.Background())

	auditLogger, err := audit.NewLoggerFromConfig(cfg)
	if err != nil {
		return err
	}
	defer auditLogger.Close()

	src, srcPath, err := dialTransport(srcArg, cf.sftpPasswordFile, log)
	if err != nil {
		return err
	}
	defer src.Close()

	password, err := readPassword("vault encryption password", cf.encryptionPasswordFile, true)
	if err != nil {
		return err
	}
	keys := crypto.NewKeyCache(password)

	var includeRe, excludeRegex *regexp.Regexp
	if *include != "" {
		includeRe, err = regexp.Compile(*include)
		if err != nil {
			return fmt.Errorf("restore: invalid --include: %w", err)
		}
	}
	if *excludeRe != "" {
		excludeRegex, err = regexp.Compile(*excludeRe)
		if err != nil {
			return fmt.Errorf("restore: invalid --exclude-regex: %w", err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	report, err := engine.Restore(ctx, engine.RestoreConfig{
		Src:      src,
		SrcPath:  srcPath,
		DestRoot: destRoot,
		Keys:     keys,
		Include:  includeRe,
		Exclude:  excludeRegex,
		ListOnly: *listOnly,
		Opts: engine.Options{
			Workers:            cfg.Workers,
			SmallFileThreshold: cfg.SmallFileThreshold,
			Logger:             log,
			Audit:              auditLogger,
			Metrics:            syncMetrics,
			Tracer:             tp.Tracer(),
		},
	})
	if err != nil {
		return err
	}

	if *listOnly {
		for _, p := range report.Listed {
			fmt.Println(p)
		}
		return nil
	}

	log.WithFields(logrus.Fields{
		"entries_planned":    report.EntriesPlanned,
		"files_restored":     report.FilesRestored,
		"files_unchanged":    report.FilesUnchanged,
		"files_filtered":     report.FilesFiltered,
		"integrity_failures": report.IntegrityFailures,
		"skipped":            len(report.Skipped),
	}).Info("restore complete")
	return nil
}

func runSelfcheck(args []string) error {
	fs := flag.NewFlagSet("selfcheck", flag.ExitOnError)
	disableHardware := fs.Bool("disable-hardware-aes", false, "report hardware AES acceleration as inactive (the cipher in use is unchanged)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	info := crypto.GetHardwareAccelerationInfo(*disableHardware)
	payload, _ := json.MarshalIndent(info, "", "  ")
	fmt.Println(string(payload))

	keys := crypto.NewKeyCache("selfcheck-password")
	plaintext := make([]byte, 4096)
	for i := range plaintext {
		plaintext[i] = byte(i)
	}

	var sealed bytes.Buffer
	if err := crypto.Encrypt(&sealed, bytes.NewReader(plaintext), keys); err != nil {
		fmt.Println("selfcheck: FAIL (encrypt):", err)
		return err
	}

	var recovered bytes.Buffer
	if err := crypto.Decrypt(&recovered, bytes.NewReader(sealed.Bytes()), keys); err != nil {
		fmt.Println("selfcheck: FAIL (decrypt):", err)
		return err
	}
	if !bytes.Equal(plaintext, recovered.Bytes()) {
		err := fmt.Errorf("selfcheck: roundtrip mismatch")
		fmt.Println(err)
		return err
	}

	fmt.Println("selfcheck: PASS")
	return nil
}

// setupSession loads config, initializes logrus and the process-wide
// debug toggle, consistently for both backup and restore.
func setupSession(cf commonFlags) (config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(cf.configPath)
	if err != nil {
		return cfg, nil, err
	}

	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	if cf.verbose {
		log.SetLevel(logrus.DebugLevel)
		debug.SetEnabled(true)
	} else {
		debug.InitFromLogLevel(cfg.LogLevel)
	}

	return cfg, log, nil
}

// maybeServeMetrics starts the optional /metrics, /health, /ready, /live
// HTTP surface when addr is non-empty, returning a stop function and the
// SyncMetrics instance the engine records into. A batch CLI invocation
// with no --metrics-addr opens no port at all. Every handler on this
// small surface is wrapped with request logging and panic recovery, the
// same middleware pair the teacher wraps its own handlers with.
func maybeServeMetrics(addr string, log *logrus.Logger) (func(), *metrics.SyncMetrics, error) {
	syncMetrics := metrics.NewSyncMetrics()
	if addr == "" {
		return func() {}, syncMetrics, nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadinessHandler(nil))
	mux.Handle("/live", metrics.LivenessHandler())

	var handler http.Handler = mux
	handler = middleware.RecoveryMiddleware(log)(handler)
	handler = middleware.LoggingMiddleware(log)(handler)

	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Warn("coldvault: metrics server stopped")
		}
	}()

	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	return stop, syncMetrics, nil
}

// dialTransport resolves addr (local path or user@host:path) and returns
// a connected transport.Transport together with the path it should chdir
// into.
func dialTransport(addr, sftpPasswordFile string, log *logrus.Logger) (transport.Transport, string, error) {
	parsed := address.Parse(addr)
	if !parsed.Remote {
		return local.New(), parsed.Path, nil
	}

	password, err := readPassword(fmt.Sprintf("SFTP password for %s@%s", parsed.User, parsed.Host), sftpPasswordFile, false)
	if err != nil {
		return nil, "", err
	}

	tr, err := sftptransport.Dial(parsed.User, parsed.Host, password)
	if err != nil {
		return nil, "", fmt.Errorf("dial %s@%s: %w", parsed.User, parsed.Host, err)
	}
	return tr, parsed.Path, nil
}

// readPassword obtains a secret either from passwordFile or, if empty,
// interactively via the terminal. confirm requests the password twice
// and rejects a mismatch, matching spec.md §6's "prompted twice for
// confirmation" requirement for the encryption password. The SFTP
// password is read with confirm=false and prompted only once.
func readPassword(prompt, passwordFile string, confirm bool) (string, error) {
	if passwordFile != "" {
		data, err := os.ReadFile(passwordFile)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", passwordFile, err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}

	fmt.Fprintf(os.Stderr, "%s: ", prompt)
	first, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}

	if !confirm {
		return string(first), nil
	}

	fmt.Fprintf(os.Stderr, "%s (confirm): ", prompt)
	second, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password confirmation: %w", err)
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("passwords do not match")
	}
	return string(first), nil
}

// splitExclude merges the --exclude CLI flag (comma-separated) with the
// config file's default exclusion list.
func splitExclude(flagValue string, configDefaults []string) []string {
	patterns := append([]string{}, configDefaults...)
	if flagValue == "" {
		return patterns
	}
	for _, p := range strings.Split(flagValue, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			patterns = append(patterns, p)
		}
	}
	return patterns
}

// signalContext returns a context canceled on SIGINT/SIGTERM. The sync
// engine has no cooperative cancellation inside a worker (spec.md §5:
// "no deadline or cancellation mechanism is defined"), and neither the
// backup nor the restore loop checks the context, so canceling it does
// not stop the session: once a signal is caught, the run still goes on
// to completion.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()
	return ctx, cancel
}

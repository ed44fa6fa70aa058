package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	cfgpkg "github.com/local/invoicesplit/internal/config"
	"github.com/local/invoicesplit/internal/delivery"
	"github.com/local/invoicesplit/internal/export"
	logpkg "github.com/local/invoicesplit/internal/logger"
	"github.com/local/invoicesplit/internal/metrics"
	"github.com/local/invoicesplit/internal/ocr"
	"github.com/local/invoicesplit/internal/orchestrator"
	"github.com/local/invoicesplit/internal/pdfsource"
	"github.com/local/invoicesplit/internal/progress"
	"github.com/local/invoicesplit/internal/recognize"
	"github.com/local/invoicesplit/internal/session"
	"github.com/local/invoicesplit/internal/statuscheck"
	"github.com/local/invoicesplit/internal/storage"
	"github.com/local/invoicesplit/internal/store"
	"github.com/local/invoicesplit/internal/web"
)

const envPrefix = "INVOICESPLIT"

const usage = `usage: invoicesplit <command> [flags]

commands:
  auto    split a PDF by the code printed on each page
  serve   run the HTTP control surface and dashboard
  send    mail an exported artifact
  hash    print a bcrypt hash for WEB_PASSWORD_HASH`

func main() {
	cfgpkg.LoadDotEnv()
	cfg := cfgpkg.FromEnv()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	_ = logpkg.Init(logpkg.Options{
		Level:        cfg.Logging.Level,
		Pretty:       cfg.Logging.Pretty,
		File:         cfg.Logging.File,
		MaxSizeMB:    cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAgeDays:   cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		SendToAxiom:  cfg.Axiom.Send && cfg.Axiom.APIKey != "",
		AxiomAPIKey:  cfg.Axiom.APIKey,
		AxiomOrgID:   cfg.Axiom.OrgID,
		AxiomDataset: cfg.Axiom.Dataset,
		AxiomFlush:   cfg.Axiom.FlushInterval,
	})
	defer logpkg.Close()
	metrics.Init()

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "auto":
		err = runAuto(cfg, args)
	case "serve":
		err = runServe(cfg, args)
	case "send":
		err = runSend(cfg, args)
	case "hash":
		err = runHash(args)
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Error().Err(err).Msg("command failed")
		logpkg.Close()
		os.Exit(1)
	}
}

func parseFlags(fs *ff.FlagSet, args []string) error {
	if err := ff.Parse(fs, args, ff.WithEnvVarPrefix(envPrefix)); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		return err
	}
	return nil
}

// deps holds the optional backends shared by the commands.
type deps struct {
	redis  *redis.Client
	mirror *storage.S3Mirror
}

func openDeps(ctx context.Context, cfg cfgpkg.Config) deps {
	var d deps
	if cfg.Redis.URL != "" {
		c, err := store.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, using in-memory job status")
		} else {
			d.redis = c
		}
	}
	if cfg.S3.Bucket != "" {
		m, err := storage.NewS3Mirror(ctx, storage.Options{
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			Region:    cfg.S3.Region,
			Endpoint:  cfg.S3.Endpoint,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Password:  cfg.S3.Password,
		})
		if err != nil {
			log.Warn().Err(err).Msg("s3 mirror disabled")
		} else {
			d.mirror = m
		}
	}
	return d
}

func (d deps) close() {
	if d.redis != nil {
		_ = d.redis.Close()
	}
}

func (d deps) writer(root string) (*export.Writer, error) {
	opts := export.Options{Root: root}
	if d.mirror != nil {
		opts.Mirror = d.mirror
	}
	return export.NewWriter(opts)
}

func newTesseract(cfg cfgpkg.Config) *ocr.Tesseract {
	return ocr.NewTesseract(ocr.Config{
		Binary:      cfg.OCR.Tesseract,
		Lang:        cfg.OCR.Lang,
		TessdataDir: cfg.OCR.TessdataDir,
		Grayscale:   cfg.OCR.Grayscale,
	})
}

func newMailer(cfg cfgpkg.Config) *delivery.Mailer {
	return delivery.NewMailer(delivery.Config{
		Host:     cfg.Mail.Host,
		Port:     cfg.Mail.Port,
		Username: cfg.Mail.Username,
		Password: cfg.Mail.Password,
		From:     cfg.Mail.From,
		Subject:  cfg.Mail.Subject,
		Logo:     cfg.Mail.Logo,
		Timeout:  cfg.Mail.Timeout,
	})
}

func newAutoRunner(cfg cfgpkg.Config, d deps, root string, rasters bool) (*orchestrator.AutoRunner, error) {
	rec, err := recognize.New(cfg.Pattern)
	if err != nil {
		return nil, err
	}
	w, err := d.writer(root)
	if err != nil {
		return nil, err
	}
	return &orchestrator.AutoRunner{Recognizer: rec, Writer: w, Rasters: rasters, Manifest: true}, nil
}

func runAuto(cfg cfgpkg.Config, args []string) error {
	fs := ff.NewFlagSet("auto")
	var (
		input   = fs.StringLong("input", "", "PDF to split: path, file://, http(s):// or s3://")
		out     = fs.StringLong("out", cfg.Output.AutoRoot, "output root")
		engine  = fs.StringLong("engine", cfg.OCR.Engine, "text source: tesseract, textlayer or auto")
		noRast  = fs.BoolLong("no-rasters", "do not write page_<n>.png copies")
		mailTo  = fs.StringLong("mail-to", "", "mail every artifact to this address")
		asJSON  = fs.BoolLong("json", "print the run result as JSON")
		timeout = fs.DurationLong("timeout", 0, "abort the run after this long (0 = no limit)")
	)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *input == "" {
		return errors.New("--input is required")
	}
	eng, err := ocr.ParseEngine(*engine)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	d := openDeps(ctx, cfg)
	defer d.close()

	path, tmp, err := orchestrator.LocalizeInput(ctx, *input)
	if tmp != "" {
		defer os.Remove(tmp)
	}
	if err != nil {
		return &orchestrator.FatalRunError{Input: *input, Err: err}
	}
	doc, err := pdfsource.Open(path)
	if err != nil {
		return &orchestrator.FatalRunError{Input: *input, Err: err}
	}
	defer doc.Close()

	runner, err := newAutoRunner(cfg, d, *out, cfg.Output.Rasters && !*noRast)
	if err != nil {
		return err
	}
	reader := ocr.NewPageReader(doc, newTesseract(cfg), eng, cfg.OCR.DPI)

	ch := make(chan progress.Event, 16)
	rep := progress.NewReporter(filepath.Base(path), ch)
	var res *orchestrator.RunResult
	var runErr error
	go func() {
		defer close(ch)
		res, runErr = runner.Run(ctx, doc, reader, rep)
	}()
	for ev := range ch {
		switch ev.Kind {
		case progress.KindProgress:
			log.Debug().Int("percent", ev.Percent).Msg("progress")
		case progress.KindSkip:
			log.Info().Int("page", ev.Page+1).Str("reason", ev.Message).Msg("page skipped")
		}
	}
	if runErr != nil {
		return runErr
	}

	if *mailTo != "" {
		m := newMailer(cfg)
		for _, g := range res.Groups {
			if err := m.Send(ctx, g.Path, *mailTo); err != nil {
				return fmt.Errorf("mail %s: %w", g.Code, err)
			}
		}
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	}
	for _, g := range res.Groups {
		fmt.Printf("%s\t%d page(s)\t%s\n", g.Code, len(g.Pages), g.Path)
	}
	for _, s := range res.Skipped {
		fmt.Printf("skipped page %d: %s\n", s.Page+1, s.Reason)
	}
	return nil
}

type redisPinger struct{ c *redis.Client }

func (p redisPinger) Ping(ctx context.Context) error { return p.c.Ping(ctx).Err() }

func runServe(cfg cfgpkg.Config, args []string) error {
	fs := ff.NewFlagSet("serve")
	var (
		addr      = fs.StringLong("addr", cfg.Web.Addr, "listen address")
		uploadDir = fs.StringLong("upload-dir", filepath.Join(os.TempDir(), "invoicesplit-uploads"), "where uploaded PDFs are kept while loaded")
		engine    = fs.StringLong("engine", cfg.OCR.Engine, "text source for automatic runs: tesseract, textlayer or auto")
	)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	eng, err := ocr.ParseEngine(*engine)
	if err != nil {
		return err
	}

	ctx := context.Background()
	d := openDeps(ctx, cfg)
	defer d.close()

	var status store.StatusStore = store.NewMemoryStatus()
	var usage orchestrator.UsageSource
	sessOpts := session.Options{
		Years:         cfg.Manual.Years,
		Clients:       cfg.Manual.Clients,
		DefaultClient: cfg.Manual.DefaultClient,
	}
	if d.redis != nil {
		status = store.NewRedisStatus(d.redis)
		audit := store.NewRedisUsage(d.redis)
		sessOpts.Recorder = audit
		usage = audit
	}

	manual, err := d.writer(cfg.Output.ManualRoot)
	if err != nil {
		return err
	}
	auto, err := newAutoRunner(cfg, d, cfg.Output.AutoRoot, cfg.Output.Rasters)
	if err != nil {
		return err
	}
	tess := newTesseract(cfg)

	ctl := orchestrator.NewController(orchestrator.Dependencies{
		Open: func(path string) (orchestrator.Document, error) {
			doc, err := pdfsource.Open(path)
			if err != nil {
				return nil, err
			}
			return doc, nil
		},
		Readers: func(doc orchestrator.Document) orchestrator.TextReader {
			return ocr.NewPageReader(doc, tess, eng, cfg.OCR.DPI)
		},
		Auto:         auto,
		Manual:       manual,
		Session:      sessOpts,
		Status:       status,
		Usage:        usage,
		Mailer:       newMailer(cfg),
		Roots:        []string{cfg.Output.ManualRoot, cfg.Output.AutoRoot},
		ThumbnailDPI: cfg.Output.ThumbnailDPI,
		PreviewDPI:   cfg.Output.PreviewDPI,
	})
	defer ctl.Close()

	health := statuscheck.Options{OCR: tess, Roots: []string{cfg.Output.ManualRoot, cfg.Output.AutoRoot}}
	if d.redis != nil {
		health.Redis = redisPinger{d.redis}
	}
	if d.mirror != nil {
		health.Bucket = d.mirror
	}

	mux := http.NewServeMux()
	orchestrator.NewServer(ctl, orchestrator.ServerOptions{
		Username:     cfg.Web.Username,
		PasswordHash: cfg.Web.PasswordHash,
		UploadDir:    *uploadDir,
		MaxUploadMB:  cfg.Web.MaxUploadMB,
		Health:       statuscheck.New(health),
	}).RegisterRoutes(mux)
	web.New(ctl, web.Options{Username: cfg.Web.Username, PasswordHash: cfg.Web.PasswordHash}).RegisterRoutes(mux)
	if cfg.Web.PasswordHash == "" {
		log.Warn().Msg("WEB_PASSWORD_HASH not set, HTTP surface is unauthenticated")
	}

	// Sweep leftovers from crashed runs.
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go func() {
		t := time.NewTicker(15 * time.Minute)
		defer t.Stop()
		for {
			if n := orchestrator.CleanupTemps(6*time.Hour, ctl.InUse, os.TempDir(), *uploadDir); n > 0 {
				log.Info().Int("removed", n).Msg("temp files cleaned")
			}
			select {
			case <-sweepCtx.Done():
				return
			case <-t.C:
			}
		}
	}()

	srv := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Msgf("HTTP server listening on %s", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info().Msg("shutdown complete")
	return nil
}

func runSend(cfg cfgpkg.Config, args []string) error {
	fs := ff.NewFlagSet("send")
	var (
		file = fs.StringLong("file", "", "artifact to attach")
		to   = fs.StringLong("to", "", "recipient address")
	)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *file == "" || *to == "" {
		return errors.New("--file and --to are required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Mail.Timeout+5*time.Second)
	defer cancel()
	if err := newMailer(cfg).Send(ctx, *file, *to); err != nil {
		return err
	}
	fmt.Printf("sent %s to %s\n", filepath.Base(*file), *to)
	return nil
}

func runHash(args []string) error {
	fs := ff.NewFlagSet("hash")
	password := fs.StringLong("password", "", "password to hash")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *password == "" {
		return errors.New("--password is required")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(*password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	fmt.Println(string(h))
	return nil
}

// chunkseal - Encrypt recorded session chunks and seal them under a Merkle root
//
//	chunkseal init                      Create config, master secret, salt and signing key
//	chunkseal ingest <file>...          Split files into chunks and seal them
//	chunkseal finalize <session>        Build the session root and anchor it
//	chunkseal proof <session> <seq>     Print the inclusion proof of one chunk
//	chunkseal verify <manifest|proof>   Verify a manifest or an inclusion proof
//	chunkseal decrypt <session>         Decrypt a session back to its plaintext
//	chunkseal status                    Show configuration, storage and health
//	chunkseal anchors <action>          List receipts or verify the ledger
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chunkseal/internal/anchors"
	"chunkseal/internal/config"
	"chunkseal/internal/journal"
	"chunkseal/internal/keys"
	"chunkseal/internal/logging"
	"chunkseal/internal/manifest"
	"chunkseal/internal/pipeline"
	"chunkseal/internal/store"
)

var configPath = flag.String("config", "", "path to config file")

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := flag.Arg(0)
	ctx = logging.ContextWith(ctx, slog.String("command", cmd))
	args := flag.Args()[1:]
	var err error
	switch cmd {
	case "init":
		err = cmdInit(args)
	case "ingest":
		err = cmdIngest(ctx, args)
	case "finalize":
		err = cmdFinalize(ctx, args)
	case "proof":
		err = cmdProof(ctx, args)
	case "verify":
		err = cmdVerify(args)
	case "decrypt":
		err = cmdDecrypt(ctx, args)
	case "status":
		err = cmdStatus(ctx, args)
	case "anchors":
		err = cmdAnchors(ctx, args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `chunkseal - Session chunk sealing

USAGE:
    chunkseal [-config <path>] <command> [options]

COMMANDS:
    init                       Create config, master secret, salt and signing key
    ingest <file>...           Split files into chunks, encrypt and store them
    finalize <session>         Build the session root and anchor it
    proof <session> <seq>      Print the inclusion proof of one chunk
    verify <file>              Verify a manifest or an inclusion proof
    decrypt <session>          Decrypt a stored session
    status                     Show configuration, storage and health
    anchors list [session]     List anchoring receipts
    anchors verify             Verify the local anchor ledger chain
    help                       Show this help message

WORKFLOW:
    1. chunkseal init
    2. chunkseal ingest -session rec-42 recording.bin
    3. chunkseal finalize -manifest rec-42.json rec-42
    4. chunkseal verify rec-42.json
    5. chunkseal proof rec-42 0 > chunk0.proof.json
    6. chunkseal verify chunk0.proof.json`)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// app holds the collaborators one command needs.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	store   store.Store
	anchors *anchors.Registry
	journal *journal.Journal
	pipe    *pipeline.Pipeline
}

type openOptions struct {
	anchors bool
}

func openApp(opts openOptions) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg}
	if err := a.open(opts); err != nil {
		a.close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) open(opts openOptions) error {
	cfg := a.cfg
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	lc, err := cfg.LoggerConfig()
	if err != nil {
		return err
	}
	if a.logger, err = logging.New(lc); err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	logging.SetDefault(a.logger)

	if a.store, err = store.Open(store.Config{Type: cfg.Storage.Type, Path: cfg.Storage.Path}); err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	if opts.anchors && cfg.Anchors.Enabled {
		if a.anchors, err = openAnchors(cfg, a.logger); err != nil {
			return err
		}
	}

	secret, err := cfg.MasterSecretBytes()
	if err != nil {
		return err
	}
	salt, err := cfg.InstallationSaltBytes(true)
	if err != nil {
		return err
	}
	km, err := keys.New(keys.Config{
		MasterSecret:     secret,
		InstallationSalt: salt,
		KDF:              keys.KDF(cfg.Crypto.KDF),
		Iterations:       cfg.Crypto.KDFIterations,
	}, a.logger.Logger)
	if err != nil {
		return err
	}

	if path := cfg.Session.JournalPath; path != "" {
		hk, err := km.PurposeKey("journal")
		if err != nil {
			km.Close()
			return err
		}
		a.journal, err = journal.Open(path, hk, a.logger.Logger)
		keys.Wipe(hk)
		if err != nil {
			km.Close()
			return fmt.Errorf("open session journal: %w", err)
		}
	}

	deps := pipeline.Deps{
		Keys:    km,
		Store:   a.store,
		Anchors: a.anchors,
		Journal: a.journal,
		Logger:  a.logger.Logger,
	}
	if path := cfg.Manifest.SigningKeyPath; path != "" {
		if _, statErr := os.Stat(path); statErr == nil {
			if deps.SigningKey, err = manifest.LoadPrivateKey(path); err != nil {
				km.Close()
				return fmt.Errorf("load signing key: %w", err)
			}
		}
	}

	pc, err := pipeline.FromConfig(cfg)
	if err != nil {
		km.Close()
		return err
	}
	if a.pipe, err = pipeline.New(pc, deps); err != nil {
		km.Close()
		return err
	}
	return nil
}

func openAnchors(cfg *config.Config, logger *logging.Logger) (*anchors.Registry, error) {
	reg := anchors.NewRegistry(anchors.RegistryConfig{ReceiptsDir: cfg.Anchors.ReceiptsDir}, logger.Logger)
	for _, name := range cfg.Anchors.Providers {
		switch name {
		case "ledger":
			ledger, err := anchors.OpenLedger(cfg.Anchors.LedgerPath)
			if err != nil {
				reg.Close()
				return nil, fmt.Errorf("open anchor ledger: %w", err)
			}
			reg.Register(ledger)
		case "file":
			reg.Register(anchors.NewFileAnchor(cfg.Anchors.FilePath))
		case "http":
			h, err := anchors.NewHTTPAnchor(anchors.HTTPConfig{
				Endpoint: cfg.Anchors.HTTPEndpoint,
				Token:    cfg.Anchors.HTTPToken,
				Timeout:  time.Duration(cfg.Anchors.TimeoutSec) * time.Second,
			})
			if err != nil {
				reg.Close()
				return nil, err
			}
			reg.Register(h)
		default:
			reg.Close()
			return nil, fmt.Errorf("unknown anchor provider %q", name)
		}
	}
	return reg, nil
}

func (a *app) close(ctx context.Context) {
	if a.pipe != nil {
		if err := a.pipe.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: pipeline shutdown: %v\n", err)
		}
	}
	if a.anchors != nil {
		a.anchors.Close()
	}
	if a.journal != nil {
		a.journal.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.logger != nil {
		a.logger.Close()
	}
}

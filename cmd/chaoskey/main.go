// chaoskey is the control CLI for multi-factor credential derivation.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"chaoskey/internal/auth"
	"chaoskey/internal/bundle"
	"chaoskey/internal/config"
	"chaoskey/internal/derive"
	"chaoskey/internal/entropy"
	"chaoskey/internal/logging"
	"chaoskey/internal/store"
	"chaoskey/internal/vault"
)

var (
	configPath = flag.String("config", "", "path to config file")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	defer logging.RecoverPanic()

	cmd := flag.Arg(0)
	args := flag.Args()[1:]

	switch cmd {
	case "vault":
		cmdVault(args)
	case "enroll":
		cmdEnroll(args)
	case "auth":
		cmdAuth(args)
	case "status":
		cmdStatus()
	case "history":
		cmdHistory(args)
	case "revoke":
		cmdRevoke(args)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `chaoskey - Derive credentials from physical factors

Usage: chaoskey [options] <command> [args]

Commands:
  vault generate  Fill the chaos vault with single-use values
  vault status    Show remaining chaos values
  enroll          Bind a tag, device, and chaos value into a pack
  auth            Run the two-scan unlock and derive a credential
  status          Show enrollment and vault state
  history         Print recent authentication attempts
  revoke <id>     Revoke an enrollment by pack ID
  help            Show this help message

Options:
  -config <path>  Path to config file (default: ~/.chaoskey/config.toml)`)
}

func loadConfig() *config.Config {
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "Error preparing directories: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func buildLogger(cfg *config.Config) *logging.Logger {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Output = cfg.Logging.Output
	lc.FilePath = cfg.Logging.FilePath
	lc.MaxSize = int64(cfg.Logging.MaxSizeMB)
	lc.MaxAge = cfg.Logging.MaxAgeDays
	lc.MaxBackups = cfg.Logging.MaxBackups
	lc.Compress = cfg.Logging.Compress
	if cfg.Logging.Format == "json" {
		lc.Format = logging.FormatJSON
	}
	logger, err := logging.New(lc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error setting up logging: %v\n", err)
		os.Exit(1)
	}
	logging.SetDefault(logger)
	return logger
}

func buildAudit(cfg *config.Config) *logging.AuditLogger {
	if !cfg.Audit.Enabled {
		return nil
	}
	ac := logging.DefaultAuditConfig()
	if cfg.Audit.FilePath != "" {
		ac.FilePath = cfg.Audit.FilePath
	}
	ac.MaxSize = int64(cfg.Audit.MaxSizeMB)
	ac.MaxAge = cfg.Audit.MaxAgeDays
	ac.MaxBackups = cfg.Audit.MaxBackups
	audit, err := logging.NewAuditLogger(ac)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: audit log unavailable: %v\n", err)
		return nil
	}
	return audit
}

func openRecords(cfg *config.Config) *store.Store {
	if cfg.Storage.Type != "sqlite" {
		return nil
	}
	s, err := store.Open(cfg.Storage.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: record store unavailable: %v\n", err)
		return nil
	}
	return s
}

// signalContext cancels on interrupt so half-finished protocols abort
// cleanly instead of leaving terminals in a raw state.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func buildCollector(cfg *config.Config, logger *logging.Logger) *entropy.Collector {
	var opts []entropy.Option
	if cfg.Entropy.AudioEnabled {
		opts = append(opts, entropy.WithAudioCapture(entropy.NewExecAudioCapture(cfg.Entropy.SampleRate)))
	}
	return entropy.NewCollector(cfg.Entropy, logger.Logger, opts...)
}

func cmdVault(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: chaoskey vault <generate|status>")
		os.Exit(1)
	}
	sub := args[0]

	fs := flag.NewFlagSet("vault", flag.ExitOnError)
	count := fs.Int("count", 0, "number of chaos values to generate (default: from config)")
	fs.Parse(args[1:])

	cfg := loadConfig()
	logger := buildLogger(cfg)
	defer logger.Close()
	audit := buildAudit(cfg)
	if audit != nil {
		defer audit.Close()
	}

	var vopts []vault.Option
	vopts = append(vopts, vault.WithLockTimeout(time.Duration(cfg.Vault.LockTimeoutMs)*time.Millisecond))
	if audit != nil {
		vopts = append(vopts, vault.WithAudit(audit))
	}
	v := vault.New(cfg.Vault.Path, logger.Logger, vopts...)

	switch sub {
	case "generate":
		n := *count
		if n <= 0 {
			n = cfg.Vault.ValueCount
		}
		ctx, cancel := signalContext()
		defer cancel()

		fmt.Printf("Collecting ambient entropy for %d chaos values...\n", n)
		if err := v.Generate(ctx, buildCollector(cfg, logger), n); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		st := v.Status()
		fmt.Printf("Vault written: %d values", st.Remaining)
		if st.Degraded {
			fmt.Print(" (DEGRADED: no ambient source was available)")
		}
		fmt.Println()
	case "status":
		printVaultStatus(v)
	default:
		fmt.Fprintf(os.Stderr, "Unknown vault command: %s\n", sub)
		os.Exit(1)
	}
}

func printVaultStatus(v *vault.Vault) {
	st := v.Status()
	if !st.Exists {
		fmt.Println("Vault: not generated")
		return
	}
	fmt.Printf("Vault: %s\n", v.Path())
	fmt.Printf("  Remaining values: %d\n", st.Remaining)
	fmt.Printf("  Created: %s\n", st.CreatedAt.Format(time.RFC3339))
	if st.Degraded {
		fmt.Println("  Quality: DEGRADED (generated without ambient entropy)")
	}
}

func cmdEnroll(args []string) {
	fs := flag.NewFlagSet("enroll", flag.ExitOnError)
	overwrite := fs.Bool("overwrite", false, "replace an existing pack")
	strict := fs.Bool("require-stable-device", false, "refuse devices without a stable serial number")
	fs.Parse(args)

	cfg := loadConfig()
	logger := buildLogger(cfg)
	defer logger.Close()
	audit := buildAudit(cfg)
	if audit != nil {
		defer audit.Close()
	}
	records := openRecords(cfg)
	if records != nil {
		defer records.Close()
	}

	ctx, cancel := signalContext()
	defer cancel()

	var opts []auth.Option
	if audit != nil {
		opts = append(opts, auth.WithAudit(audit))
	}
	if records != nil {
		opts = append(opts, auth.WithRecords(records))
	}
	flow := auth.NewFlow(cfg, logger.Logger, opts...)

	fmt.Println("Insert the enrollment device and have the tag ready.")
	pack, err := flow.Enroll(ctx, buildCollector(cfg, logger), auth.EnrollParams{
		Overwrite:           *overwrite,
		RejectLowConfidence: *strict,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Enrollment failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Enrolled: pack %s written to %s\n", auth.PackID(pack), cfg.Pack.Path)
	fmt.Printf("  Device confidence: %s\n", pack.Metadata.FingerprintConfidence)
}

func cmdAuth(args []string) {
	fs := flag.NewFlagSet("auth", flag.ExitOnError)
	purposeStr := fs.String("purpose", "ssh", "credential purpose: ssh or vault")
	outDir := fs.String("out", "", "output directory for key files (default: from config)")
	comment := fs.String("comment", "chaoskey", "comment for the exported SSH key")
	fs.Parse(args)

	purpose := derive.Purpose(*purposeStr)
	if purpose != derive.PurposeSSH && purpose != derive.PurposeVault {
		fmt.Fprintf(os.Stderr, "Unknown purpose: %s\n", *purposeStr)
		os.Exit(1)
	}

	cfg := loadConfig()
	logger := buildLogger(cfg)
	defer logger.Close()
	audit := buildAudit(cfg)
	if audit != nil {
		defer audit.Close()
	}
	records := openRecords(cfg)
	if records != nil {
		defer records.Close()
	}

	ctx, cancel := signalContext()
	defer cancel()

	var opts []auth.Option
	if audit != nil {
		opts = append(opts, auth.WithAudit(audit))
	}
	if records != nil {
		opts = append(opts, auth.WithRecords(records))
	}
	flow := auth.NewFlow(cfg, logger.Logger, opts...)

	material, err := flow.Authenticate(ctx, purpose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Authentication failed: %v\n", err)
		os.Exit(1)
	}
	defer material.Zeroize()

	switch purpose {
	case derive.PurposeSSH:
		dir := *outDir
		if dir == "" {
			dir = cfg.Pack.OutputDir
		}
		if err := writeSSHKey(material, dir, *comment); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing key files: %v\n", err)
			os.Exit(1)
		}
	case derive.PurposeVault:
		pass, err := material.Passphrase()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		// The passphrase goes to stdout alone so it can be piped.
		fmt.Println(pass)
	}
}

func writeSSHKey(material *derive.Material, dir, comment string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	pemBytes, err := material.OpenSSHPrivateKey(comment)
	if err != nil {
		return err
	}
	keyPath := filepath.Join(dir, "id_ed25519_chaoskey")
	if err := os.WriteFile(keyPath, pemBytes, 0600); err != nil {
		return err
	}
	authorized, err := material.AuthorizedKey()
	if err != nil {
		return err
	}
	pubPath := keyPath + ".pub"
	if err := os.WriteFile(pubPath, []byte(authorized+" "+comment+"\n"), 0644); err != nil {
		return err
	}
	fmt.Printf("Private key: %s\n", keyPath)
	fmt.Printf("Public key:  %s\n", pubPath)
	return nil
}

func cmdStatus() {
	cfg := loadConfig()

	fmt.Println("=== chaoskey Status ===")
	fmt.Println()

	if _, err := os.Stat(cfg.Pack.Path); os.IsNotExist(err) {
		fmt.Println("Pack: not enrolled")
	} else if pack, err := bundle.Load(cfg.Pack.Path); err != nil {
		fmt.Printf("Pack: UNREADABLE (%v)\n", err)
	} else {
		fmt.Printf("Pack: %s\n", cfg.Pack.Path)
		fmt.Printf("  ID: %s\n", auth.PackID(pack))
		fmt.Printf("  Created: %s\n", pack.Metadata.CreatedAt.Format(time.RFC3339))
		fmt.Printf("  Device confidence: %s\n", pack.Metadata.FingerprintConfidence)
		if err := pack.VerifyIntegrity(); err != nil {
			fmt.Printf("  Integrity: FAILED (%v)\n", err)
		} else {
			fmt.Println("  Integrity: OK")
		}
	}
	fmt.Println()

	v := vault.New(cfg.Vault.Path, logging.Default().Logger)
	printVaultStatus(v)
	fmt.Println()

	records := openRecords(cfg)
	if records == nil {
		return
	}
	defer records.Close()
	rec, err := records.ActiveEnrollment()
	if err != nil {
		fmt.Println("Enrollment record: none active")
		return
	}
	fmt.Printf("Enrollment record: %s (%s, enrolled %s)\n",
		rec.PackID, rec.Confidence,
		time.Unix(0, rec.CreatedAt).Format(time.RFC3339))
}

func cmdHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	limit := fs.Int("n", 20, "number of attempts to show")
	fs.Parse(args)

	cfg := loadConfig()
	records := openRecords(cfg)
	if records == nil {
		fmt.Fprintln(os.Stderr, "Record store is not configured")
		os.Exit(1)
	}
	defer records.Close()

	if count, err := records.VerifyChain(); err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: attempt log failed verification after %d records: %v\n", count, err)
	}

	events, err := records.RecentAuthEvents(*limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(events) == 0 {
		fmt.Println("No authentication attempts recorded")
		return
	}
	for _, e := range events {
		line := fmt.Sprintf("%s  %s  %s",
			time.Unix(0, e.TimestampNs).Format(time.RFC3339),
			e.PackID, e.Outcome)
		if e.Reason != "" {
			line += "  (" + e.Reason + ")"
		}
		fmt.Println(line)
	}
}

func cmdRevoke(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: chaoskey revoke <pack-id>")
		os.Exit(1)
	}

	cfg := loadConfig()
	records := openRecords(cfg)
	if records == nil {
		fmt.Fprintln(os.Stderr, "Record store is not configured")
		os.Exit(1)
	}
	defer records.Close()

	if err := records.RevokeEnrollment(args[0]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Enrollment %s revoked\n", args[0])
}

// Command chaosverify is a standalone checker for chaoskey credential
// packs.
//
// It validates a pack file without any of the physical factors: schema
// shape, format version, and the integrity seal over the canonical
// body. It cannot and does not open the sealed envelope, so it is safe
// to run anywhere, including on untrusted copies of a pack.
//
// Usage:
//
//	chaosverify [flags] <chaoskey_auth_pack.json>
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"chaoskey/internal/bundle"
	"chaoskey/internal/integrity"
)

var (
	// Version information (set at build time)
	version = "dev"
	commit  = "unknown"
)

type report struct {
	File         string `json:"file"`
	SchemaOK     bool   `json:"schema_ok"`
	Version      string `json:"version,omitempty"`
	IntegrityOK  bool   `json:"integrity_ok"`
	CreatedAt    string `json:"created_at,omitempty"`
	Confidence   string `json:"fingerprint_confidence,omitempty"`
	FailureCause string `json:"failure_cause,omitempty"`
}

func main() {
	jsonOut := flag.Bool("json", false, "emit a JSON report instead of text")
	quiet := flag.Bool("quiet", false, "suppress output; exit code carries the result")
	versionFlag := flag.Bool("version", false, "print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "chaosverify - Verify chaoskey credential packs\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <pack.json>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExit codes:\n")
		fmt.Fprintf(os.Stderr, "  0  pack is well formed and the seal verifies\n")
		fmt.Fprintf(os.Stderr, "  1  pack is malformed, tampered, or unreadable\n")
		fmt.Fprintf(os.Stderr, "  2  usage error\n")
	}
	flag.Parse()

	if *versionFlag {
		fmt.Printf("chaosverify %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}
	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Error: pack file required\n\n")
		flag.Usage()
		os.Exit(2)
	}

	r := verifyFile(flag.Arg(0))
	if !*quiet {
		if *jsonOut {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			enc.Encode(r)
		} else {
			printReport(r)
		}
	}
	if !r.SchemaOK || !r.IntegrityOK {
		os.Exit(1)
	}
}

func verifyFile(path string) report {
	r := report{File: path}

	pack, err := bundle.Load(path)
	if err != nil {
		r.FailureCause = err.Error()
		return r
	}
	r.SchemaOK = true
	r.Version = pack.PackVersion
	r.CreatedAt = pack.Metadata.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	r.Confidence = pack.Metadata.FingerprintConfidence

	if err := pack.VerifyIntegrity(); err != nil {
		if errors.Is(err, integrity.ErrTampered) {
			r.FailureCause = "integrity seal does not match pack contents"
		} else {
			r.FailureCause = err.Error()
		}
		return r
	}
	r.IntegrityOK = true
	return r
}

func printReport(r report) {
	fmt.Printf("Pack: %s\n", r.File)
	if !r.SchemaOK {
		fmt.Printf("  Schema:    FAILED (%s)\n", r.FailureCause)
		return
	}
	fmt.Printf("  Schema:    OK (version %s)\n", r.Version)
	fmt.Printf("  Created:   %s\n", r.CreatedAt)
	fmt.Printf("  Device:    %s confidence\n", r.Confidence)
	if !r.IntegrityOK {
		fmt.Printf("  Integrity: FAILED (%s)\n", r.FailureCause)
		return
	}
	fmt.Println("  Integrity: OK")
}

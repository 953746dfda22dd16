package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/PlayibleClub/playible-near-relayer/pkg/config"
	"github.com/PlayibleClub/playible-near-relayer/pkg/keystore"
	"github.com/PlayibleClub/playible-near-relayer/pkg/kms"
)

// runSealKeyCmd rewrites a near-cli key file with its private key sealed by
// the KMS from the configuration (kms.* keys or RELAYER_KMS_* variables).
func runSealKeyCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("seal-key", flag.ContinueOnError)
	fs.SetOutput(stderr)
	in := fs.String("in", "", "plain or sealed key file to read")
	out := fs.String("out", "", "where to write the sealed key file (default stdout)")
	mode := fs.String("kms", "", "kms mode: local or derived (default from config)")
	keyFile := fs.String("kms-key-file", "", "local kms key file (created when missing)")
	rotate := fs.Bool("rotate", false, "add a new local kms key version and seal under it")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *in == "" {
		fmt.Fprintln(stderr, "Usage: near-relayer seal-key -in <key.json> [-out <sealed.json>] [-kms local|derived] [-rotate]")
		return 2
	}

	cfg := config.Default().KMS
	if err := config.LoadKMS(&cfg); err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	if *mode != "" {
		cfg.Mode = *mode
	}
	if *keyFile != "" {
		cfg.KeyFile = *keyFile
	}
	if cfg.Mode != config.KMSLocal && cfg.Mode != config.KMSDerived {
		fmt.Fprintf(stderr, "seal-key: kms mode must be local or derived, got %q\n", cfg.Mode)
		return 2
	}
	manager, err := openKMS(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "seal-key: %v\n", err)
		return 1
	}
	if *rotate {
		// older versions stay in the key file, so files sealed under them
		// still open while the input is read below
		local, ok := manager.(*kms.LocalKMS)
		if !ok {
			fmt.Fprintln(stderr, "seal-key: -rotate needs kms mode local; derived keys rotate with kms.version")
			return 2
		}
		v, err := local.Rotate()
		if err != nil {
			fmt.Fprintf(stderr, "seal-key: rotate: %v\n", err)
			return 1
		}
		fmt.Fprintf(stderr, "rotated local kms to version %d\n", v)
	}

	data, err := os.ReadFile(*in)
	if err != nil {
		fmt.Fprintf(stderr, "seal-key: %v\n", err)
		return 1
	}
	sealed, err := keystore.SealKeyFile(data, manager, manager)
	if err != nil {
		fmt.Fprintf(stderr, "seal-key: %v\n", err)
		return 1
	}
	sealed = append(sealed, '\n')

	if *out == "" {
		_, _ = stdout.Write(sealed)
		return 0
	}
	if err := os.WriteFile(*out, sealed, 0o600); err != nil {
		fmt.Fprintf(stderr, "seal-key: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "sealed %s -> %s (kms %s, version %d)\n", *in, *out, cfg.Mode, manager.ActiveVersion())
	return 0
}

// genkeys writes a fresh ed25519 key pair for signing run reports.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"matrixci/internal/security"
)

func main() {
	flagSet := pflag.NewFlagSet("genkeys", pflag.ExitOnError)
	pubPath := flagSet.String("pub", "./keys/runner.pub", "public key output path")
	privPath := flagSet.String("priv", "./keys/runner.priv", "private key output path")
	_ = flagSet.Parse(os.Args[1:])

	keys, err := security.GenerateKeyPair()
	if err != nil {
		fmt.Fprintf(os.Stderr, "keygen error: %v\n", err)
		os.Exit(2)
	}
	if err := security.SaveKeyPair(keys, *pubPath, *privPath); err != nil {
		fmt.Fprintf(os.Stderr, "save keys: %v\n", err)
		os.Exit(2)
	}
	fmt.Printf("wrote %s and %s (key id %s)\n", *pubPath, *privPath, keys.KeyID())
}

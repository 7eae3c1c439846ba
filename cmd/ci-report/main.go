package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"matrixci/internal/attest"
	"matrixci/internal/security"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var keyPath string

	flagSet := pflag.NewFlagSet("ci-report", pflag.ContinueOnError)
	flagSet.StringVar(&keyPath, "key", "", "public key file the report must be signed with")
	flagSet.Usage = func() {
		fmt.Fprintln(os.Stderr, "Usage: ci-report <inspect|verify> <report.jsonl> [--key runner.pub]")
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flagSet.NArg() != 2 {
		flagSet.Usage()
		return errors.New("expected a command and a report path")
	}

	report, err := attest.OpenReport(flagSet.Arg(1))
	if err != nil {
		return err
	}

	switch flagSet.Arg(0) {
	case "inspect":
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "INDEX\tKIND\tJOB\tENTRY\tSTEP\tSTATUS\tEXIT\tHASH")
		for _, rec := range report.Records() {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
				rec.Index, rec.Kind, short(rec.JobID, 8), rec.Entry, rec.Step, rec.Status, rec.ExitCode, short(rec.Hash, 16))
		}
		return tw.Flush()

	case "verify":
		trusted := ""
		if keyPath != "" {
			pub, err := security.LoadPublicKey(keyPath)
			if err != nil {
				return err
			}
			trusted = fmt.Sprintf("%x", []byte(pub))
		}
		if err := report.Verify(trusted); err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}
		fmt.Printf("%s: %d records verified\n", report.Path(), len(report.Records()))
		return nil

	default:
		flagSet.Usage()
		return fmt.Errorf("unknown command %q", flagSet.Arg(0))
	}
}

func short(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

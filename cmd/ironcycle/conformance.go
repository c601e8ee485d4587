package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/ironloop/ironcycle/internal/conformance"
)

func runConformanceCmd(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "conformance requires a subcommand: run")
		os.Exit(1)
	}
	sub, rest := args[0], args[1:]

	switch sub {
	case "run":
		fs := flag.NewFlagSet("conformance run", flag.ExitOnError)
		root := fs.String("root", ".", "directory containing case subdirectories")
		expected := fs.String("expected", "expected", "directory containing golden expected/<category>/<case_id>.json files")
		updateExpected := fs.Bool("update-expected", false, "write actual output as the new expected artifact instead of comparing")
		runtimeName := fs.String("runtime-name", "ironcycle", "runtime name recorded in the summary header")
		runtimeVersion := fs.String("runtime-version", version, "runtime version recorded in the summary header")
		runtimeTarget := fs.String("runtime-target", "", "runtime build target recorded in the summary header")
		fs.Parse(rest)

		r := &conformance.Runner{
			Root:           *root,
			ExpectedRoot:   *expected,
			UpdateExpected: *updateExpected,
			Runtime: conformance.RuntimeInfo{
				Name:    *runtimeName,
				Version: *runtimeVersion,
				Target:  *runtimeTarget,
			},
		}
		summary, err := r.RunAll()
		if err != nil {
			fatal(err)
		}
		printJSON(summary)
		if summary.Summary.Failed > 0 || summary.Summary.Errors > 0 {
			os.Exit(1)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown conformance subcommand %q\n", sub)
		os.Exit(1)
	}
}

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/ironloop/ironcycle/internal/registry"
)

func runRegistryCmd(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "registry requires a subcommand: init|publish|download|verify|list")
		os.Exit(1)
	}
	sub, rest := args[0], args[1:]

	switch sub {
	case "init":
		fs := flag.NewFlagSet("registry init", flag.ExitOnError)
		root := fs.String("root", ".", "registry root directory")
		visibility := fs.String("visibility", "public", "public|private")
		token := fs.String("auth-token", "", "auth token required for private visibility")
		fs.Parse(rest)
		vis := registry.VisibilityPublic
		if *visibility == "private" {
			vis = registry.VisibilityPrivate
		}
		if err := registry.Init(*root, vis, *token); err != nil {
			fatal(err)
		}

	case "publish":
		fs := flag.NewFlagSet("registry publish", flag.ExitOnError)
		root := fs.String("root", ".", "registry root directory")
		token := fs.String("auth-token", "", "auth token")
		name := fs.String("name", "", "package name")
		version := fs.String("version", "", "package version")
		resourceName := fs.String("resource", "", "resource name")
		bundleVersion := fs.Int("bundle-version", 1, "bundle format version")
		sourceDir := fs.String("source", "", "directory to publish")
		fs.Parse(rest)
		reg, _, settings, err := registry.Open(*root)
		if err != nil {
			fatal(err)
		}
		meta, err := reg.Publish(settings, *token, *name, *version, *resourceName, *bundleVersion, *sourceDir)
		if err != nil {
			fatal(err)
		}
		printJSON(meta)

	case "download":
		fs := flag.NewFlagSet("registry download", flag.ExitOnError)
		root := fs.String("root", ".", "registry root directory")
		token := fs.String("auth-token", "", "auth token")
		name := fs.String("name", "", "package name")
		version := fs.String("version", "", "package version")
		dest := fs.String("dest", "", "destination directory")
		verify := fs.Bool("verify", true, "verify digests before install")
		fs.Parse(rest)
		reg, _, settings, err := registry.Open(*root)
		if err != nil {
			fatal(err)
		}
		meta, err := reg.Download(settings, *token, *name, *version, *dest, *verify)
		if err != nil {
			fatal(err)
		}
		printJSON(meta)

	case "verify":
		fs := flag.NewFlagSet("registry verify", flag.ExitOnError)
		root := fs.String("root", ".", "registry root directory")
		token := fs.String("auth-token", "", "auth token")
		name := fs.String("name", "", "package name")
		version := fs.String("version", "", "package version")
		fs.Parse(rest)
		reg, _, settings, err := registry.Open(*root)
		if err != nil {
			fatal(err)
		}
		result, err := reg.Verify(settings, *token, *name, *version)
		if err != nil {
			fatal(err)
		}
		printJSON(result)
		if !result.OK {
			os.Exit(1)
		}

	case "list":
		fs := flag.NewFlagSet("registry list", flag.ExitOnError)
		root := fs.String("root", ".", "registry root directory")
		token := fs.String("auth-token", "", "auth token")
		fs.Parse(rest)
		reg, _, settings, err := registry.Open(*root)
		if err != nil {
			fatal(err)
		}
		index, err := reg.List(settings, *token)
		if err != nil {
			fatal(err)
		}
		printJSON(index)

	default:
		fmt.Fprintf(os.Stderr, "unknown registry subcommand %q\n", sub)
		os.Exit(1)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

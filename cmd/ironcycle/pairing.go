package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/ironloop/ironcycle/internal/pairing"
)

func runPairingCmd(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "pairing requires a subcommand: start|claim|list|revoke|revoke-all")
		os.Exit(1)
	}
	sub, rest := args[0], args[1:]

	switch sub {
	case "start":
		fs := flag.NewFlagSet("pairing start", flag.ExitOnError)
		store := fs.String("store", "pairing.json", "pairing store file")
		role := fs.String("role", "viewer", "requested role: viewer|operator|engineer|admin")
		fs.Parse(rest)
		s, err := pairing.New(*store, nil)
		if err != nil {
			fatal(err)
		}
		r, err := parseRole(*role)
		if err != nil {
			fatal(err)
		}
		code, expiresAt, err := s.StartPairing(r)
		if err != nil {
			fatal(err)
		}
		printJSON(map[string]any{"code": code, "expires_at": expiresAt})

	case "claim":
		fs := flag.NewFlagSet("pairing claim", flag.ExitOnError)
		store := fs.String("store", "pairing.json", "pairing store file")
		code := fs.String("code", "", "pairing code")
		fs.Parse(rest)
		s, err := pairing.New(*store, nil)
		if err != nil {
			fatal(err)
		}
		rec, err := s.Claim(*code)
		if err != nil {
			fatal(err)
		}
		printJSON(rec)

	case "list":
		fs := flag.NewFlagSet("pairing list", flag.ExitOnError)
		store := fs.String("store", "pairing.json", "pairing store file")
		fs.Parse(rest)
		s, err := pairing.New(*store, nil)
		if err != nil {
			fatal(err)
		}
		printJSON(s.List())

	case "revoke":
		fs := flag.NewFlagSet("pairing revoke", flag.ExitOnError)
		store := fs.String("store", "pairing.json", "pairing store file")
		id := fs.String("id", "", "token id to revoke")
		fs.Parse(rest)
		s, err := pairing.New(*store, nil)
		if err != nil {
			fatal(err)
		}
		if err := s.Revoke(*id); err != nil {
			fatal(err)
		}

	case "revoke-all":
		fs := flag.NewFlagSet("pairing revoke-all", flag.ExitOnError)
		store := fs.String("store", "pairing.json", "pairing store file")
		fs.Parse(rest)
		s, err := pairing.New(*store, nil)
		if err != nil {
			fatal(err)
		}
		if err := s.RevokeAll(); err != nil {
			fatal(err)
		}

	default:
		fmt.Fprintf(os.Stderr, "unknown pairing subcommand %q\n", sub)
		os.Exit(1)
	}
}

func parseRole(s string) (pairing.Role, error) {
	switch s {
	case "viewer":
		return pairing.RoleViewer, nil
	case "operator":
		return pairing.RoleOperator, nil
	case "engineer":
		return pairing.RoleEngineer, nil
	case "admin":
		return pairing.RoleAdmin, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

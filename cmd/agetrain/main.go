// Package main provides the agetrain CLI.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/agegender/agetrain/internal/model"
	"github.com/agegender/agetrain/internal/report"
	log "github.com/sirupsen/logrus"
)

const version = "v0.1.0-dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	switch args[0] {
	case "train":
		return train(args[1:], stderr)
	case "inspect":
		return inspect(args[1:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "agetrain %s\n", version)
		return 0
	case "help", "-h", "-help", "--help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "agetrain %s - age and gender training runs\n\n", version)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  train -config <file> [-section train] [-debug] [-log-json] [-detach]")
	fmt.Fprintln(w, "  inspect <experiment folder>")
	fmt.Fprintln(w, "  version")
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Models: %v\n", model.Names())
}

func inspect(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(stderr, "usage: agetrain inspect <experiment folder>")
		return 2
	}
	r, err := report.Load(args[0])
	if err != nil {
		log.WithError(err).Error("inspect failed")
		return 1
	}
	if err := r.Render(stdout); err != nil {
		log.WithError(err).Error("render failed")
		return 1
	}
	return 0
}

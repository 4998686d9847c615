package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/scrivelabs/scrive-core/internal/textfilter"
)

var version = "0.1.0-dev"

func main() {
	var (
		modulePath string
		entrypoint string
	)
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&modulePath, "file", "filter.wasm", "Path to filter module")
	validateCmd.StringVar(&entrypoint, "entrypoint", "run", "Exported function the daemon will call")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		if err := runValidate(modulePath, entrypoint); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("filter module valid")
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runValidate(path, entrypoint string) error {
	wasm, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read module: %w", err)
	}
	return textfilter.Probe(context.Background(), wasm, entrypoint)
}

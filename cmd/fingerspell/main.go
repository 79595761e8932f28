package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/loqalabs/fingerspell/internal/config"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath string
		printCfg   bool
	)
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&configPath, "file", "fingerspell.yaml", "Path to configuration file")
	validateCmd.BoolVar(&printCfg, "print", false, "Print the effective configuration")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if printCfg {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(redact(cfg))
			return
		}
		fmt.Println("config valid")
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func redact(cfg config.Config) config.Config {
	if cfg.Bus.Password != "" {
		cfg.Bus.Password = "***"
	}
	if cfg.Bus.Token != "" {
		cfg.Bus.Token = "***"
	}
	return cfg
}

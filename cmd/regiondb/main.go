package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/chzyer/readline"

	"github.com/KevoDB/regiondb/pkg/config"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".open"),
	readline.PcItem(".close"),
	readline.PcItem(".exit"),
	readline.PcItem(".stats"),
	readline.PcItem(".reset"),
	readline.PcItem(".dump"),
	readline.PcItem(".check"),
	readline.PcItem(".compact"),
	readline.PcItem(".checkpoint"),
	readline.PcItem("BATCH"),
	readline.PcItem("COMMIT"),
	readline.PcItem("DISCARD"),
	readline.PcItem("PUT"),
	readline.PcItem("PUTHASH"),
	readline.PcItem("GET"),
	readline.PcItem("GETHASH"),
	readline.PcItem("DELETE"),
	readline.PcItem("DELHASH"),
	readline.PcItem("MODIFY"),
	readline.PcItem("REPLACE"),
	readline.PcItem("HASH"),
	readline.PcItem("SCAN"),
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "regiondb - an embedded region-based key-value store\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: regiondb [options] [database_path]\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "\nStart regiondb and type .help for the shell commands.\n")
	}

	configPath := flag.String("config", "", "JSON file with configuration overrides")
	truncate := flag.Bool("truncate", false, "Remove any existing database before opening")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn or error")
	compression := flag.String("compression", "", "Value compression: none, snappy or zstd")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %s\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *compression != "" {
		cfg.Compression = *compression
	}

	sh := newShell(cfg, os.Stdout)
	if flag.NArg() > 0 {
		if err := sh.open(flag.Arg(0), *truncate); err != nil {
			fmt.Fprintf(os.Stderr, "Error opening database: %s\n", err)
			os.Exit(1)
		}
	}
	defer sh.close()

	runInteractive(sh)
}

// loadConfig applies the overrides in path, if any, to the defaults.
func loadConfig(path string) (*config.Config, error) {
	cfg := config.NewDefaultConfig()
	cfg.LogLevel = "warn"
	cfg.Telemetry.Enabled = true
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	cfg.Telemetry.LoadFromEnv()
	return cfg, cfg.Validate()
}

// runInteractive starts the interactive CLI mode
func runInteractive(sh *shell) {
	fmt.Println("regiondb shell")
	fmt.Println("Enter .help for usage hints.")

	historyFile := filepath.Join(os.TempDir(), ".regiondb_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "regiondb> ",
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		rl.SetPrompt(sh.prompt())

		line, readErr := rl.Readline()
		if readErr != nil {
			if readErr == readline.ErrInterrupt {
				if len(line) == 0 {
					break
				}
				continue
			} else if readErr == io.EOF {
				fmt.Println("Goodbye!")
				break
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", readErr)
			continue
		}

		if sh.execute(line) {
			return
		}
	}
}

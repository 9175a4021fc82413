package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-coach/internal/advisor"
	"github.com/loqalabs/loqa-coach/internal/config"
	"github.com/loqalabs/loqa-coach/internal/recovery"
	"github.com/loqalabs/loqa-coach/internal/replay"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'analyze', 'validate-catalog' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "analyze":
		if err := runAnalyze(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "validate-catalog":
		var path string
		fs := flag.NewFlagSet("validate-catalog", flag.ExitOnError)
		fs.StringVar(&path, "file", "catalog.yaml", "Path to protocol catalog")
		fs.Parse(os.Args[2:])
		catalog, err := recovery.LoadCatalog(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("catalog valid: %d protocols\n", len(catalog))
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runAnalyze(args []string) error {
	var (
		configPath     string
		wavPath        string
		transcriptPath string
		personality    string
		effectiveness  float64
	)
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration file (defaults when empty)")
	fs.StringVar(&wavPath, "wav", "", "Path to a PCM WAV recording")
	fs.StringVar(&transcriptPath, "transcript", "", "Path to a timed YAML transcript")
	fs.StringVar(&personality, "personality", "", "Advisor personality: analytical, supportive or strategic")
	fs.Float64Var(&effectiveness, "effectiveness", 0, "Fixed intervention effectiveness in [0.6,1]; random when 0")
	fs.Parse(args)

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	catalog, err := recovery.LoadCatalog(cfg.Recovery.CatalogPath)
	if err != nil {
		return err
	}

	opts := replay.Options{Config: cfg, Catalog: catalog}
	if personality != "" {
		opts.Personality = advisor.ParsePersonality(personality)
	}
	if effectiveness > 0 {
		opts.Effectiveness = func(string) float64 { return effectiveness }
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, err := replay.RunFiles(ctx, wavPath, transcriptPath, opts)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"gopkg.in/yaml.v3"

	"github.com/looplj/cacheproxy/internal/build"
	"github.com/looplj/cacheproxy/internal/conf"
	"github.com/looplj/cacheproxy/internal/log"
	"github.com/looplj/cacheproxy/internal/server"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "config":
			handleConfigCommand()
			return
		case "version", "--version", "-v":
			fmt.Println(build.Version)
			return
		case "help", "--help", "-h":
			showHelp()
			return
		}
	}

	startServer()
}

func startServer() {
	server.Run(
		fx.WithLogger(func() fxevent.Logger {
			return fxevent.NopLogger
		}),
		fx.Invoke(func(cfg *conf.Config) {
			level := "info"
			if cfg.Server.Debug {
				level = "debug"
			}

			log.SetGlobalConfig(log.Config{Level: level, Format: cfg.Log.Format})
		}),
	)
}

func handleConfigCommand() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: cacheproxy config <preview|validate>")
		os.Exit(1)
	}

	switch os.Args[2] {
	case "preview":
		configPreview()
	case "validate":
		configValidate()
	default:
		fmt.Println("Usage: cacheproxy config <preview|validate>")
		os.Exit(1)
	}
}

func configPreview() {
	format := "yaml"

	for i := 3; i < len(os.Args); i++ {
		if os.Args[i] == "--format" || os.Args[i] == "-f" {
			if i+1 < len(os.Args) {
				format = os.Args[i+1]
			}
		}
	}

	cfg, err := conf.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var out []byte

	switch format {
	case "json":
		out, err = json.MarshalIndent(cfg, "", "  ")
	case "yaml", "yml":
		out, err = yaml.Marshal(cfg)
	default:
		fmt.Printf("Unsupported format: %s\n", format)
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Failed to preview config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(string(out))
}

func configValidate() {
	cfg, err := conf.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	errs := validateConfig(cfg)
	if len(errs) == 0 {
		fmt.Println("Configuration is valid!")
		return
	}

	fmt.Println("Configuration validation failed:")

	for _, e := range errs {
		fmt.Printf("  - %s\n", e)
	}

	os.Exit(1)
}

func validateConfig(cfg *conf.Config) []string {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.DatabaseURL == "" {
		errs = append(errs, "database_url cannot be empty")
	}

	if len(cfg.APIEndpoints) == 0 {
		errs = append(errs, "api_endpoints must contain at least one entry")
	}

	if cfg.Server.CORS.Enabled && len(cfg.Server.CORS.AllowedOrigins) == 0 {
		errs = append(errs, "server.cors.allowed_origins cannot be empty when CORS is enabled")
	}

	return errs
}

func showHelp() {
	fmt.Println("cacheproxy - caching reverse proxy for OpenAI-compatible chat APIs")
	fmt.Println("")
	fmt.Println("Usage:")
	fmt.Println("  cacheproxy                   Start the server (default)")
	fmt.Println("  cacheproxy config preview    Preview the effective configuration")
	fmt.Println("  cacheproxy config validate   Validate the configuration")
	fmt.Println("  cacheproxy version           Show version")
	fmt.Println("  cacheproxy help              Show this help message")
	fmt.Println("")
	fmt.Println("Options:")
	fmt.Println("  -f, --format FORMAT          Output format for config preview (yaml, json)")
}

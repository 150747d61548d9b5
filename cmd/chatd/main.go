package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ttbazaar/chatd/internal/config"
	"github.com/ttbazaar/chatd/internal/daemon"
	"go.uber.org/fx"
)

func main() {
	configFlag := flag.String("config", "", "path to config file (default: <state dir>/config.toml)")
	flag.Parse()

	path := *configFlag
	if path == "" {
		path = filepath.Join(config.Default().StateDir, "config.toml")
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(cfg),
	)

	app.Run()
}

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/danmuck/fleetctl/internal/config"
	logs "github.com/danmuck/fleetctl/internal/logging"
)

var defaultPaths = map[string]string{
	"fleet":                 "cmd/fleetctl/config.toml",
	config.DocumentSectors:  "cmd/fleetctl/sectors.toml",
	config.DocumentMasters:  "cmd/fleetctl/masters.toml",
	config.DocumentSecurity: "cmd/fleetctl/security.toml",
}

func main() {
	kind := pflag.String("kind", "fleet", "config kind: fleet|sectors|masters|security")
	output := pflag.String("output", "", "output path for config template")
	validate := pflag.Bool("validate", false, "validate an existing config file")
	input := pflag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := pflag.Bool("force", false, "overwrite existing config file")
	pflag.Parse()

	logs.ConfigureRuntime("configgen")

	path, ok := defaultPaths[*kind]
	if !ok {
		fail(fmt.Errorf("unknown kind: %s", *kind))
	}

	if *validate {
		if *input != "" {
			path = *input
		}
		if err := config.Validate(path, *kind); err != nil {
			fail(err)
		}
		logs.Infof("configgen validated kind=%s path=%q", *kind, path)
		return
	}

	if *output != "" {
		path = *output
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		fail(err)
	}
	if err := config.WriteTemplate(path, *kind, *force); err != nil {
		fail(err)
	}
	logs.Infof("configgen wrote kind=%s path=%q", *kind, path)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "configgen: %v\n", err)
	os.Exit(1)
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/danmuck/fleetctl/internal/fleet"
	logs "github.com/danmuck/fleetctl/internal/logging"
)

func main() {
	configPath := pflag.StringP("config", "c", "cmd/fleetctl/config.toml", "fleet service config path")
	admin := pflag.String("admin", "", "override admin_listen_addr")
	once := pflag.Bool("once", false, "reconcile and probe once, then exit")
	pflag.Parse()

	logs.ConfigureRuntime("fleetctl")

	cfg, err := loadServiceConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetctl: %v\n", err)
		os.Exit(1)
	}
	if pflag.CommandLine.Changed("admin") {
		cfg.AdminListenAddr = *admin
	}

	svc := fleet.NewServiceWithConfig(cfg)
	if *once {
		err = svc.RunOnce()
	} else {
		err = svc.Run()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetctl: %v\n", err)
		os.Exit(1)
	}
}

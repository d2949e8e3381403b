// Command smsgated is the gateway's process entrypoint: it loads both
// INI configuration files, wires the Supervisor, and blocks until an
// interrupt or a fatal worker error.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/kgibson/smsgate/internal/config"
	"github.com/kgibson/smsgate/internal/supervisor"
)

func main() {
	mainConfigPath := flag.String("config", "/etc/smsgate/smsgate.ini", "path to the main INI config file")
	simConfigPath := flag.String("sims", "/etc/smsgate/sims.ini", "path to the per-SIM INI config file")
	flag.Parse()

	logger := log.New(os.Stderr, "smsgated: ", log.LstdFlags)

	applyUmask(logger)

	cfg, err := config.LoadMain(*mainConfigPath)
	if err != nil {
		logger.Fatalf("loading %s: %v", *mainConfigPath, err)
	}
	modems, err := config.LoadModems(*simConfigPath)
	if err != nil {
		logger.Fatalf("loading %s: %v", *simConfigPath, err)
	}
	if cfg.Seccomp.Enabled {
		// Narrowing the syscall set to a fixed allowlist lives outside
		// this process; it only records that the operator asked for it.
		logger.Printf("seccomp sandboxing requested; enforcement is external to this process")
	}

	sup, err := supervisor.New(cfg, modems, logger)
	if err != nil {
		logger.Fatalf("wiring supervisor: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Printf("starting with %d modem(s) on %s:%d", len(modems), cfg.Server.Host, cfg.Server.Port)
	if err := sup.Run(ctx); err != nil {
		logger.Fatalf("supervisor exited: %v", err)
	}
	logger.Printf("shut down cleanly")
}

// applyUmask sets a restrictive process umask so files written at
// runtime grant no permissions to other (non-owner, non-group) users.
func applyUmask(logger *log.Logger) {
	syscall.Umask(0o007)
	logger.Printf("umask set to 0007")
}

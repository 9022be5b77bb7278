// torque-demo wires the engine, a docker backend, the SQLite history journal
// and the monitor server into one process. It exists to show end-to-end
// integration; library consumers assemble these pieces themselves.
package main

import (
	"context"
	"log"
	"os"

	"github.com/seantiz/torque/backend/docker"
	"github.com/seantiz/torque/config"
	"github.com/seantiz/torque/engine"
	"github.com/seantiz/torque/history"
	"github.com/seantiz/torque/monitor"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("torque: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"max_tasks", cfg.MaxTasks,
	)

	journal, err := history.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open history journal: %v", err)
	}
	defer journal.Close()

	eng := engine.New(logger, journal)
	defer eng.Close()

	err = eng.Register(context.Background(), engine.BackendConfig{
		Name:     "docker",
		MaxTasks: cfg.MaxTasks,
		Docker:   &docker.Config{Host: cfg.DockerHost},
	})
	if err != nil {
		log.Fatalf("failed to register docker backend: %v", err)
	}

	srv := monitor.NewServer(cfg.ListenAddr, eng, journal, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

package main

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/catalystcommunity/trainforge/orchestrator/cmd"
	"github.com/catalystcommunity/trainforge/orchestrator/internal/obslog"
)

func main() {
	app := &cli.App{
		Name:  "trainforge-orchestrator",
		Usage: "GPU training job orchestration platform",
		Commands: []*cli.Command{
			cmd.ServeCommand,
			cmd.WorkerCommand,
			cmd.HealthCheckCommand,
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		// log fatal so we exit with the proper exit code, this is important for containerized deployment health checks
		obslog.Log.WithError(err).Fatal("runtime error")
	}
}

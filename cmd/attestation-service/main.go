// Command attestation-service serves the attestation evaluation API.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/attestation-service/api/ashandler"
	"github.com/ruteri/attestation-service/attestation"
	"github.com/ruteri/attestation-service/cmd/flags"
	"github.com/ruteri/attestation-service/common"
	"github.com/ruteri/attestation-service/config"
	"github.com/ruteri/attestation-service/httpserver"
	"github.com/ruteri/attestation-service/metrics"
	"github.com/urfave/cli/v2"
)

var ConfigFlag = &cli.StringFlag{
	Name:    "config",
	Usage:   "path to a YAML or JSON configuration file; defaults apply when unset",
	EnvVars: []string{"ATTESTATION_SERVICE_CONFIG"},
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}

var WorkDirFlag = &cli.StringFlag{
	Name:  "work-dir",
	Usage: "override work_dir from the configuration",
}

func main() {
	app := &cli.App{
		Name:  "attestation-service",
		Usage: "Appraise TEE evidence and issue attestation tokens",
		Flags: append([]cli.Flag{ConfigFlag, ListenAddrFlag, WorkDirFlag, flags.LogServiceFlagFn("attestation-service")}, flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			cfg := config.Default()
			if path := cCtx.String(ConfigFlag.Name); path != "" {
				var err error
				cfg, err = config.Load(path)
				if err != nil {
					logger.Error("Failed to load configuration", "err", err)
					return err
				}
			}
			if workDir := cCtx.String(WorkDirFlag.Name); workDir != "" {
				cfg.WorkDir = workDir
			}

			service, broker, err := attestation.New(cfg, logger)
			if err != nil {
				logger.Error("Failed to initialize attestation service", "err", err)
				return err
			}

			m := metrics.NewMetrics(common.PackageName)
			handler := ashandler.NewHandler(service, broker, m, logger)

			server, err := httpserver.New(flags.ConfigureServer(cCtx, logger, cCtx.String(ListenAddrFlag.Name), m), handler)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

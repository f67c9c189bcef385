package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fxnlabs/sparse-node/internal/config"
	"github.com/fxnlabs/sparse-node/internal/logger"
)

func main() {
	var cfg *config.Config
	var log *zap.Logger

	app := &cli.App{
		Name:  "spmv",
		Usage: "Sparse matrix-vector multiplication on GPU via cuSPARSE",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Load configuration from `FILE`",
				EnvVars: []string{"SPMV_CONFIG"},
			},
		},
		Before: func(c *cli.Context) error {
			var err error
			if path := c.String("config"); path != "" {
				cfg, err = config.LoadConfig(path)
				if err != nil {
					return err
				}
			} else {
				cfg = config.Default()
			}
			zapLogger, err := logger.New(cfg.Logger.Verbosity)
			if err != nil {
				return err
			}
			log = zapLogger.Named("spmv")
			return nil
		},
		Commands: []*cli.Command{
			infoCommand(&cfg, &log),
			multiplyCommand(&cfg, &log),
			benchCommand(&cfg, &log),
		},
	}

	if err := app.Run(os.Args); err != nil {
		if log != nil {
			log.Fatal("failed to run app", zap.Error(err))
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
}

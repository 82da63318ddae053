package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/am6737/meshpeer/config"
	"github.com/am6737/meshpeer/controllers"
	"github.com/urfave/cli/v2"
)

func run(c *cli.Context) error {
	configFile := c.String("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}

	if pidFile := pidFilePath(c, cfg); pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			return fmt.Errorf("unable to write pid file: %w", err)
		}
		defer os.Remove(pidFile)
	}

	ctx := c.Context
	ctrl, err := controllers.NewControllersManager(ctx, cfg, logger, nil)
	if err != nil {
		logger.WithError(err).Error("Failed to create node")
		return err
	}
	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	ctrl.Shutdown()

	return nil
}

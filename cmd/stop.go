package cmd

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/am6737/meshpeer/config"
	"github.com/urfave/cli/v2"
)

// pidFilePath resolves the pid file: --pid-file wins over pid_file in cfg.
func pidFilePath(c *cli.Context, cfg *config.Config) string {
	if p := c.String("pid-file"); p != "" {
		return p
	}
	return cfg.PidFile
}

// stopConfig loads the config named by --config. A missing default config
// file is not an error, stop then only needs the defaults.
func stopConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) && !c.IsSet("config") {
		d := config.Default()
		return &d, nil
	}
	return nil, err
}

func readPid(pidFile string) (int, error) {
	pidData, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, fmt.Errorf("unable to read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pidData)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("unable to parse pid from %s: %q", pidFile, strings.TrimSpace(string(pidData)))
	}
	return pid, nil
}

func stop(c *cli.Context) error {
	cfg, err := stopConfig(c)
	if err != nil {
		return err
	}
	pidFile := pidFilePath(c, cfg)

	pid, err := readPid(pidFile)
	if err != nil {
		return err
	}

	// FindProcess 在 unix 上总是成功，用 0 号信号确认进程还在
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("unable to find process: %w", err)
	}
	if err := process.Signal(syscall.Signal(0)); err != nil {
		os.Remove(pidFile)
		return fmt.Errorf("process %d is not running, removed stale pid file %s", pid, pidFile)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("unable to signal process %d: %w", pid, err)
	}

	fmt.Fprintf(c.App.Writer, "Sent SIGTERM to node with PID %d\n", pid)
	return nil
}

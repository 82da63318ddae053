package cmd

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/am6737/meshpeer/config"
	"github.com/am6737/meshpeer/filter"
	"github.com/urfave/cli/v2"
)

func evaluateFrame(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	f, err := filter.FromConfig(cfg.Filter)
	if err != nil {
		return err
	}

	et, err := filter.ParseEtherType(c.String("ethertype"))
	if err != nil {
		return err
	}
	if et.IsAny() || et.Low() != et.High() {
		return fmt.Errorf("ethertype %q must name a single value", c.String("ethertype"))
	}

	frame, err := hex.DecodeString(strings.ReplaceAll(c.String("hex"), " ", ""))
	if err != nil {
		return fmt.Errorf("invalid frame hex: %w", err)
	}

	etherType := uint16(et.Low())
	fmt.Fprintf(c.App.Writer, "%s\n", f.Evaluate(etherType, frame))
	return nil
}

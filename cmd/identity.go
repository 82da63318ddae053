package cmd

import (
	"errors"
	"fmt"

	"github.com/am6737/meshpeer/identity"
	"github.com/urfave/cli/v2"
)

func generateIdentity(c *cli.Context) error {
	id, err := identity.Generate()
	if err != nil {
		return err
	}

	out := c.String("out")
	if out == "" {
		fmt.Fprintln(c.App.Writer, id.String())
		return nil
	}
	if err := id.Save(out); err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, id.PublicString())
	return nil
}

func showIdentity(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("expected exactly one identity file")
	}
	id, err := identity.Load(c.Args().First())
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, id.PublicString())
	return nil
}

package cmd

import (
	"github.com/urfave/cli/v2"
)

const VERSION = "v1.0.0"

var configFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "config file path",
	Value:   "config.yaml",
}

var pidFileFlag = &cli.StringFlag{
	Name:  "pid-file",
	Usage: "pid file path, overrides pid_file from the config",
}

var App = &cli.App{
	Name:    "meshpeer",
	Usage:   "peer-to-peer virtual ethernet node",
	Version: VERSION,
	Commands: []*cli.Command{
		{
			Name:   "run",
			Usage:  "start a node",
			Flags:  []cli.Flag{configFlag, pidFileFlag},
			Action: run,
		},
		{
			Name:   "stop",
			Usage:  "stop a running node",
			Flags:  []cli.Flag{configFlag, pidFileFlag},
			Action: stop,
		},
		{
			Name:  "identity",
			Usage: "manage node identities",
			Subcommands: []*cli.Command{
				{
					Name:  "generate",
					Usage: "generate a new identity",
					Flags: []cli.Flag{
						&cli.StringFlag{
							Name:  "out",
							Usage: "write the identity to this file instead of stdout",
						},
					},
					Action: generateIdentity,
				},
				{
					Name:      "show",
					Usage:     "print the public part of an identity file",
					ArgsUsage: "<identity file>",
					Action:    showIdentity,
				},
			},
		},
		{
			Name:  "filter",
			Usage: "evaluate a frame against the configured filter",
			Flags: []cli.Flag{
				configFlag,
				&cli.StringFlag{
					Name:  "ethertype",
					Usage: "frame ethertype, name or number",
					Value: "ipv4",
				},
				&cli.StringFlag{
					Name:     "hex",
					Usage:    "frame payload in hex",
					Required: true,
				},
			},
			Action: evaluateFrame,
		},
	},
}

// Package main is the labkernel command: it serves a kernel over the gateway and inspects
// configurations and running kernels.
package main

import (
	"context"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	goutils "go.viam.com/utils"

	"go.labforge.io/labkernel/logging"
	// registers all built-in modules.
	_ "go.labforge.io/labkernel/modules/register"
)

const (
	// Flags.
	flagConfig  = "config"
	flagDebug   = "debug"
	flagWatch   = "watch"
	flagAddress = "address"
	flagModule  = "module"
	flagOp      = "op"
	flagArgs    = "args"
)

func main() {
	goutils.ContextualMain(mainWithArgs, logging.NewLogger("labkernel").Desugar().Sugar())
}

// mainWithArgs runs the app until it returns or an interrupt or termination signal cancels ctx.
func mainWithArgs(ctx context.Context, args []string, _ *zap.SugaredLogger) error {
	return newApp().RunContext(ctx, args)
}

func newApp() *cli.App {
	var logger logging.Logger

	configFlag := &cli.PathFlag{
		Name:     flagConfig,
		Aliases:  []string{"c"},
		Usage:    "load configuration from `FILE`",
		Required: true,
	}
	addressFlag := &cli.StringFlag{
		Name:    flagAddress,
		Aliases: []string{"a"},
		Usage:   "gateway `HOST:PORT` of a running kernel",
		Value:   "127.0.0.1:12345",
	}

	return &cli.App{
		Name:  "labkernel",
		Usage: "run and inspect laboratory module kernels",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool(flagDebug) {
				logger = logging.NewDebugLogger("labkernel")
			} else {
				logger = logging.NewLogger("labkernel")
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "start the configured modules and serve them over the gateway",
				Flags: []cli.Flag{
					configFlag,
					&cli.BoolFlag{
						Name:  flagWatch,
						Usage: "reconfigure the kernel whenever the configuration file changes",
					},
				},
				Action: func(c *cli.Context) error {
					return serveAction(c, logger)
				},
			},
			{
				Name:  "check",
				Usage: "resolve a configuration and report the modules that cannot start",
				Flags: []cli.Flag{configFlag},
				Action: func(c *cli.Context) error {
					return checkAction(c, logger)
				},
			},
			{
				Name:  "graph",
				Usage: "print the dependency graph of a configuration in Graphviz format",
				Flags: []cli.Flag{configFlag},
				Action: func(c *cli.Context) error {
					return graphAction(c, logger)
				},
			},
			{
				Name:  "status",
				Usage: "list the remotely accessible modules of a running kernel",
				Flags: []cli.Flag{addressFlag},
				Action: func(c *cli.Context) error {
					return statusAction(c, logger)
				},
			},
			{
				Name:      "call",
				Usage:     "invoke an operation on a remotely accessible module",
				UsageText: "labkernel call --module NAME --op OPERATION [--args JSON]",
				Flags: []cli.Flag{
					addressFlag,
					&cli.StringFlag{
						Name:     flagModule,
						Aliases:  []string{"m"},
						Usage:    "module `NAME`",
						Required: true,
					},
					&cli.StringFlag{
						Name:     flagOp,
						Usage:    "`OPERATION` to call",
						Required: true,
					},
					&cli.StringFlag{
						Name:  flagArgs,
						Usage: "operation arguments as a `JSON` object",
					},
				},
				Action: func(c *cli.Context) error {
					return callAction(c, logger)
				},
			},
		},
	}
}

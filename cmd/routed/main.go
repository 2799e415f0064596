// Command routed runs the escalation scheduler over a route store and
// validates route definition files.
package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/songzhibin97/route-engine/escalation"
)

func main() {
	cmd := &cli.Command{
		Name:                  "routed",
		EnableShellCompletion: true,
		Usage:                 "Document routing engine daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("ROUTED_LOG_LEVEL"),
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			validateCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Load definitions and run the escalation scheduler",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "store",
				Usage:   "Route store (memory, redis, bolt)",
				Value:   "memory",
				Sources: cli.EnvVars("ROUTED_STORE"),
			},
			&cli.StringFlag{
				Name:    "redis-addr",
				Usage:   "Redis address for the redis store",
				Value:   "localhost:6379",
				Sources: cli.EnvVars("ROUTED_REDIS_ADDR"),
			},
			&cli.StringFlag{
				Name:    "redis-password",
				Usage:   "Redis password",
				Sources: cli.EnvVars("ROUTED_REDIS_PASSWORD"),
			},
			&cli.IntFlag{
				Name:    "redis-db",
				Usage:   "Redis database",
				Sources: cli.EnvVars("ROUTED_REDIS_DB"),
			},
			&cli.StringFlag{
				Name:    "bolt-path",
				Usage:   "Database file for the bolt store",
				Value:   "routed.db",
				Sources: cli.EnvVars("ROUTED_BOLT_PATH"),
			},
			&cli.StringSliceFlag{
				Name:    "definitions",
				Aliases: []string{"d"},
				Usage:   "Definition files or directories of YAML definitions",
				Sources: cli.EnvVars("ROUTED_DEFINITIONS"),
			},
			&cli.DurationFlag{
				Name:    "interval",
				Usage:   "Escalation scan interval",
				Value:   escalation.DefaultInterval,
				Sources: cli.EnvVars("ROUTED_INTERVAL"),
			},
			&cli.IntFlag{
				Name:    "workers",
				Usage:   "Node states evaluated in parallel",
				Value:   escalation.DefaultWorkers,
				Sources: cli.EnvVars("ROUTED_WORKERS"),
			},
			&cli.DurationFlag{
				Name:    "cleanup-interval",
				Usage:   "How often terminated routes are removed, 0 to keep them",
				Value:   0,
				Sources: cli.EnvVars("ROUTED_CLEANUP_INTERVAL"),
			},
		},
		Action: run,
	}
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Check definition files without running anything",
		ArgsUsage: "<file or directory>...",
		Action: func(ctx context.Context, command *cli.Command) error {
			paths := command.Args().Slice()
			if len(paths) == 0 {
				return cli.Exit("at least one definition path is required", 2)
			}
			defs, err := loadDefinitions(paths)
			for _, def := range defs {
				fmt.Printf("ok\t%s\t%d nodes\n", def.ID, len(def.Nodes))
			}
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return nil
		},
	}
}

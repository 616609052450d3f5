package command

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/mailsync-go/internal/cli/config"
	"github.com/yndnr/mailsync-go/internal/cli/connection"
	"github.com/yndnr/mailsync-go/internal/cli/output"
	"github.com/yndnr/mailsync-go/internal/infra/buildinfo"
)

const metaConfig = "cliConfig"

// App creates the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:                 "mailsync-cli",
		Usage:                "mailsync server command-line client",
		Version:              buildinfo.String(),
		Flags:                globalFlags(),
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			FoldersCommand(),
			ViewCommand(),
			ReadCommand(),
			UnreadCommand(),
			DeleteCommand(),
			MoveCommand(),
			SnapshotCommand(),
			InvalidateCommand(),
			StatsCommand(),
			AdminCommand(),
			ConfigCommand(),
			VersionCommand(),
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			if p := c.String("profile"); p != "" {
				if _, ok := cfg.Profiles[p]; !ok {
					return fmt.Errorf("profile %q is not defined", p)
				}
				cfg.CurrentProfile = p
			}
			if c.App.Metadata == nil {
				c.App.Metadata = map[string]any{}
			}
			c.App.Metadata[metaConfig] = cfg
			return nil
		},
	}
}

// globalFlags returns the global CLI flags.
func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "server",
			Aliases: []string{"s"},
			Usage:   "mailsync server address (e.g., localhost:5080 or unix:///run/mailsync.sock)",
			EnvVars: []string{"MAILSYNC_SERVER"},
		},
		&cli.StringFlag{
			Name:    "profile",
			Aliases: []string{"p"},
			Usage:   "connection profile from the config file",
			EnvVars: []string{"MAILSYNC_PROFILE"},
		},
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "CLI config file",
			Value:   config.DefaultConfigPath(),
			EnvVars: []string{"MAILSYNC_CLI_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "ca-file",
			Usage: "extra CA bundle for https servers",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "request timeout",
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "Output format: table, json, yaml",
		},
		&cli.BoolFlag{
			Name:    "wide",
			Aliases: []string{"w"},
			Usage:   "Show wide output (more columns)",
		},
		&cli.BoolFlag{
			Name:  "no-headers",
			Usage: "Omit table headers",
		},
	}
}

// cliConfig returns the loaded config, or defaults when Before did not run.
func cliConfig(c *cli.Context) *config.CLIConfig {
	if cfg, ok := c.App.Metadata[metaConfig].(*config.CLIConfig); ok {
		return cfg
	}
	return config.Default()
}

// profile merges the selected profile with the global flags.
func profile(c *cli.Context) config.Profile {
	p := cliConfig(c).Active()
	if s := c.String("server"); s != "" {
		p.Server = s
	}
	if f := c.String("ca-file"); f != "" {
		p.CAFile = f
	}
	if d := c.Duration("timeout"); d > 0 {
		p.Timeout = d
	}
	return p
}

// newClient creates the HTTP client for the current invocation.
func newClient(c *cli.Context) (*connection.HTTPClient, error) {
	p := profile(c)
	return connection.NewHTTPClient(p.Server, connection.Options{
		CAFile:  p.CAFile,
		Timeout: p.Timeout,
	})
}

// requestContext bounds one command's requests.
func requestContext(c *cli.Context) (context.Context, context.CancelFunc) {
	timeout := profile(c).Timeout
	if timeout <= 0 {
		timeout = connection.DefaultTimeout
	}
	return context.WithTimeout(c.Context, timeout)
}

// outputFormat resolves --output, falling back to the config default.
func outputFormat(c *cli.Context) (output.Format, error) {
	name := c.String("output")
	if name == "" {
		name = cliConfig(c).DefaultOutput
	}
	return output.ParseFormat(name)
}

// render prints data with the selected output format.
func render(c *cli.Context, data any) error {
	format, err := outputFormat(c)
	if err != nil {
		return err
	}
	f := output.NewFormatter(format, c.Bool("wide"))
	if tf, ok := f.(*output.TableFormatter); ok {
		tf.NoHeaders = c.Bool("no-headers")
	}
	return f.Format(writer(c), data)
}

func writer(c *cli.Context) io.Writer {
	if c.App.Writer != nil {
		return c.App.Writer
	}
	return os.Stdout
}

// requireArgs checks the positional argument count.
func requireArgs(c *cli.Context, min int, usage string) error {
	if c.NArg() < min {
		return fmt.Errorf("usage: %s %s", c.Command.HelpName, usage)
	}
	return nil
}

// formatTime renders a timestamp for tables.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

package command

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/mailsync-go/internal/cli/config"
	"github.com/yndnr/mailsync-go/internal/infra/confloader"
	serverconfig "github.com/yndnr/mailsync-go/internal/server/config"
)

// ConfigCommand returns the config subcommand group.
func ConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Configuration management",
		Subcommands: []*cli.Command{
			{
				Name:   "show",
				Usage:  "Show the effective CLI connection settings",
				Action: configShow,
			},
			{
				Name:  "use",
				Usage: "Select the default connection profile",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "server",
						Usage: "Create or update the profile with this server address",
					},
				},
				ArgsUsage: "PROFILE",
				Action:    configUse,
			},
			{
				Name:      "check",
				Usage:     "Validate a server configuration file with the MAILSYNC_* environment applied",
				ArgsUsage: "FILE",
				Action:    configCheck,
			},
		},
	}
}

type effectiveConfig struct {
	ConfigFile string `json:"config_file"`
	Profile    string `json:"profile"`
	Server     string `json:"server"`
	CAFile     string `json:"ca_file"`
	Timeout    string `json:"timeout"`
	Output     string `json:"output"`
}

func configShow(c *cli.Context) error {
	cfg := cliConfig(c)
	p := profile(c)
	format, err := outputFormat(c)
	if err != nil {
		return err
	}

	timeout := "default"
	if p.Timeout > 0 {
		timeout = p.Timeout.String()
	}
	return render(c, effectiveConfig{
		ConfigFile: c.String("config"),
		Profile:    cfg.CurrentProfile,
		Server:     p.Server,
		CAFile:     p.CAFile,
		Timeout:    timeout,
		Output:     string(format),
	})
}

func configUse(c *cli.Context) error {
	if err := requireArgs(c, 1, "PROFILE"); err != nil {
		return err
	}
	name := c.Args().First()
	path := c.String("config")

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	p, ok := cfg.Profiles[name]
	if server := c.String("server"); server != "" {
		p.Server = server
		ok = true
	}
	if !ok {
		return fmt.Errorf("profile %q is not defined; pass --server to create it", name)
	}
	cfg.Profiles[name] = p
	cfg.CurrentProfile = name

	if err := config.Save(cfg, path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	fmt.Fprintf(writer(c), "using profile %q (%s)\n", name, p.Server)
	return nil
}

// configCheck loads a server config the way mailsync-server does and runs
// the server's validation without touching the data directory.
func configCheck(c *cli.Context) error {
	if err := requireArgs(c, 1, "FILE"); err != nil {
		return err
	}

	loader := confloader.NewLoader(confloader.WithConfigFile(c.Args().First()))
	cfg := serverconfig.Default()
	if err := loader.Load(cfg); err != nil {
		return err
	}
	if err := serverconfig.Check(cfg); err != nil {
		return cli.Exit(fmt.Sprintf("configuration is invalid:\n%v", err), 1)
	}

	fmt.Fprintf(c.App.ErrWriter, "configuration %s is valid\n", c.Args().First())
	return render(c, serverconfig.Sanitize(cfg))
}

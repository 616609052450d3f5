package command

import (
	"fmt"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/mailsync-go/internal/cli/output"
	"github.com/yndnr/mailsync-go/internal/core/service"
	"github.com/yndnr/mailsync-go/internal/server/httpserver/handler"
)

// AdminCommand returns the admin subcommand group.
func AdminCommand() *cli.Command {
	return &cli.Command{
		Name:  "admin",
		Usage: "Server administration",
		Subcommands: []*cli.Command{
			{
				Name:  "cleanup",
				Usage: "Prune old snapshots and events",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "days",
						Value: 30,
						Usage: "Keep events newer than this many days (0 keeps all)",
					},
					&cli.IntFlag{
						Name:  "keep",
						Value: 5,
						Usage: "Inactive snapshots kept per folder",
					},
				},
				Action: adminCleanup,
			},
			{
				Name:   "status",
				Usage:  "Show build information and per-folder sync status",
				Action: adminStatus,
			},
		},
	}
}

func adminCleanup(c *cli.Context) error {
	client, err := newClient(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	req := service.CleanupRequest{
		DaysToKeepEvents: c.Int("days"),
		SnapshotsToKeep:  c.Int("keep"),
	}
	var res service.CleanupResult
	if err := client.Post(ctx, "/admin/v1/cleanup", req, &res); err != nil {
		return err
	}
	return render(c, res)
}

type statusResult handler.StatusResponse

func (s statusResult) Table(wide bool) *output.Table {
	t := output.NewTable("FOLDER", "SOURCE", "ITEMS", "LAST_LOAD", "LOADS", "ERROR")
	if wide {
		t.Headers = append(t.Headers, "DEGRADED", "PARTIAL", "SNAPSHOT")
	}
	for _, f := range s.Folders {
		row := []string{
			f.Folder,
			output.Cell(f.Source),
			strconv.Itoa(f.ItemCount),
			formatTime(f.LastLoadAt),
			strconv.FormatUint(f.Loads, 10),
			output.Cell(f.Error),
		}
		if wide {
			row = append(row, strconv.FormatBool(f.Degraded), strconv.FormatBool(f.Partial), output.Cell(f.SnapshotID))
		}
		t.AddRow(row...)
	}
	return t
}

func adminStatus(c *cli.Context) error {
	client, err := newClient(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	var st handler.StatusResponse
	if err := client.Get(ctx, "/admin/v1/status", &st); err != nil {
		return err
	}
	if format, _ := outputFormat(c); format == output.FormatTable {
		w := writer(c)
		fmt.Fprintf(w, "server %s (commit %s, %s), up %s\n\n", st.Build.Version, st.Build.Commit, st.Build.GoVersion, st.Uptime)
	}
	return render(c, statusResult(st))
}

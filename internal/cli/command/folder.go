package command

import (
	"sort"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/mailsync-go/internal/cli/connection"
	"github.com/yndnr/mailsync-go/internal/cli/output"
	"github.com/yndnr/mailsync-go/internal/core/service"
	"github.com/yndnr/mailsync-go/internal/server/httpserver/handler"
)

// FoldersCommand returns the folders command.
func FoldersCommand() *cli.Command {
	return &cli.Command{
		Name:  "folders",
		Usage: "List folders with a local snapshot",
		Action: func(c *cli.Context) error {
			client, err := newClient(c)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(c)
			defer cancel()

			var res handler.FoldersResponse
			if err := client.Get(ctx, "/v1/folders", &res); err != nil {
				return err
			}
			return render(c, foldersResult(res))
		},
	}
}

type foldersResult handler.FoldersResponse

func (f foldersResult) Table(bool) *output.Table {
	t := output.NewTable("FOLDER")
	for _, name := range f.Folders {
		t.AddRow(name)
	}
	return t
}

// SnapshotCommand returns the snapshot command.
func SnapshotCommand() *cli.Command {
	return &cli.Command{
		Name:      "snapshot",
		Usage:     "Materialize a fresh snapshot of a folder",
		ArgsUsage: "FOLDER",
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 1, "FOLDER"); err != nil {
				return err
			}
			client, err := newClient(c)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(c)
			defer cancel()

			var info service.SnapshotInfo
			if err := client.Post(ctx, connection.FolderPath(c.Args().First(), "snapshot"), nil, &info); err != nil {
				return err
			}
			return render(c, info)
		},
	}
}

// InvalidateCommand returns the invalidate command.
func InvalidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "invalidate",
		Usage:     "Mark the active snapshot of a folder stale",
		ArgsUsage: "FOLDER",
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 1, "FOLDER"); err != nil {
				return err
			}
			client, err := newClient(c)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(c)
			defer cancel()

			var res handler.InvalidateResponse
			if err := client.Post(ctx, connection.FolderPath(c.Args().First(), "invalidate"), nil, &res); err != nil {
				return err
			}
			return render(c, res)
		},
	}
}

// StatsCommand returns the stats command.
func StatsCommand() *cli.Command {
	return &cli.Command{
		Name:      "stats",
		Usage:     "Show synchronization statistics of a folder",
		ArgsUsage: "FOLDER",
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 1, "FOLDER"); err != nil {
				return err
			}
			client, err := newClient(c)
			if err != nil {
				return err
			}
			ctx, cancel := requestContext(c)
			defer cancel()

			var st service.Stats
			if err := client.Get(ctx, connection.FolderPath(c.Args().First(), "stats"), &st); err != nil {
				return err
			}
			return render(c, statsResult{&st})
		},
	}
}

type statsResult struct {
	*service.Stats
}

func (s statsResult) Table(bool) *output.Table {
	t := output.NewTable("FIELD", "VALUE")
	t.AddRow("folder", s.Folder)
	t.AddRow("current_sequence", strconv.FormatUint(s.CurrentSequence, 10))
	t.AddRow("snapshots", strconv.Itoa(s.SnapshotCount))
	if s.LastSnapshotAt != nil {
		t.AddRow("last_snapshot_at", formatTime(*s.LastSnapshotAt))
	}
	if s.RemoteUnread >= 0 {
		t.AddRow("remote_unread", strconv.Itoa(s.RemoteUnread))
	} else {
		t.AddRow("remote_unread", "unavailable: "+s.RemoteError)
	}
	if ls := s.LastSync; ls != nil {
		t.AddRow("last_sync", formatTime(ls.LastLoadAt)+" ("+output.Cell(ls.Source)+")")
		if ls.Error != "" {
			t.AddRow("last_sync_error", ls.Error)
		}
	}

	types := make([]string, 0, len(s.EventCountsByType))
	for k := range s.EventCountsByType {
		types = append(types, k)
	}
	sort.Strings(types)
	for _, k := range types {
		t.AddRow("events."+k, strconv.Itoa(s.EventCountsByType[k]))
	}
	return t
}

package command

import (
	"fmt"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/mailsync-go/internal/cli/connection"
	"github.com/yndnr/mailsync-go/internal/cli/output"
	"github.com/yndnr/mailsync-go/internal/core/service"
	"github.com/yndnr/mailsync-go/internal/server/httpserver/handler"
)

// maxSubject is the subject width in narrow tables.
const maxSubject = 48

// ViewCommand returns the view command.
func ViewCommand() *cli.Command {
	return &cli.Command{
		Name:      "view",
		Aliases:   []string{"ls"},
		Usage:     "Show the current items of a folder",
		ArgsUsage: "FOLDER",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "unread",
				Aliases: []string{"u"},
				Usage:   "Only show unread items",
			},
		},
		Action: viewAction,
	}
}

type viewResult struct {
	*service.View
}

func (v viewResult) Table(wide bool) *output.Table {
	t := output.NewTable("ID", "FROM", "SUBJECT", "DATE", "READ")
	if wide {
		t.Headers = append(t.Headers, "FLAGGED", "SIZE", "QUALITY")
	}
	for _, it := range v.Items {
		subject := it.Subject
		if !wide {
			subject = truncate(subject, maxSubject)
		}
		row := []string{
			it.SubjectID,
			output.Cell(it.From),
			output.Cell(subject),
			formatTime(it.Date),
			strconv.FormatBool(it.Flags.Read),
		}
		if wide {
			row = append(row,
				strconv.FormatBool(it.Flags.Flagged),
				strconv.FormatInt(it.SizeBytes, 10),
				strconv.Itoa(int(it.Quality)),
			)
		}
		t.AddRow(row...)
	}
	return t
}

func viewAction(c *cli.Context) error {
	if err := requireArgs(c, 1, "FOLDER"); err != nil {
		return err
	}
	client, err := newClient(c)
	if err != nil {
		return err
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	var view service.View
	if err := client.Get(ctx, connection.FolderPath(c.Args().First(), "items"), &view); err != nil {
		return err
	}

	if c.Bool("unread") {
		kept := view.Items[:0]
		for _, it := range view.Items {
			if it.Flags.Unread() {
				kept = append(kept, it)
			}
		}
		view.Items = kept
	}
	if view.Degraded || view.Partial {
		fmt.Fprintf(c.App.ErrWriter, "warning: view of %s is degraded=%v partial=%v\n", view.Folder, view.Degraded, view.Partial)
	}
	return render(c, viewResult{&view})
}

// ReadCommand returns the read command.
func ReadCommand() *cli.Command {
	return &cli.Command{
		Name:      "read",
		Usage:     "Mark items as read",
		ArgsUsage: "FOLDER ID...",
		Action:    mutationAction("read"),
	}
}

// UnreadCommand returns the unread command.
func UnreadCommand() *cli.Command {
	return &cli.Command{
		Name:      "unread",
		Usage:     "Mark items as unread",
		ArgsUsage: "FOLDER ID...",
		Action:    mutationAction("unread"),
	}
}

// DeleteCommand returns the delete command.
func DeleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Aliases:   []string{"rm"},
		Usage:     "Delete items",
		ArgsUsage: "FOLDER ID...",
		Action:    mutationAction("delete"),
	}
}

// MoveCommand returns the move command.
func MoveCommand() *cli.Command {
	return &cli.Command{
		Name:      "move",
		Aliases:   []string{"mv"},
		Usage:     "Move items to another folder",
		ArgsUsage: "FOLDER ID...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "to",
				Aliases:  []string{"t"},
				Usage:    "Target folder",
				Required: true,
			},
		},
		Action: mutationAction("move"),
	}
}

type mutationRow struct {
	ID            string `json:"id"`
	Sequence      uint64 `json:"sequence"`
	RemoteApplied bool   `json:"remote_applied"`
	Error         string `json:"error,omitempty"`
}

type mutationRows []mutationRow

func (r mutationRows) Table(bool) *output.Table {
	t := output.NewTable("ID", "SEQUENCE", "REMOTE_APPLIED", "ERROR")
	for _, row := range r {
		seq := "-"
		if row.Sequence > 0 {
			seq = strconv.FormatUint(row.Sequence, 10)
		}
		t.AddRow(row.ID, seq, strconv.FormatBool(row.RemoteApplied), output.Cell(row.Error))
	}
	return t
}

// mutationAction applies op to every ID argument. It keeps going after a
// failed ID and reports the failures at the end.
func mutationAction(op string) cli.ActionFunc {
	return func(c *cli.Context) error {
		if err := requireArgs(c, 2, "FOLDER ID..."); err != nil {
			return err
		}
		client, err := newClient(c)
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(c)
		defer cancel()

		folder := c.Args().First()
		var body any
		if op == "move" {
			body = handler.MoveRequest{Target: c.String("to")}
		}

		var rows mutationRows
		failed := 0
		for _, id := range c.Args().Tail() {
			var res service.MutationResult
			err := client.Post(ctx, connection.FolderPath(folder, "items", id, op), body, &res)
			row := mutationRow{ID: id, Sequence: res.Sequence, RemoteApplied: res.RemoteApplied}
			if err != nil {
				row.Error = err.Error()
				failed++
			}
			rows = append(rows, row)
		}

		if err := render(c, rows); err != nil {
			return err
		}
		if failed > 0 {
			return cli.Exit(fmt.Sprintf("%s failed for %d of %d items", op, failed, len(rows)), 1)
		}
		return nil
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

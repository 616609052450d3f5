package output

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
)

// Tabular is implemented by results with a dedicated table layout.
type Tabular interface {
	Table(wide bool) *Table
}

// TableFormatter formats data as an aligned text table.
type TableFormatter struct {
	Wide      bool
	NoHeaders bool
}

// Format renders data. Tables and Tabular values render as-is; other
// values render as FIELD/VALUE rows.
func (f *TableFormatter) Format(w io.Writer, data any) error {
	switch v := data.(type) {
	case nil:
		return nil
	case *Table:
		return v.Render(w, f.NoHeaders)
	case Tabular:
		return v.Table(f.Wide).Render(w, f.NoHeaders)
	}

	t, err := fieldTable(data)
	if err != nil {
		return err
	}
	return t.Render(w, f.NoHeaders)
}

// fieldTable lists the top-level fields of data's JSON form.
func fieldTable(data any) (*Table, error) {
	v, err := generic(data)
	if err != nil {
		return nil, err
	}

	t := &Table{Headers: []string{"FIELD", "VALUE"}}
	switch v := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			t.AddRow(k, Cell(v[k]))
		}
	case []any:
		t.Headers = []string{"VALUE"}
		for _, e := range v {
			t.AddRow(Cell(e))
		}
	default:
		t.Headers = []string{"VALUE"}
		t.AddRow(Cell(v))
	}
	return t, nil
}

// Cell renders a scalar for a table cell. Empty values show as "-" and
// collections as their size.
func Cell(v any) string {
	switch v := v.(type) {
	case nil:
		return "-"
	case string:
		if v == "" {
			return "-"
		}
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%.2f", v)
	case []any:
		if len(v) == 0 {
			return "-"
		}
		return fmt.Sprintf("[%d items]", len(v))
	case map[string]any:
		if len(v) == 0 {
			return "-"
		}
		return fmt.Sprintf("{%d keys}", len(v))
	default:
		return fmt.Sprint(v)
	}
}

// Table represents tabular data.
type Table struct {
	Headers []string
	Rows    [][]string
}

// NewTable creates a table with the given headers.
func NewTable(headers ...string) *Table {
	return &Table{Headers: headers}
}

// AddRow adds a row to the table.
func (t *Table) AddRow(cells ...string) {
	t.Rows = append(t.Rows, cells)
}

// Render writes the table with columns separated by two spaces.
func (t *Table) Render(w io.Writer, noHeaders bool) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	if !noHeaders && len(t.Headers) > 0 {
		fmt.Fprintln(tw, strings.Join(t.Headers, "\t"))
	}
	for _, row := range t.Rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

// Package export writes entity rows as CSV, either streamed to a client
// or packed with a signed manifest into a tar.zst archive.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"

	"gorm.io/gorm"

	"trionyx/pkg/registry"
	"trionyx/pkg/renderer"
)

// flushEvery is the number of rows written between flushes.
const flushEvery = 100

// CSVOptions tune WriteCSV.
type CSVOptions struct {
	// Fields are the exported list columns; see Fields.
	Fields []string
	// Render is applied to every cell; HTML is always disabled.
	Render renderer.Options
	// Flush runs after every batch of rows reached the writer.
	Flush func()
}

// Fields keeps the names that are list columns of cfg. Without names it
// returns every list column backed by a table column.
func Fields(cfg *registry.Config, names []string) []string {
	list := cfg.GetListFields()
	var out []string
	if len(names) == 0 {
		for _, name := range list.Keys() {
			if f, ok := cfg.Field(name); ok && f.Column() {
				out = append(out, name)
			}
		}
		return out
	}
	for _, name := range names {
		if _, ok := list.Get(name); ok {
			out = append(out, name)
		}
	}
	return out
}

// WriteCSV streams the rows of q, a query over cfg, as CSV with a header
// of column labels. Rows are scanned one at a time.
func WriteCSV(ctx context.Context, w io.Writer, cfg *registry.Config, q *gorm.DB, opts CSVOptions) (int, error) {
	fields := Fields(cfg, opts.Fields)
	render := opts.Render
	render.NoHTML = true

	cw := csv.NewWriter(w)
	header := make([]string, len(fields))
	for i, name := range fields {
		lf, _ := cfg.GetListFields().Get(name)
		header[i] = lf.Label
	}
	if err := cw.Write(header); err != nil {
		return 0, err
	}

	rows, err := q.WithContext(ctx).Rows()
	if err != nil {
		return 0, fmt.Errorf("export %s: %w", cfg.Alias(), err)
	}
	defer rows.Close()

	n := 0
	record := make([]string, len(fields))
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		obj := cfg.New()
		if err := q.ScanRows(rows, obj); err != nil {
			return n, fmt.Errorf("export %s: scan: %w", cfg.Alias(), err)
		}
		for i, name := range fields {
			record[i] = cfg.RenderField(obj, name, render)
		}
		if err := cw.Write(record); err != nil {
			return n, err
		}
		n++
		if n%flushEvery == 0 {
			cw.Flush()
			if err := cw.Error(); err != nil {
				return n, err
			}
			if opts.Flush != nil {
				opts.Flush()
			}
		}
	}
	if err := rows.Err(); err != nil {
		return n, err
	}
	cw.Flush()
	if opts.Flush != nil {
		opts.Flush()
	}
	return n, cw.Error()
}

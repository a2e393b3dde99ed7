package network

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// TableDirectory reads the networks table maintained by the registry.
type TableDirectory struct {
	db *sqlx.DB
}

func NewTableDirectory(db *sqlx.DB) *TableDirectory {
	return &TableDirectory{db: db}
}

type row struct {
	Slug             string         `db:"slug"`
	Title            sql.NullString `db:"title"`
	InvocationTarget string         `db:"invocation_target"`
	HandlerKind      string         `db:"handler_kind"`
	Priority         int            `db:"priority"`
	Enabled          int            `db:"enabled"`
	Meta             sql.NullString `db:"meta"`
}

func (r row) descriptor() Descriptor {
	d := Descriptor{
		Slug:             r.Slug,
		Title:            r.Title.String,
		InvocationTarget: r.InvocationTarget,
		HandlerKind:      r.HandlerKind,
		Priority:         r.Priority,
		Enabled:          r.Enabled != 0,
	}
	if d.HandlerKind == "" {
		d.HandlerKind = KindNode
	}
	if r.Meta.Valid && r.Meta.String != "" {
		// malformed tags just mean no tags
		_ = json.Unmarshal([]byte(r.Meta.String), &d.Meta)
	}
	return d
}

const columns = `slug, title, invocation_target, handler_kind, priority, enabled, meta`

func (t *TableDirectory) Enabled(ctx context.Context) ([]Descriptor, error) {
	var rows []row
	if err := t.db.SelectContext(ctx, &rows, `SELECT `+columns+` FROM networks WHERE enabled <> 0 ORDER BY slug ASC;`); err != nil {
		return nil, fmt.Errorf("list networks: %w", err)
	}
	out := make([]Descriptor, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.descriptor())
	}
	return out, nil
}

func (t *TableDirectory) Get(ctx context.Context, slug string) (*Descriptor, error) {
	var r row
	err := t.db.GetContext(ctx, &r, t.db.Rebind(`SELECT `+columns+` FROM networks WHERE slug = ?;`), slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get network %s: %w", slug, err)
	}
	d := r.descriptor()
	return &d, nil
}

// Upsert writes a descriptor. The registry owns this table; Upsert exists
// for seeding and tests.
func (t *TableDirectory) Upsert(ctx context.Context, d Descriptor) error {
	meta, err := json.Marshal(d.Meta)
	if err != nil {
		return fmt.Errorf("encode network meta: %w", err)
	}
	enabled := 0
	if d.Enabled {
		enabled = 1
	}
	kind := d.HandlerKind
	if kind == "" {
		kind = KindNode
	}
	_, err = t.db.ExecContext(ctx, t.db.Rebind(`
INSERT INTO networks(slug, title, invocation_target, handler_kind, priority, enabled, meta)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(slug) DO UPDATE SET
  title = excluded.title,
  invocation_target = excluded.invocation_target,
  handler_kind = excluded.handler_kind,
  priority = excluded.priority,
  enabled = excluded.enabled,
  meta = excluded.meta;
`), d.Slug, d.Title, d.InvocationTarget, kind, d.Priority, enabled, string(meta))
	if err != nil {
		return fmt.Errorf("upsert network %s: %w", d.Slug, err)
	}
	return nil
}

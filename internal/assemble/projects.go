package assemble

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/mattjoyce/backpost/internal/page"
)

// ProjectSource supplies tenant data for language resolution.
type ProjectSource interface {
	// Project returns nil without error when the project row is missing.
	Project(ctx context.Context, id int64) (*Project, error)
	// LinkLanguage returns the language recorded for the project link that
	// matches targetURL, or "".
	LinkLanguage(ctx context.Context, projectID int64, targetURL string) (string, error)
}

// MetaSource fetches head metadata of the target page.
type MetaSource interface {
	PageMeta(ctx context.Context, url string) (page.Meta, error)
}

// SQLProjects reads the projects and project_links tables.
type SQLProjects struct {
	db *sqlx.DB
}

func NewSQLProjects(db *sqlx.DB) *SQLProjects {
	return &SQLProjects{db: db}
}

func (s *SQLProjects) Project(ctx context.Context, id int64) (*Project, error) {
	var r struct {
		ID       int64          `db:"id"`
		Name     string         `db:"name"`
		Language sql.NullString `db:"language"`
	}
	err := s.db.GetContext(ctx, &r, s.db.Rebind(`SELECT id, name, language FROM projects WHERE id = ?;`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project %d: %w", id, err)
	}
	return &Project{ID: r.ID, Name: r.Name, Language: r.Language.String}, nil
}

func (s *SQLProjects) LinkLanguage(ctx context.Context, projectID int64, targetURL string) (string, error) {
	var rows []struct {
		URL      string         `db:"url"`
		Language sql.NullString `db:"language"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
SELECT url, language FROM project_links WHERE project_id = ? ORDER BY id ASC;
`), projectID); err != nil {
		return "", fmt.Errorf("list project links: %w", err)
	}
	want := trimURL(targetURL)
	for _, r := range rows {
		if r.Language.Valid && trimURL(r.URL) == want {
			return r.Language.String, nil
		}
	}
	return "", nil
}

func trimURL(u string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(u)), "/")
}

// FetchedMeta adapts a page.Fetcher to MetaSource.
type FetchedMeta struct {
	Fetcher *page.Fetcher
}

func (f FetchedMeta) PageMeta(ctx context.Context, url string) (page.Meta, error) {
	doc, err := f.Fetcher.Fetch(ctx, url)
	if err != nil {
		return page.Meta{}, err
	}
	return page.ParseMeta(doc.Body), nil
}

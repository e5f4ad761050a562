// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
// Copyright (c) 2026.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

// Package migrator applies the SQL files of a filesystem in lexical
// order, once each, under a database-wide advisory lock so several
// gatekeeper instances can start concurrently.
package migrator

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"

	"go.gearno.de/gatekeeper/log"
	"go.gearno.de/gatekeeper/pg"
)

type (
	Migrator struct {
		pg     *pg.Client
		fsys   fs.FS
		logger *log.Logger
	}

	Option func(m *Migrator)

	Migration struct {
		Version string
		SQL     string
	}

	Migrations []*Migration
)

const (
	MigrationAdvisoryLock pg.AdvisoryLock = 0
)

func WithLogger(l *log.Logger) Option {
	return func(m *Migrator) {
		m.logger = l.Named("migrator")
	}
}

func NewMigrator(client *pg.Client, fsys fs.FS, options ...Option) *Migrator {
	m := &Migrator{
		pg:     client,
		fsys:   fsys,
		logger: log.NewLogger(log.WithOutput(io.Discard)),
	}

	for _, o := range options {
		o(m)
	}

	return m
}

func (m *Migrator) Run(ctx context.Context) error {
	migrations, err := Load(m.fsys)
	if err != nil {
		return fmt.Errorf("cannot load migrations: %w", err)
	}

	if len(migrations) == 0 {
		return nil
	}

	return m.pg.WithAdvisoryLock(
		ctx,
		MigrationAdvisoryLock,
		func(conn pg.Conn) error {
			if err := createIfNotExistVersionsTable(ctx, conn); err != nil {
				return fmt.Errorf("cannot create schema version table: %w", err)
			}

			appliedVersions, err := loadSchemaVersions(ctx, conn)
			if err != nil {
				return fmt.Errorf("cannot load schema versions: %w", err)
			}

			for _, migration := range migrations.Pending(appliedVersions) {
				m.logger.InfoCtx(ctx, "applying migration", log.String("version", migration.Version))

				if err := migration.Apply(ctx, conn); err != nil {
					return fmt.Errorf("cannot apply migration %q: %w", migration.Version, err)
				}
			}

			return nil
		},
	)
}

// Load reads every .sql file at the root of fsys. The version of a
// migration is its file name without extension.
func Load(fsys fs.FS) (Migrations, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("cannot read directory: %w", err)
	}

	var ms Migrations
	for _, entry := range entries {
		if !entry.Type().IsRegular() || path.Ext(entry.Name()) != ".sql" {
			continue
		}

		code, err := fs.ReadFile(fsys, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("cannot read migration %q: %w", entry.Name(), err)
		}

		ms = append(
			ms,
			&Migration{
				Version: strings.TrimSuffix(entry.Name(), ".sql"),
				SQL:     string(code),
			},
		)
	}

	ms.Sort()

	return ms, nil
}

func (ms Migrations) Sort() {
	sort.Slice(ms, func(i, j int) bool { return ms[i].Version < ms[j].Version })
}

// Pending returns the migrations whose version is not in applied,
// keeping their order.
func (ms Migrations) Pending(applied map[string]struct{}) Migrations {
	var pending Migrations
	for _, m := range ms {
		if _, found := applied[m.Version]; !found {
			pending = append(pending, m)
		}
	}

	return pending
}

func (m *Migration) Apply(ctx context.Context, conn pg.Conn) error {
	if _, err := conn.Exec(ctx, m.SQL); err != nil {
		return fmt.Errorf("cannot execute migration: %w", err)
	}

	q := "INSERT INTO schema_versions (version) VALUES ($1)"
	if _, err := conn.Exec(ctx, q, m.Version); err != nil {
		return fmt.Errorf("cannot insert schema version: %w", err)
	}

	return nil
}

func createIfNotExistVersionsTable(ctx context.Context, conn pg.Conn) error {
	q := `
CREATE TABLE IF NOT EXISTS schema_versions (
  version VARCHAR PRIMARY KEY,
  executed_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP AT TIME ZONE 'UTC')
)
`

	_, err := conn.Exec(ctx, q)
	return err
}

func loadSchemaVersions(ctx context.Context, conn pg.Conn) (map[string]struct{}, error) {
	r, err := conn.Query(ctx, "SELECT version FROM schema_versions")
	if err != nil {
		return nil, fmt.Errorf("cannot exec query: %w", err)
	}
	defer r.Close()

	versions := make(map[string]struct{})
	for r.Next() {
		var v string
		if err := r.Scan(&v); err != nil {
			return nil, fmt.Errorf("cannot scan row: %w", err)
		}

		versions[v] = struct{}{}
	}

	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("cannot read query: %w", err)
	}

	return versions, nil
}

package sqlstore

import (
	"context"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"library-circulation/docstore"
)

// Postgres SQLSTATEs that mean another transaction got there first.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

// Commit implements docstore.Backend.
func (b *Backend) Commit(ctx context.Context, preconditions []docstore.Precondition, writes []docstore.Write) error {
	tx, err := b.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(translate(err), "begin commit")
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, p := range preconditions {
		row, found, err := b.loadRow(ctx, tx, p.Ref, true)
		if err != nil {
			return err
		}

		var current int64
		if found {
			current = row.Version
		}
		if current != p.Version {
			return errors.Wrapf(docstore.ErrConflict, "%s: read version %d, now %d", p.Ref.Path(), p.Version, current)
		}
	}

	now := b.now().UTC()
	for _, w := range writes {
		if err := b.apply(ctx, tx, w, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(translate(err), "commit")
	}

	return nil
}

func (b *Backend) apply(ctx context.Context, tx *sqlx.Tx, w docstore.Write, now time.Time) error {
	row, found, err := b.loadRow(ctx, tx, w.Ref, true)
	if err != nil {
		return err
	}

	switch w.Kind {
	case docstore.WriteCreate:
		if found {
			return errors.Wrap(docstore.ErrAlreadyExists, w.Ref.Path())
		}
		return b.insert(ctx, tx, w.Ref, w.Data, now)

	case docstore.WriteSet:
		if !found {
			return b.insert(ctx, tx, w.Ref, w.Data, now)
		}
		return b.replace(ctx, tx, row, w.Data, now)

	case docstore.WriteUpdate:
		if !found {
			return errors.Wrap(docstore.ErrNotFound, w.Ref.Path())
		}
		data, err := docstore.ApplyUpdates([]byte(row.Data), w.Updates, now)
		if err != nil {
			return errors.Wrapf(err, "update %s", w.Ref.Path())
		}
		return b.replace(ctx, tx, row, data, now)

	case docstore.WriteDelete:
		if !found {
			return nil
		}
		return b.exec(ctx, tx, b.dialect.Delete(b.table).
			Where(goqu.Ex{colCollection: row.Collection, colID: row.ID}).
			Prepared(true))

	default:
		return errors.Errorf("unknown write kind %d", w.Kind)
	}
}

func (b *Backend) insert(ctx context.Context, tx *sqlx.Tx, ref docstore.Ref, data []byte, now time.Time) error {
	return b.exec(ctx, tx, b.dialect.Insert(b.table).
		Rows(goqu.Record{
			colCollection: ref.Collection,
			colID:         ref.ID,
			colData:       string(data),
			colVersion:    1,
			colCreateTime: now.UnixNano(),
			colUpdateTime: now.UnixNano(),
		}).
		Prepared(true))
}

// replace bumps the version; the version guard in the WHERE clause catches a
// writer that slipped in between the select and the update.
func (b *Backend) replace(ctx context.Context, tx *sqlx.Tx, row docRow, data []byte, now time.Time) error {
	query, args, err := b.dialect.Update(b.table).
		Set(goqu.Record{
			colData:       string(data),
			colVersion:    row.Version + 1,
			colUpdateTime: now.UnixNano(),
		}).
		Where(goqu.Ex{colCollection: row.Collection, colID: row.ID, colVersion: row.Version}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return errors.Wrap(err, "build update")
	}
	b.logSQL(query)

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrapf(translate(err), "update %s/%s", row.Collection, row.ID)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if affected != 1 {
		return errors.Wrapf(docstore.ErrConflict, "%s/%s changed during commit", row.Collection, row.ID)
	}

	return nil
}

type sqlBuilder interface {
	ToSQL() (string, []any, error)
}

func (b *Backend) exec(ctx context.Context, tx *sqlx.Tx, ds sqlBuilder) error {
	query, args, err := ds.ToSQL()
	if err != nil {
		return errors.Wrap(err, "build statement")
	}
	b.logSQL(query)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrap(translate(err), "exec")
	}

	return nil
}

// translate maps driver errors that signal a lost race to docstore.ErrConflict.
func translate(err error) error {
	if err == nil {
		return nil
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return errors.Wrap(docstore.ErrConflict, sqliteErr.Error())
		case sqlite3.ErrConstraint:
			if sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
				return errors.Wrap(docstore.ErrConflict, sqliteErr.Error())
			}
		}
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgSerializationFailure, pgDeadlockDetected, pgUniqueViolation:
			return errors.Wrap(docstore.ErrConflict, pgErr.Error())
		}
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pgSerializationFailure, pgDeadlockDetected, pgUniqueViolation:
			return errors.Wrap(docstore.ErrConflict, pqErr.Error())
		}
	}

	return err
}

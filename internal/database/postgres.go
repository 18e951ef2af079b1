package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/teris-io/shortid"
)

// PgStore keeps documents as JSONB rows. Commits lock every touched row and
// apply the batch in one transaction; watches are driven by LISTEN/NOTIFY.
type PgStore struct {
	conn     *sql.DB
	listener *pgListener
	log      zerolog.Logger
}

func NewPgStore(dsn string, log zerolog.Logger) (*PgStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	log = log.With().Str("component", "pg_store").Logger()
	l, err := newPgListener(dsn, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &PgStore{conn: db, listener: l, log: log}, nil
}

func (s *PgStore) Get(ctx context.Context, path string) (Snapshot, error) {
	if _, err := collectionOf(path); err != nil {
		return Snapshot{}, err
	}

	var (
		raw     []byte
		present bool
		version int64
	)
	err := s.conn.QueryRowContext(ctx, getDocumentQuery, path).Scan(&raw, &present, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{Path: path}, nil
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("get %s: %w", path, err)
	}
	if !present {
		return Snapshot{Path: path, Version: version}, nil
	}

	data, err := decodeFields(raw)
	if err != nil {
		return Snapshot{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return Snapshot{Path: path, Exists: true, Data: data, Version: version}, nil
}

func (s *PgStore) Add(ctx context.Context, collection string, fields Fields) (string, error) {
	id, err := shortid.Generate()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}

	if _, err := s.Commit(ctx, NewBatch().Create(Doc(collection, id), fields)); err != nil {
		return "", err
	}
	return id, nil
}

func (s *PgStore) Commit(ctx context.Context, b *Batch) (int64, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// Locks are taken in path order so concurrent batches cannot deadlock.
	paths := b.Paths()
	sort.Strings(paths)

	current := make(map[string]docState, len(paths))
	for _, path := range paths {
		collection, err := collectionOf(path)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx, reserveDocumentQuery, path, collection); err != nil {
			return 0, fmt.Errorf("reserve %s: %w", path, err)
		}

		var (
			raw     []byte
			present bool
		)
		if err := tx.QueryRowContext(ctx, lockDocumentQuery, path).Scan(&raw, &present); err != nil {
			return 0, fmt.Errorf("lock %s: %w", path, err)
		}
		st := docState{exists: present}
		if present {
			if st.data, err = decodeFields(raw); err != nil {
				return 0, fmt.Errorf("decode %s: %w", path, err)
			}
		}
		current[path] = st
	}

	results, err := applyOps(b.ops, func(path string) (docState, error) {
		return current[path], nil
	}, commitTime(), true)
	if err != nil {
		return 0, err
	}

	var version int64
	if err := tx.QueryRowContext(ctx, nextVersionQuery).Scan(&version); err != nil {
		return 0, fmt.Errorf("next version: %w", err)
	}

	for _, path := range paths {
		st := results[path]
		data := st.data
		if data == nil {
			data = Fields{}
		}
		raw, err := json.Marshal(data)
		if err != nil {
			return 0, fmt.Errorf("encode %s: %w", path, err)
		}
		if _, err := tx.ExecContext(ctx, writeDocumentQuery, path, string(raw), st.exists, version); err != nil {
			return 0, fmt.Errorf("write %s: %w", path, err)
		}
		if _, err := tx.ExecContext(ctx, notifyQuery, notifyChannel, path); err != nil {
			return 0, fmt.Errorf("notify %s: %w", path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	return version, nil
}

func (s *PgStore) Watch(ctx context.Context, path string, fn func(Snapshot)) error {
	if _, err := collectionOf(path); err != nil {
		return err
	}

	w := s.listener.register(path)
	defer s.listener.deregister(path, w)

	var last Snapshot
	deliver := func() error {
		snap, err := s.Get(ctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %w", ErrWatchInterrupted, err)
		}
		if snap.Version == last.Version && snap.Exists == last.Exists && last.Path != "" {
			return nil
		}
		last = snap
		fn(snap)
		return nil
	}

	if err := deliver(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-w.interrupt:
			return err
		case <-w.notify:
			if err := deliver(); err != nil {
				return err
			}
		}
	}
}

func (s *PgStore) Query(ctx context.Context, collection, field, value string) ([]Snapshot, error) {
	rows, err := s.conn.QueryContext(ctx, queryArrayContains, collection, field, value)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			path    string
			raw     []byte
			version int64
		)
		if err := rows.Scan(&path, &raw, &version); err != nil {
			return nil, err
		}
		data, err := decodeFields(raw)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		out = append(out, Snapshot{Path: path, Exists: true, Data: data, Version: version})
	}

	return out, rows.Err()
}

func (s *PgStore) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

func (s *PgStore) Close() error {
	var errs []error
	if s.listener != nil {
		errs = append(errs, s.listener.close())
	}
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
	}
	return errors.Join(errs...)
}

func decodeFields(raw []byte) (Fields, error) {
	var f Fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, err
	}
	if f == nil {
		f = Fields{}
	}
	return f, nil
}

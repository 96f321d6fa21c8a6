package packstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"papyrus/api/internal/apperr"
	"papyrus/api/internal/sharedoc"
)

// PostgresStore keeps packs in doc_history and per-doc indexes in
// doc_history_index, with the update payloads as JSONB.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS doc_history (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	doc_id TEXT NOT NULL,
	pack JSONB NOT NULL,
	n INTEGER NOT NULL,
	sz BIGINT NOT NULL,
	start_ts BIGINT NOT NULL,
	end_ts BIGINT NOT NULL,
	v BIGINT NOT NULL,
	v_end BIGINT NOT NULL,
	temporary BOOLEAN NOT NULL DEFAULT FALSE,
	expires_at TIMESTAMPTZ,
	last_checked TIMESTAMPTZ,
	finalised BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS doc_history_doc_v ON doc_history (doc_id, v);
CREATE INDEX IF NOT EXISTS doc_history_project_end_ts ON doc_history (project_id, end_ts DESC);
CREATE INDEX IF NOT EXISTS doc_history_last_checked ON doc_history (last_checked NULLS FIRST) WHERE temporary = FALSE;

CREATE TABLE IF NOT EXISTS doc_history_index (
	doc_id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	packs JSONB NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS doc_history_index_project ON doc_history_index (project_id);
`

// EnsureSchema creates the history tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure history schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertPack(ctx context.Context, pack *Pack) error {
	body, err := json.Marshal(pack.Updates)
	if err != nil {
		return fmt.Errorf("marshal pack %s: %w", pack.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO doc_history (id, project_id, doc_id, pack, n, sz, start_ts, end_ts, v, v_end, temporary, expires_at, last_checked, finalised)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, pack.ID, pack.ProjectID, pack.DocID, body, pack.N, pack.Sz,
		pack.Meta.StartTS, pack.Meta.EndTS, pack.V, pack.VEnd,
		pack.Temporary, pack.ExpiresAt, pack.LastChecked, pack.Finalised)
	if err != nil {
		return fmt.Errorf("insert pack %s: %w", pack.ID, err)
	}
	return nil
}

func (s *PostgresStore) AppendToPack(ctx context.Context, packID string, updates []sharedoc.Update, n, sz int, endTS, vEnd int64, extendExpiry *time.Time) error {
	body, err := json.Marshal(updates)
	if err != nil {
		return fmt.Errorf("marshal pack append %s: %w", packID, err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE doc_history
		SET pack = pack || $2::jsonb,
			n = n + $3,
			sz = sz + $4,
			end_ts = $5,
			v_end = $6,
			expires_at = COALESCE($7, expires_at)
		WHERE id = $1
	`, packID, body, n, sz, endTS, vEnd, extendExpiry)
	if err != nil {
		return fmt.Errorf("append to pack %s: %w", packID, err)
	}
	if count, _ := res.RowsAffected(); count == 0 {
		return apperr.New(apperr.NotFound, "pack "+packID)
	}
	return nil
}

const packColumns = `id, project_id, doc_id, n, sz, start_ts, end_ts, v, v_end, temporary, expires_at, last_checked, finalised`

func scanPackHead(row interface{ Scan(...any) error }, p *Pack) error {
	return row.Scan(&p.ID, &p.ProjectID, &p.DocID, &p.N, &p.Sz,
		&p.Meta.StartTS, &p.Meta.EndTS, &p.V, &p.VEnd,
		&p.Temporary, &p.ExpiresAt, &p.LastChecked, &p.Finalised)
}

func (s *PostgresStore) GetPack(ctx context.Context, packID string) (*Pack, error) {
	var (
		p    Pack
		body []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT `+packColumns+`, pack FROM doc_history
		WHERE id = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, packID).Scan(&p.ID, &p.ProjectID, &p.DocID, &p.N, &p.Sz,
		&p.Meta.StartTS, &p.Meta.EndTS, &p.V, &p.VEnd,
		&p.Temporary, &p.ExpiresAt, &p.LastChecked, &p.Finalised, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(apperr.NotFound, "pack "+packID)
	}
	if err != nil {
		return nil, fmt.Errorf("get pack %s: %w", packID, err)
	}
	if err := json.Unmarshal(body, &p.Updates); err != nil {
		return nil, fmt.Errorf("decode pack %s: %w", packID, err)
	}
	return &p, nil
}

func (s *PostgresStore) GetLastDocPack(ctx context.Context, docID string) (*Pack, error) {
	var (
		p    Pack
		body []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT `+packColumns+`, pack FROM doc_history
		WHERE doc_id = $1 AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY v DESC LIMIT 1
	`, docID).Scan(&p.ID, &p.ProjectID, &p.DocID, &p.N, &p.Sz,
		&p.Meta.StartTS, &p.Meta.EndTS, &p.V, &p.VEnd,
		&p.Temporary, &p.ExpiresAt, &p.LastChecked, &p.Finalised, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last pack for doc %s: %w", docID, err)
	}
	if err := json.Unmarshal(body, &p.Updates); err != nil {
		return nil, fmt.Errorf("decode pack %s: %w", p.ID, err)
	}
	return &p, nil
}

func (s *PostgresStore) queryPackHeads(ctx context.Context, query string, args ...any) ([]Pack, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pack heads: %w", err)
	}
	defer rows.Close()
	var heads []Pack
	for rows.Next() {
		var p Pack
		if err := scanPackHead(rows, &p); err != nil {
			return nil, fmt.Errorf("scan pack head: %w", err)
		}
		heads = append(heads, p)
	}
	return heads, rows.Err()
}

func (s *PostgresStore) FindDocPackHeads(ctx context.Context, docID string, includeExpiring bool) ([]Pack, error) {
	query := `
		SELECT ` + packColumns + ` FROM doc_history
		WHERE doc_id = $1 AND (expires_at IS NULL OR expires_at > NOW())`
	if !includeExpiring {
		query = `
		SELECT ` + packColumns + ` FROM doc_history
		WHERE doc_id = $1 AND expires_at IS NULL`
	}
	return s.queryPackHeads(ctx, query+` ORDER BY v ASC`, docID)
}

func (s *PostgresStore) FindProjectPackHeads(ctx context.Context, projectID string) ([]Pack, error) {
	return s.queryPackHeads(ctx, `
		SELECT `+packColumns+` FROM doc_history
		WHERE project_id = $1 AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY end_ts DESC
	`, projectID)
}

func (s *PostgresStore) setPackField(ctx context.Context, packID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update pack %s: %w", packID, err)
	}
	if count, _ := res.RowsAffected(); count == 0 {
		return apperr.New(apperr.NotFound, "pack "+packID)
	}
	return nil
}

func (s *PostgresStore) SetFinalised(ctx context.Context, packID string) error {
	return s.setPackField(ctx, packID, `UPDATE doc_history SET finalised = TRUE WHERE id = $1`, packID)
}

func (s *PostgresStore) SetLastChecked(ctx context.Context, packID string, t time.Time) error {
	return s.setPackField(ctx, packID, `UPDATE doc_history SET last_checked = $2 WHERE id = $1`, packID, t)
}

func (s *PostgresStore) SetExpiry(ctx context.Context, packID string, t time.Time) error {
	return s.setPackField(ctx, packID, `UPDATE doc_history SET expires_at = $2 WHERE id = $1`, packID, t)
}

func (s *PostgresStore) FindSweepablePacks(ctx context.Context, checkedBefore time.Time, limit int) ([]Pack, error) {
	return s.queryPackHeads(ctx, `
		SELECT `+packColumns+` FROM doc_history
		WHERE temporary = FALSE AND expires_at IS NULL
			AND (last_checked IS NULL OR last_checked < $1)
		ORDER BY last_checked ASC NULLS FIRST
		LIMIT $2
	`, checkedBefore, limit)
}

func (s *PostgresStore) GetDocIndex(ctx context.Context, docID string) (*DocIndex, error) {
	var (
		idx  DocIndex
		body []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT doc_id, project_id, packs FROM doc_history_index WHERE doc_id = $1
	`, docID).Scan(&idx.DocID, &idx.ProjectID, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get index for doc %s: %w", docID, err)
	}
	if err := json.Unmarshal(body, &idx.Packs); err != nil {
		return nil, fmt.Errorf("decode index for doc %s: %w", docID, err)
	}
	return &idx, nil
}

func (s *PostgresStore) FindProjectIndexes(ctx context.Context, projectID string) ([]DocIndex, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_id, project_id, packs FROM doc_history_index
		WHERE project_id = $1 ORDER BY doc_id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("indexes for project %s: %w", projectID, err)
	}
	defer rows.Close()
	var out []DocIndex
	for rows.Next() {
		var (
			idx  DocIndex
			body []byte
		)
		if err := rows.Scan(&idx.DocID, &idx.ProjectID, &body); err != nil {
			return nil, fmt.Errorf("scan index: %w", err)
		}
		if err := json.Unmarshal(body, &idx.Packs); err != nil {
			return nil, fmt.Errorf("decode index for doc %s: %w", idx.DocID, err)
		}
		out = append(out, idx)
	}
	return out, rows.Err()
}

// mutateIndex reads an index row under FOR UPDATE, applies fn to its
// entries and writes the result back.
func (s *PostgresStore) mutateIndex(ctx context.Context, projectID, docID string, create bool, fn func(packs []IndexEntry) ([]IndexEntry, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin index update: %w", err)
	}
	defer tx.Rollback()

	if create {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO doc_history_index (doc_id, project_id, packs)
			VALUES ($1, $2, '[]') ON CONFLICT (doc_id) DO NOTHING
		`, docID, projectID); err != nil {
			return fmt.Errorf("create index for doc %s: %w", docID, err)
		}
	}

	var body []byte
	err = tx.QueryRowContext(ctx, `
		SELECT packs FROM doc_history_index WHERE doc_id = $1 FOR UPDATE
	`, docID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.New(apperr.NotFound, "index for doc "+docID)
	}
	if err != nil {
		return fmt.Errorf("lock index for doc %s: %w", docID, err)
	}

	var packs []IndexEntry
	if err := json.Unmarshal(body, &packs); err != nil {
		return fmt.Errorf("decode index for doc %s: %w", docID, err)
	}
	packs, err = fn(packs)
	if err != nil {
		return err
	}
	body, err = json.Marshal(packs)
	if err != nil {
		return fmt.Errorf("encode index for doc %s: %w", docID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE doc_history_index SET packs = $2 WHERE doc_id = $1
	`, docID, body); err != nil {
		return fmt.Errorf("write index for doc %s: %w", docID, err)
	}
	return tx.Commit()
}

func (s *PostgresStore) UpsertIndexEntries(ctx context.Context, projectID, docID string, entries []IndexEntry) error {
	return s.mutateIndex(ctx, projectID, docID, true, func(packs []IndexEntry) ([]IndexEntry, error) {
		have := make(map[string]bool, len(packs))
		for _, e := range packs {
			have[e.PackID] = true
		}
		for _, e := range entries {
			if !have[e.PackID] {
				packs = append(packs, e)
			}
		}
		sortIndexEntries(packs)
		return packs, nil
	})
}

func (s *PostgresStore) transitionArchive(ctx context.Context, docID, packID string, want *bool, set *bool) error {
	return s.mutateIndex(ctx, "", docID, false, func(packs []IndexEntry) ([]IndexEntry, error) {
		for i := range packs {
			if packs[i].PackID != packID {
				continue
			}
			if !archiveStateMatches(packs[i].InCold, want) {
				return nil, apperr.New(apperr.Consistency, "pack "+packID+" archive state conflict")
			}
			packs[i].InCold = set
			return packs, nil
		}
		return nil, apperr.New(apperr.NotFound, "pack "+packID+" not in index")
	})
}

func (s *PostgresStore) MarkArchiveInProgress(ctx context.Context, docID, packID string) error {
	return s.transitionArchive(ctx, docID, packID, nil, boolPtr(false))
}

func (s *PostgresStore) ClearArchiveInProgress(ctx context.Context, docID, packID string) error {
	return s.transitionArchive(ctx, docID, packID, boolPtr(false), nil)
}

func (s *PostgresStore) MarkArchived(ctx context.Context, docID, packID string) error {
	return s.transitionArchive(ctx, docID, packID, boolPtr(false), boolPtr(true))
}

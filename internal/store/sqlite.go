// Package store persists runs, actions, artifacts and assets in SQLite.
// It is the runtime's persistence collaborator: append-only writes for
// trace rows, single-row updates for run progress.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"draftforge/internal/trace"
)

// SQLiteStore implements trace.Store on a single SQLite database.
// Thread-safe: writes serialize on a mutex, reads take the read lock.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens (or creates) the database at path and ensures the schema.
// Use ":memory:" for tests.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc sqlite serializes at the driver level; one connection avoids
	// table-lock retries on concurrent writers.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		phase_index INTEGER NOT NULL,
		strategy TEXT NOT NULL,
		status TEXT NOT NULL,
		stage TEXT NOT NULL,
		iteration INTEGER NOT NULL DEFAULT 0,
		state TEXT,
		output TEXT,
		error TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS actions (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		phase_index INTEGER NOT NULL,
		type TEXT NOT NULL,
		title TEXT NOT NULL,
		content TEXT,
		metadata TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		phase_index INTEGER,
		run_id TEXT,
		iteration INTEGER,
		type TEXT NOT NULL,
		source TEXT NOT NULL,
		visibility TEXT NOT NULL,
		title TEXT NOT NULL,
		content TEXT,
		payload TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS assets (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		phase_index INTEGER,
		title TEXT NOT NULL,
		mime_type TEXT,
		size_bytes INTEGER,
		remote_url TEXT,
		local_path TEXT,
		metadata TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_project_phase ON runs(project_id, phase_index);
	CREATE INDEX IF NOT EXISTS idx_actions_run ON actions(run_id);
	CREATE INDEX IF NOT EXISTS idx_artifacts_project ON artifacts(project_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_artifacts_type ON artifacts(project_id, type);
	CREATE INDEX IF NOT EXISTS idx_assets_project ON assets(project_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// StartRun inserts the live run row.
func (s *SQLiteStore) StartRun(ctx context.Context, run *trace.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := marshalJSON(run.State)
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, project_id, phase_index, strategy, status, stage, iteration, state, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ProjectID, run.PhaseIndex, run.Strategy,
		string(run.Status), string(run.Stage), run.Iteration, state, run.StartedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// UpdateRunProgress advances the live run's stage, iteration and state.
func (s *SQLiteStore) UpdateRunProgress(ctx context.Context, runID string, stage trace.Stage, iteration int, state map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := marshalJSON(state)
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE runs SET stage = ?, iteration = ?, state = ? WHERE id = ?`,
		string(stage), iteration, raw, runID)
	if err != nil {
		return fmt.Errorf("update run %s: %w", runID, err)
	}
	return nil
}

// FinishRun marks the run terminal with its output or error message.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status trace.RunStatus, output *trace.Output, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out string
	if output != nil {
		raw, err := json.Marshal(output)
		if err != nil {
			return fmt.Errorf("marshal run output: %w", err)
		}
		out = string(raw)
	}
	stage := trace.StageCompleted
	if status == trace.RunStatusError {
		stage = trace.StageError
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, stage = ?, output = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(status), string(stage), out, errMsg, time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	return nil
}

// AppendAction writes one immutable trace entry.
func (s *SQLiteStore) AppendAction(ctx context.Context, action *trace.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if action.ID == "" {
		action.ID = uuid.NewString()
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}
	meta, err := marshalJSON(action.Metadata)
	if err != nil {
		return fmt.Errorf("marshal action metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO actions (id, run_id, phase_index, type, title, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		action.ID, action.RunID, action.PhaseIndex, string(action.Type),
		action.Title, action.Content, meta, action.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

// AppendArtifact writes one immutable content snapshot.
func (s *SQLiteStore) AppendArtifact(ctx context.Context, artifact *trace.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if artifact.ID == "" {
		artifact.ID = uuid.NewString()
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now().UTC()
	}
	payload, err := marshalJSON(artifact.Payload)
	if err != nil {
		return fmt.Errorf("marshal artifact payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, project_id, phase_index, run_id, iteration, type, source, visibility, title, content, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		artifact.ID, artifact.ProjectID, artifact.PhaseIndex, artifact.RunID, artifact.Iteration,
		string(artifact.Type), string(artifact.Source), string(artifact.Visibility),
		artifact.Title, artifact.Content, payload, artifact.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// InsertAsset registers an uploaded asset.
func (s *SQLiteStore) InsertAsset(ctx context.Context, asset *trace.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if asset.ID == "" {
		asset.ID = uuid.NewString()
	}
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = time.Now().UTC()
	}
	meta, err := marshalJSON(asset.Metadata)
	if err != nil {
		return fmt.Errorf("marshal asset metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO assets (id, project_id, phase_index, title, mime_type, size_bytes, remote_url, local_path, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		asset.ID, asset.ProjectID, asset.PhaseIndex, asset.Title, asset.MIMEType,
		asset.SizeBytes, asset.RemoteURL, asset.LocalPath, meta, asset.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert asset: %w", err)
	}
	return nil
}

// QueryArtifacts returns artifacts matching the filter, most recent first.
func (s *SQLiteStore) QueryArtifacts(ctx context.Context, filter trace.ArtifactFilter) ([]*trace.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		conds []string
		args  []any
	)
	conds = append(conds, "project_id = ?")
	args = append(args, filter.ProjectID)

	if filter.MaxPhase != nil {
		if filter.IncludeGlobal {
			conds = append(conds, "(phase_index IS NULL OR phase_index <= ?)")
		} else {
			conds = append(conds, "phase_index <= ?")
		}
		args = append(args, *filter.MaxPhase)
	}
	if len(filter.Types) > 0 {
		ph := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			ph[i] = "?"
			args = append(args, string(t))
		}
		conds = append(conds, "type IN ("+strings.Join(ph, ",")+")")
	}
	if len(filter.Visibility) > 0 {
		ph := make([]string, len(filter.Visibility))
		for i, v := range filter.Visibility {
			ph[i] = "?"
			args = append(args, string(v))
		}
		conds = append(conds, "visibility IN ("+strings.Join(ph, ",")+")")
	}

	query := "SELECT id, project_id, phase_index, run_id, iteration, type, source, visibility, title, content, payload, created_at FROM artifacts WHERE " +
		strings.Join(conds, " AND ") + " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var out []*trace.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// QueryArtifactsVisibleToAgent implements the context-assembly visibility
// rule: agent-visible artifacts that are global, at or before maxPhase, or
// change-context types (always visible regardless of phase).
func (s *SQLiteStore) QueryArtifactsVisibleToAgent(ctx context.Context, projectID string, maxPhase, limit int) ([]*trace.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, project_id, phase_index, run_id, iteration, type, source, visibility, title, content, payload, created_at
		FROM artifacts
		WHERE project_id = ?
		  AND visibility IN ('both', 'agent')
		  AND (phase_index IS NULL OR phase_index <= ? OR type IN ('change_request', 'change_analysis'))
		ORDER BY created_at DESC, id DESC`
	args := []any{projectID, maxPhase}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query agent artifacts: %w", err)
	}
	defer rows.Close()

	var out []*trace.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanArtifact(rows *sql.Rows) (*trace.Artifact, error) {
	var (
		a          trace.Artifact
		phaseIndex sql.NullInt64
		iteration  sql.NullInt64
		runID      sql.NullString
		content    sql.NullString
		payload    sql.NullString
	)
	if err := rows.Scan(&a.ID, &a.ProjectID, &phaseIndex, &runID, &iteration,
		&a.Type, &a.Source, &a.Visibility, &a.Title, &content, &payload, &a.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan artifact: %w", err)
	}
	if phaseIndex.Valid {
		v := int(phaseIndex.Int64)
		a.PhaseIndex = &v
	}
	if iteration.Valid {
		v := int(iteration.Int64)
		a.Iteration = &v
	}
	a.RunID = runID.String
	a.Content = content.String
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &a.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal artifact payload: %w", err)
		}
	}
	return &a, nil
}

// QueryPriorPhaseOutputs returns the latest step_output per phase below
// beforePhase, in ascending phase order.
func (s *SQLiteStore) QueryPriorPhaseOutputs(ctx context.Context, projectID string, beforePhase int) ([]*trace.PhaseOutput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT a.phase_index, a.title, a.content, a.created_at
		FROM artifacts a
		JOIN (
			SELECT phase_index, MAX(created_at) AS latest
			FROM artifacts
			WHERE project_id = ? AND type = 'step_output' AND phase_index IS NOT NULL AND phase_index < ?
			GROUP BY phase_index
		) latest ON a.phase_index = latest.phase_index AND a.created_at = latest.latest
		WHERE a.project_id = ? AND a.type = 'step_output'
		ORDER BY a.phase_index ASC`,
		projectID, beforePhase, projectID)
	if err != nil {
		return nil, fmt.Errorf("query prior outputs: %w", err)
	}
	defer rows.Close()

	var out []*trace.PhaseOutput
	for rows.Next() {
		var po trace.PhaseOutput
		if err := rows.Scan(&po.PhaseIndex, &po.Title, &po.Text, &po.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan phase output: %w", err)
		}
		out = append(out, &po)
	}
	return out, rows.Err()
}

// QueryPhaseStates reports status plus a bounded excerpt for every pipeline
// phase, completed or not. Used by change-impact analysis.
func (s *SQLiteStore) QueryPhaseStates(ctx context.Context, projectID string) ([]*trace.PhaseState, error) {
	const phaseCount = 9
	const excerptLen = 600

	outputs, err := s.QueryPriorPhaseOutputs(ctx, projectID, phaseCount)
	if err != nil {
		return nil, err
	}
	byPhase := make(map[int]*trace.PhaseOutput, len(outputs))
	for _, po := range outputs {
		byPhase[po.PhaseIndex] = po
	}

	states := make([]*trace.PhaseState, 0, phaseCount)
	for i := 0; i < phaseCount; i++ {
		st := &trace.PhaseState{PhaseIndex: i, Status: "pending"}
		if po, ok := byPhase[i]; ok {
			st.Status = "completed"
			st.Name = po.Title
			if len(po.Text) > excerptLen {
				cut := excerptLen
				for cut > 0 && !utf8.RuneStart(po.Text[cut]) {
					cut--
				}
				st.Excerpt = po.Text[:cut]
			} else {
				st.Excerpt = po.Text
			}
		}
		states = append(states, st)
	}
	return states, nil
}

// QueryAssets lists assets scoped to the whole project or a phase at or
// below maxPhase, newest first.
func (s *SQLiteStore) QueryAssets(ctx context.Context, projectID string, maxPhase *int, limit int) ([]*trace.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, project_id, phase_index, title, mime_type, size_bytes, remote_url, local_path, metadata, created_at
		FROM assets WHERE project_id = ?`
	args := []any{projectID}
	if maxPhase != nil {
		query += " AND (phase_index IS NULL OR phase_index <= ?)"
		args = append(args, *maxPhase)
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query assets: %w", err)
	}
	defer rows.Close()

	var out []*trace.Asset
	for rows.Next() {
		var (
			a          trace.Asset
			phaseIndex sql.NullInt64
			mime       sql.NullString
			remote     sql.NullString
			local      sql.NullString
			meta       sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.ProjectID, &phaseIndex, &a.Title, &mime,
			&a.SizeBytes, &remote, &local, &meta, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		if phaseIndex.Valid {
			v := int(phaseIndex.Int64)
			a.PhaseIndex = &v
		}
		a.MIMEType = mime.String
		a.RemoteURL = remote.String
		a.LocalPath = local.String
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &a.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal asset metadata: %w", err)
			}
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// GetRun loads one run row.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*trace.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, phase_index, strategy, status, stage, iteration, state, output, error, started_at, finished_at
		FROM runs WHERE id = ?`, runID)

	var (
		r        trace.Run
		state    sql.NullString
		output   sql.NullString
		errMsg   sql.NullString
		finished sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.ProjectID, &r.PhaseIndex, &r.Strategy, &r.Status,
		&r.Stage, &r.Iteration, &state, &output, &errMsg, &r.StartedAt, &finished); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("run %s not found", runID)
		}
		return nil, fmt.Errorf("get run: %w", err)
	}
	if state.Valid && state.String != "" {
		if err := json.Unmarshal([]byte(state.String), &r.State); err != nil {
			return nil, fmt.Errorf("unmarshal run state: %w", err)
		}
	}
	if output.Valid && output.String != "" {
		var out trace.Output
		if err := json.Unmarshal([]byte(output.String), &out); err != nil {
			return nil, fmt.Errorf("unmarshal run output: %w", err)
		}
		r.Output = &out
	}
	r.Error = errMsg.String
	if finished.Valid {
		t := finished.Time
		r.FinishedAt = &t
	}
	return &r, nil
}

// ListActions returns a run's trace entries in write order.
func (s *SQLiteStore) ListActions(ctx context.Context, runID string) ([]*trace.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, phase_index, type, title, content, metadata, created_at
		FROM actions WHERE run_id = ? ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []*trace.Action
	for rows.Next() {
		var (
			a       trace.Action
			content sql.NullString
			meta    sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.RunID, &a.PhaseIndex, &a.Type, &a.Title, &content, &meta, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		a.Content = content.String
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &a.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal action metadata: %w", err)
			}
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

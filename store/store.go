// Package store implements the durable decision store (C5): the
// append-only SQLite record of every cycle's observation, candidate,
// validation verdict, and eventual spine feedback.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/neuroplc/cortex/buffer"
	"github.com/neuroplc/cortex/core"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS decisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trace_id TEXT UNIQUE NOT NULL,
	timestamp_us INTEGER NOT NULL,
	observation_json TEXT NOT NULL,
	observation_hash TEXT NOT NULL,
	action TEXT NOT NULL,
	target_speed_rpm REAL NOT NULL,
	confidence REAL NOT NULL,
	reasoning TEXT,
	constraints_json TEXT NOT NULL,
	constraints_hash TEXT NOT NULL,
	engine TEXT DEFAULT 'baseline',
	model TEXT,
	llm_latency_ms INTEGER,
	llm_output_hash TEXT,
	approved INTEGER NOT NULL DEFAULT 0,
	violations_json TEXT DEFAULT '[]',
	warnings_json TEXT DEFAULT '[]',
	spine_accepted INTEGER DEFAULT NULL,
	actual_speed_rpm REAL DEFAULT NULL,
	outcome_timestamp_us INTEGER DEFAULT NULL,
	outcome_notes TEXT DEFAULT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON decisions(timestamp_us);
CREATE INDEX IF NOT EXISTS idx_decisions_observation_hash ON decisions(observation_hash);
CREATE INDEX IF NOT EXISTS idx_decisions_engine ON decisions(engine);
CREATE INDEX IF NOT EXISTS idx_decisions_approved ON decisions(approved);

CREATE TABLE IF NOT EXISTS tool_calls (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trace_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	timestamp_us INTEGER NOT NULL,
	tool_name TEXT NOT NULL,
	args_hash TEXT NOT NULL,
	result_hash TEXT NOT NULL,
	FOREIGN KEY (trace_id) REFERENCES decisions(trace_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_tool_calls_trace ON tool_calls(trace_id);
CREATE INDEX IF NOT EXISTS idx_tool_calls_name ON tool_calls(tool_name);

CREATE TABLE IF NOT EXISTS llm_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trace_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT,
	tool_call_id TEXT DEFAULT NULL,
	tool_calls_json TEXT DEFAULT NULL,
	FOREIGN KEY (trace_id) REFERENCES decisions(trace_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_llm_messages_trace ON llm_messages(trace_id);

CREATE TABLE IF NOT EXISTS observation_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp_us INTEGER NOT NULL,
	motor_speed_rpm REAL NOT NULL,
	motor_temp_c REAL NOT NULL,
	pressure_bar REAL NOT NULL,
	safety_state TEXT NOT NULL,
	cycle_jitter_us INTEGER DEFAULT 0,
	cycle_count INTEGER DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_history_timestamp ON observation_history(timestamp_us DESC);
`

// Store is a thread-safe SQLite-backed decision store. database/sql
// already pools and serializes connections for us, so unlike the
// original implementation there is no per-goroutine connection.
type Store struct {
	db           *sql.DB
	maxDecisions int
}

// Open creates (if needed) the parent directory of dbPath, opens the
// database, enables WAL for concurrent readers, and applies the schema.
func Open(dbPath string, maxDecisions int) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, core.NewCortexError("store.Open", "config", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, core.NewCortexError("store.Open", "config", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, core.NewCortexError("store.Open", "config", err)
	}
	if _, err := db.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		db.Close()
		return nil, core.NewCortexError("store.Open", "config", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, core.NewCortexError("store.Open", "config", err)
	}

	if maxDecisions <= 0 {
		maxDecisions = 10000
	}
	return &Store{db: db, maxDecisions: maxDecisions}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RecordDecision persists a full decision record plus its tool call
// traces in a single transaction, then prunes if the table has grown
// past maxDecisions. LLM messages are stored separately by RecordMessages.
func (s *Store) RecordDecision(ctx context.Context, rec core.DecisionRecord) error {
	obsJSON, err := json.Marshal(rec.Observation)
	if err != nil {
		return core.NewCortexError("store.RecordDecision", "internal", err)
	}
	constraintsJSON, err := json.Marshal(rec.Constraints)
	if err != nil {
		return core.NewCortexError("store.RecordDecision", "internal", err)
	}
	violationsJSON, _ := json.Marshal(rec.Violations)
	warningsJSON, _ := json.Marshal(rec.Warnings)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.NewCortexError("store.RecordDecision", "transient", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO decisions (
			trace_id, timestamp_us,
			observation_json, observation_hash,
			action, target_speed_rpm, confidence, reasoning,
			constraints_json, constraints_hash,
			engine, model, llm_latency_ms, llm_output_hash,
			approved, violations_json, warnings_json
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.TraceID, rec.TimestampUs,
		string(obsJSON), rec.ObservationHash,
		string(rec.Candidate.Action), rec.Candidate.TargetSpeedRPM, rec.Candidate.Confidence, rec.Candidate.Reasoning,
		string(constraintsJSON), rec.ConstraintsHash,
		rec.Engine, nullableString(rec.Model), rec.LLMLatencyMs, nullableString(rec.LLMOutputHash),
		boolToInt(rec.Approved), string(violationsJSON), string(warningsJSON),
	)
	if err != nil {
		return core.NewCortexError("store.RecordDecision", "internal", fmt.Errorf("insert decision: %w", err))
	}

	for seq, tt := range rec.ToolTraces {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tool_calls (trace_id, sequence, timestamp_us, tool_name, args_hash, result_hash)
			VALUES (?,?,?,?,?,?)`,
			rec.TraceID, seq, rec.TimestampUs, tt.Name, tt.ArgsHash, tt.ResultHash,
		); err != nil {
			return core.NewCortexError("store.RecordDecision", "internal", fmt.Errorf("insert tool_call: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return core.NewCortexError("store.RecordDecision", "transient", err)
	}

	return s.maybePrune(ctx)
}

// RecordMessages persists the LLM conversation transcript for a trace,
// in a transaction separate from RecordDecision since the workflow may
// not have any messages to record (baseline/ML engines never call Chat).
func (s *Store) RecordMessages(ctx context.Context, traceID string, messages []core.Message) error {
	if len(messages) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.NewCortexError("store.RecordMessages", "transient", err)
	}
	defer tx.Rollback()

	for seq, msg := range messages {
		var toolCallsJSON sql.NullString
		if len(msg.ToolCalls) > 0 {
			b, err := json.Marshal(msg.ToolCalls)
			if err != nil {
				return core.NewCortexError("store.RecordMessages", "internal", err)
			}
			toolCallsJSON = sql.NullString{String: string(b), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO llm_messages (trace_id, sequence, role, content, tool_call_id, tool_calls_json)
			VALUES (?,?,?,?,?,?)`,
			traceID, seq, string(msg.Role), msg.Content, nullableString(msg.ToolCallID), toolCallsJSON,
		); err != nil {
			return core.NewCortexError("store.RecordMessages", "internal", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return core.NewCortexError("store.RecordMessages", "transient", err)
	}
	return nil
}

// RecordFeedback is an idempotent update of a decision's outcome fields.
// It returns false (no error) if trace_id is unknown.
func (s *Store) RecordFeedback(ctx context.Context, fb core.OutcomeFeedback) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE decisions SET
			spine_accepted = ?,
			actual_speed_rpm = ?,
			outcome_timestamp_us = ?,
			outcome_notes = ?
		WHERE trace_id = ?`,
		boolToInt(fb.SpineAccepted), fb.ActualSpeedRPM, fb.OutcomeTimestamp, nullableString(fb.Notes),
		fb.TraceID,
	)
	if err != nil {
		return false, core.NewCortexError("store.RecordFeedback", "internal", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, core.NewCortexError("store.RecordFeedback", "internal", err)
	}
	return n > 0, nil
}

// QueryFilter narrows a QueryDecisions call.
type QueryFilter struct {
	StartTimeUs  *uint64
	EndTimeUs    *uint64
	Engine       string
	ApprovedOnly bool
	Limit        int
	Offset       int
}

// QueryDecisions returns decisions newest-first matching filter.
func (s *Store) QueryDecisions(ctx context.Context, filter QueryFilter) ([]core.DecisionRecord, error) {
	where := "1=1"
	var args []interface{}

	if filter.StartTimeUs != nil {
		where += " AND timestamp_us >= ?"
		args = append(args, *filter.StartTimeUs)
	}
	if filter.EndTimeUs != nil {
		where += " AND timestamp_us <= ?"
		args = append(args, *filter.EndTimeUs)
	}
	if filter.Engine != "" {
		where += " AND engine = ?"
		args = append(args, filter.Engine)
	}
	if filter.ApprovedOnly {
		where += " AND approved = 1"
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT trace_id, timestamp_us, observation_json, observation_hash,
			action, target_speed_rpm, confidence, reasoning,
			constraints_json, constraints_hash,
			engine, model, llm_latency_ms, llm_output_hash,
			approved, violations_json, warnings_json,
			spine_accepted, actual_speed_rpm, outcome_timestamp_us, outcome_notes
		FROM decisions WHERE %s
		ORDER BY timestamp_us DESC
		LIMIT ? OFFSET ?`, where), args...)
	if err != nil {
		return nil, core.NewCortexError("store.QueryDecisions", "internal", err)
	}
	defer rows.Close()

	var out []core.DecisionRecord
	for rows.Next() {
		rec, err := scanDecision(rows)
		if err != nil {
			return nil, core.NewCortexError("store.QueryDecisions", "internal", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetDecision looks up a single decision by trace_id.
func (s *Store) GetDecision(ctx context.Context, traceID string) (*core.DecisionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT trace_id, timestamp_us, observation_json, observation_hash,
			action, target_speed_rpm, confidence, reasoning,
			constraints_json, constraints_hash,
			engine, model, llm_latency_ms, llm_output_hash,
			approved, violations_json, warnings_json,
			spine_accepted, actual_speed_rpm, outcome_timestamp_us, outcome_notes
		FROM decisions WHERE trace_id = ?`, traceID)

	rec, err := scanDecision(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrRecordNotFound
	}
	if err != nil {
		return nil, core.NewCortexError("store.GetDecision", "internal", err)
	}
	return &rec, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDecision(row rowScanner) (core.DecisionRecord, error) {
	var rec core.DecisionRecord
	var obsJSON, constraintsJSON, violationsJSON, warningsJSON string
	var model, llmOutputHash, outcomeNotes sql.NullString
	var llmLatencyMs sql.NullInt64
	var approved int
	var spineAccepted sql.NullInt64
	var actualSpeedRPM sql.NullFloat64
	var outcomeTimestampUs sql.NullInt64

	err := row.Scan(
		&rec.TraceID, &rec.TimestampUs, &obsJSON, &rec.ObservationHash,
		&rec.Candidate.Action, &rec.Candidate.TargetSpeedRPM, &rec.Candidate.Confidence, &rec.Candidate.Reasoning,
		&constraintsJSON, &rec.ConstraintsHash,
		&rec.Engine, &model, &llmLatencyMs, &llmOutputHash,
		&approved, &violationsJSON, &warningsJSON,
		&spineAccepted, &actualSpeedRPM, &outcomeTimestampUs, &outcomeNotes,
	)
	if err != nil {
		return rec, err
	}

	if err := json.Unmarshal([]byte(obsJSON), &rec.Observation); err != nil {
		return rec, err
	}
	if err := json.Unmarshal([]byte(constraintsJSON), &rec.Constraints); err != nil {
		return rec, err
	}
	_ = json.Unmarshal([]byte(violationsJSON), &rec.Violations)
	_ = json.Unmarshal([]byte(warningsJSON), &rec.Warnings)

	rec.Model = model.String
	rec.LLMOutputHash = llmOutputHash.String
	rec.Approved = approved != 0
	if llmLatencyMs.Valid {
		rec.LLMLatencyMs = &llmLatencyMs.Int64
	}
	if spineAccepted.Valid {
		v := spineAccepted.Int64 != 0
		rec.SpineAccepted = &v
	}
	if actualSpeedRPM.Valid {
		rec.ActualSpeedRPM = &actualSpeedRPM.Float64
	}
	if outcomeTimestampUs.Valid {
		v := uint64(outcomeTimestampUs.Int64)
		rec.OutcomeTimestamp = &v
	}
	rec.OutcomeNotes = outcomeNotes.String

	return rec, nil
}

// AddObservation implements buffer.Persister: it appends one row to the
// rolling observation_history table.
func (s *Store) AddObservation(obs core.Observation, timestampUs uint64) error {
	_, err := s.db.Exec(`
		INSERT INTO observation_history (
			timestamp_us, motor_speed_rpm, motor_temp_c, pressure_bar,
			safety_state, cycle_jitter_us, cycle_count
		) VALUES (?,?,?,?,?,?,?)`,
		timestampUs, obs.MotorSpeedRPM, obs.MotorTempC, obs.PressureBar,
		obs.SafetyState, obs.CycleJitterUs, obs.CycleCount,
	)
	if err != nil {
		return core.NewCortexError("store.AddObservation", "internal", err)
	}
	return nil
}

// RecentObservations implements buffer.Persister: it returns up to limit
// rows newest-first, for the buffer's startup warm-start.
func (s *Store) RecentObservations(limit int) ([]buffer.ObservationRow, error) {
	rows, err := s.db.Query(`
		SELECT timestamp_us, motor_speed_rpm, motor_temp_c, pressure_bar
		FROM observation_history
		ORDER BY timestamp_us DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, core.NewCortexError("store.RecentObservations", "internal", err)
	}
	defer rows.Close()

	var out []buffer.ObservationRow
	for rows.Next() {
		var r buffer.ObservationRow
		if err := rows.Scan(&r.TimestampUs, &r.MotorSpeedRPM, &r.MotorTempC, &r.PressureBar); err != nil {
			return nil, core.NewCortexError("store.RecentObservations", "internal", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// maybePrune deletes the oldest 10% of decisions once the table has
// grown past maxDecisions, in one transaction.
func (s *Store) maybePrune(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM decisions").Scan(&count); err != nil {
		return core.NewCortexError("store.maybePrune", "internal", err)
	}
	if count <= s.maxDecisions {
		return nil
	}

	deleteCount := int(float64(s.maxDecisions) * 0.1)
	if deleteCount <= 0 {
		deleteCount = 1
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.NewCortexError("store.maybePrune", "transient", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM decisions WHERE id IN (
			SELECT id FROM decisions ORDER BY timestamp_us ASC LIMIT ?
		)`, deleteCount)
	if err != nil {
		return core.NewCortexError("store.maybePrune", "internal", err)
	}
	return tx.Commit()
}

// Stats reports aggregate row counters for the store.
type Stats struct {
	DecisionCount   int
	HistoryCount    int
	ApprovedCount   int
	AcceptedBySpine int
	RejectedBySpine int
	DBPath          string
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM decisions").Scan(&stats.DecisionCount); err != nil {
		return stats, core.NewCortexError("store.Stats", "internal", err)
	}
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM observation_history").Scan(&stats.HistoryCount); err != nil {
		return stats, core.NewCortexError("store.Stats", "internal", err)
	}

	var approved, accepted, rejected sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			SUM(CASE WHEN approved = 1 THEN 1 ELSE 0 END),
			SUM(CASE WHEN spine_accepted = 1 THEN 1 ELSE 0 END),
			SUM(CASE WHEN spine_accepted = 0 THEN 1 ELSE 0 END)
		FROM decisions`).Scan(&approved, &accepted, &rejected)
	if err != nil {
		return stats, core.NewCortexError("store.Stats", "internal", err)
	}
	stats.ApprovedCount = int(approved.Int64)
	stats.AcceptedBySpine = int(accepted.Int64)
	stats.RejectedBySpine = int(rejected.Int64)

	return stats, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

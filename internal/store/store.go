// Package store is the supervisor's sole persistent dependency: an
// embedded SQLite database holding processes, logs, errors, metrics, and
// groups. All other components talk to each other through in-memory
// interfaces and event streams; only Store touches disk.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/arrowops/procsupd/internal/apperr"
	"github.com/arrowops/procsupd/internal/model"
)

// Store owns the database handle and the prepared statements used on hot
// paths (log/error/metric inserts, process upserts); those statements take
// positional parameters. Reads are built per-call since filter shapes vary.
// The other writes (group upserts, resolution updates, deletes, retention
// cleanup) are ad-hoc statements, not prepared ones.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	closed bool

	stmtInsertLog    *sql.Stmt
	stmtInsertError  *sql.Stmt
	stmtInsertMetric *sql.Stmt
	stmtUpsertProc   *sql.Stmt
}

type txKey struct{}

// Open creates (if needed) and opens the SQLite database at path, enabling
// write-ahead logging, a 5-second busy wait, relaxed synchronous mode, and
// a 64 MiB journal cap, then ensures the schema and hot-path prepared
// statements.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if path == ":memory:" {
		// A single connection keeps the in-memory database visible to every
		// caller; separate connections would each see their own instance.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA journal_size_limit=67108864;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", p, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	s := &Store{db: db}
	if err := s.prepare(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) prepare(ctx context.Context) error {
	var err error
	if s.stmtInsertLog, err = s.db.PrepareContext(ctx,
		`INSERT INTO logs(process_id, type, message, timestamp, level) VALUES(?, ?, ?, ?, ?)`); err != nil {
		return fmt.Errorf("prepare insert log: %w", err)
	}
	if s.stmtInsertError, err = s.db.PrepareContext(ctx,
		`INSERT INTO errors(process_id, error_type, message, stack_trace, timestamp, resolved) VALUES(?, ?, ?, ?, ?, 0)`); err != nil {
		return fmt.Errorf("prepare insert error: %w", err)
	}
	if s.stmtInsertMetric, err = s.db.PrepareContext(ctx,
		`INSERT INTO metrics(process_id, cpu_usage, memory_usage, timestamp) VALUES(?, ?, ?, ?)`); err != nil {
		return fmt.Errorf("prepare insert metric: %w", err)
	}
	if s.stmtUpsertProc, err = s.db.PrepareContext(ctx, `
		INSERT INTO processes(id, name, command, args, env, cwd, pid, status, group_id,
			created_at, started_at, stopped_at, restart_count, auto_restart,
			health_check_command, health_check_interval, last_health_check, health_status)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, command=excluded.command, args=excluded.args, env=excluded.env,
			cwd=excluded.cwd, pid=excluded.pid, status=excluded.status, group_id=excluded.group_id,
			started_at=excluded.started_at, stopped_at=excluded.stopped_at,
			restart_count=excluded.restart_count, auto_restart=excluded.auto_restart,
			health_check_command=excluded.health_check_command,
			health_check_interval=excluded.health_check_interval,
			last_health_check=excluded.last_health_check, health_status=excluded.health_status`); err != nil {
		return fmt.Errorf("prepare upsert process: %w", err)
	}
	return nil
}

// Close runs the storage engine's optimize hook, then releases the handle.
// Any subsequent operation on this Store fails with ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	_, _ = s.db.Exec("PRAGMA optimize;")
	s.closed = true
	return s.db.Close()
}

func (s *Store) checkOpen() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return apperr.ErrStoreClosed
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) execer(ctx context.Context) execer {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// Transaction runs fn atomically. A call nested inside an outer
// Transaction call (detected via context) is flattened into the outer
// transaction rather than starting a new one.
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// stmtFor returns the prepared statement bound to whichever execer (db or
// the in-flight tx) applies to ctx, since *sql.Stmt.ExecContext silently
// ignores the passed connection when none is supplied by a transaction.
func (s *Store) stmtFor(ctx context.Context, stmt *sql.Stmt) *sql.Stmt {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx.Stmt(stmt)
	}
	return stmt
}

// --- processes ---

// UpsertProcess inserts the persisted row for p, or replaces every column of
// an existing row except created_at, which keeps its first value.
func (s *Store) UpsertProcess(ctx context.Context, p *model.Process) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	argsJSON, err := json.Marshal(p.Args)
	if err != nil {
		return fmt.Errorf("marshal args: %w", err)
	}
	envJSON, err := json.Marshal(p.Env)
	if err != nil {
		return fmt.Errorf("marshal env: %w", err)
	}
	_, err = s.stmtFor(ctx, s.stmtUpsertProc).ExecContext(ctx,
		p.ID, p.Name, p.Command, string(argsJSON), string(envJSON), p.Cwd,
		nullableInt(p.PID), string(p.Status), nullableString(p.GroupID),
		toEpochMs(p.CreatedAt), nullableEpochMs(p.StartedAt), nullableEpochMs(p.StoppedAt),
		p.RestartCount, p.AutoRestart,
		nullableString(p.HealthCommand), nullableInt64(p.HealthIntervalMs),
		nullableEpochMs(p.LastHealthCheck), nullableHealthStatus(p.HealthStatus),
	)
	if err != nil {
		return fmt.Errorf("upsert process %s: %w", p.ID, err)
	}
	return nil
}

// GetProcess returns the persisted row for id, or ErrNotFound.
func (s *Store) GetProcess(ctx context.Context, id string) (*model.Process, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.execer(ctx).QueryRowContext(ctx, processSelectColumns+` WHERE id = ?`, id)
	p, err := scanProcess(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("process %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ProcessFilter narrows ListProcesses.
type ProcessFilter struct {
	Status  model.ProcessStatus
	GroupID string
}

// ListProcesses returns a point-in-time snapshot filtered by status and/or
// group.
func (s *Store) ListProcesses(ctx context.Context, f ProcessFilter) ([]*model.Process, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := processSelectColumns
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.GroupID != "" {
		where = append(where, "group_id = ?")
		args = append(args, f.GroupID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	defer rows.Close()
	var out []*model.Process
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const processSelectColumns = `SELECT id, name, command, args, env, cwd, pid, status, group_id,
	created_at, started_at, stopped_at, restart_count, auto_restart,
	health_check_command, health_check_interval, last_health_check, health_status
	FROM processes`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProcess(row rowScanner) (*model.Process, error) {
	var (
		p                                              model.Process
		argsJSON, envJSON                               string
		pid, healthInterval                             sql.NullInt64
		groupID, healthCmd, healthStatus                sql.NullString
		startedAt, stoppedAt, lastHealthCheck, createdAt sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Command, &argsJSON, &envJSON, &p.Cwd, &pid,
		&p.Status, &groupID, &createdAt, &startedAt, &stoppedAt, &p.RestartCount,
		&p.AutoRestart, &healthCmd, &healthInterval, &lastHealthCheck, &healthStatus); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(argsJSON), &p.Args)
	_ = json.Unmarshal([]byte(envJSON), &p.Env)
	if pid.Valid {
		p.PID = int(pid.Int64)
	}
	if groupID.Valid {
		p.GroupID = groupID.String
	}
	if healthCmd.Valid {
		p.HealthCommand = healthCmd.String
	}
	if healthInterval.Valid {
		p.HealthIntervalMs = healthInterval.Int64
	}
	if healthStatus.Valid {
		p.HealthStatus = model.HealthStatus(healthStatus.String)
	} else {
		p.HealthStatus = model.HealthUnknown
	}
	p.CreatedAt = fromEpochMs(createdAt)
	p.StartedAt = fromEpochMs(startedAt)
	p.StoppedAt = fromEpochMs(stoppedAt)
	p.LastHealthCheck = fromEpochMs(lastHealthCheck)
	return &p, nil
}

// --- logs ---

// InsertLog persists a single log record and returns its assigned id.
func (s *Store) InsertLog(ctx context.Context, r model.LogRecord) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	res, err := s.stmtFor(ctx, s.stmtInsertLog).ExecContext(ctx, r.ProcessID, string(r.Stream), r.Message, r.Timestamp, string(r.Level))
	if err != nil {
		return 0, fmt.Errorf("insert log: %w", err)
	}
	return res.LastInsertId()
}

// LogFilter narrows GetLogs.
type LogFilter struct {
	ProcessID string
	Stream    model.LogStream
	Level     model.LogLevel
	StartTime int64
	EndTime   int64
	Search    string
	Limit     int
	Offset    int
}

// GetLogs returns log records matching f, newest first.
func (s *Store) GetLogs(ctx context.Context, f LogFilter) ([]model.LogRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 10000 {
		limit = 10000
	}
	query := `SELECT id, process_id, type, message, timestamp, level FROM logs`
	var where []string
	var args []any
	if f.ProcessID != "" {
		where = append(where, "process_id = ?")
		args = append(args, f.ProcessID)
	}
	if f.Stream != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Stream))
	}
	if f.Level != "" {
		where = append(where, "level = ?")
		args = append(args, string(f.Level))
	}
	if f.StartTime > 0 {
		where = append(where, "timestamp >= ?")
		args = append(args, f.StartTime)
	}
	if f.EndTime > 0 {
		where = append(where, "timestamp <= ?")
		args = append(args, f.EndTime)
	}
	if f.Search != "" {
		where = append(where, "message LIKE ?")
		args = append(args, "%"+f.Search+"%")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get logs: %w", err)
	}
	defer rows.Close()
	var out []model.LogRecord
	for rows.Next() {
		var r model.LogRecord
		if err := rows.Scan(&r.ID, &r.ProcessID, &r.Stream, &r.Message, &r.Timestamp, &r.Level); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClearLogs deletes logs for processID (optionally only those before
// beforeTimestamp) and returns the number of rows removed.
func (s *Store) ClearLogs(ctx context.Context, processID string, beforeTimestamp *int64) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	query := `DELETE FROM logs WHERE process_id = ?`
	args := []any{processID}
	if beforeTimestamp != nil {
		query += " AND timestamp < ?"
		args = append(args, *beforeTimestamp)
	}
	res, err := s.execer(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("clear logs: %w", err)
	}
	return res.RowsAffected()
}

// --- errors ---

// InsertError persists a classified error record and returns its id.
func (s *Store) InsertError(ctx context.Context, r model.ErrorRecord) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	res, err := s.stmtFor(ctx, s.stmtInsertError).ExecContext(ctx, r.ProcessID, r.Kind, r.Message, nullableString(r.Stack), r.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("insert error: %w", err)
	}
	return res.LastInsertId()
}

// ErrorFilter narrows GetErrors.
type ErrorFilter struct {
	ProcessID      string
	Kind           string
	UnresolvedOnly bool
	StartTime      int64
	EndTime        int64
	Limit          int
}

// GetErrors returns error records matching f, newest first.
func (s *Store) GetErrors(ctx context.Context, f ErrorFilter) ([]model.ErrorRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	query := `SELECT id, process_id, error_type, message, stack_trace, timestamp, resolved, resolution_note FROM errors`
	var where []string
	var args []any
	if f.ProcessID != "" {
		where = append(where, "process_id = ?")
		args = append(args, f.ProcessID)
	}
	if f.Kind != "" {
		where = append(where, "error_type = ?")
		args = append(args, f.Kind)
	}
	if f.UnresolvedOnly {
		where = append(where, "resolved = 0")
	}
	if f.StartTime > 0 {
		where = append(where, "timestamp >= ?")
		args = append(args, f.StartTime)
	}
	if f.EndTime > 0 {
		where = append(where, "timestamp <= ?")
		args = append(args, f.EndTime)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.execer(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get errors: %w", err)
	}
	defer rows.Close()
	var out []model.ErrorRecord
	for rows.Next() {
		var r model.ErrorRecord
		var stack, note sql.NullString
		if err := rows.Scan(&r.ID, &r.ProcessID, &r.Kind, &r.Message, &stack, &r.Timestamp, &r.Resolved, &note); err != nil {
			return nil, err
		}
		r.Stack = stack.String
		r.ResolutionNote = note.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkResolved sets resolved=true (and an optional note) on error id. A
// second call on an already-resolved row is a no-op (it still succeeds).
func (s *Store) MarkResolved(ctx context.Context, id int64, note string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.execer(ctx).ExecContext(ctx,
		`UPDATE errors SET resolved = 1, resolution_note = ? WHERE id = ?`, nullableString(note), id)
	if err != nil {
		return fmt.Errorf("mark resolved: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("error %d: %w", id, apperr.ErrNotFound)
	}
	return nil
}

// GetErrorByID is used to decide whether MarkResolved already had
// resolved=true before the call, so callers can suppress duplicate events.
func (s *Store) GetErrorByID(ctx context.Context, id int64) (*model.ErrorRecord, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.execer(ctx).QueryRowContext(ctx,
		`SELECT id, process_id, error_type, message, stack_trace, timestamp, resolved, resolution_note FROM errors WHERE id = ?`, id)
	var r model.ErrorRecord
	var stack, note sql.NullString
	err := row.Scan(&r.ID, &r.ProcessID, &r.Kind, &r.Message, &stack, &r.Timestamp, &r.Resolved, &note)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("error %d: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	r.Stack = stack.String
	r.ResolutionNote = note.String
	return &r, nil
}

// --- metrics ---

// InsertMetric persists a single resource-usage sample.
func (s *Store) InsertMetric(ctx context.Context, m model.MetricSample) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.stmtFor(ctx, s.stmtInsertMetric).ExecContext(ctx, m.ProcessID, m.CPUPercent, m.MemoryBytes, m.Timestamp)
	if err != nil {
		return fmt.Errorf("insert metric: %w", err)
	}
	return nil
}

// GetMetrics returns up to limit samples for processID, newest first.
func (s *Store) GetMetrics(ctx context.Context, processID string, limit int) ([]model.MetricSample, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.execer(ctx).QueryContext(ctx,
		`SELECT id, process_id, cpu_usage, memory_usage, timestamp FROM metrics WHERE process_id = ? ORDER BY timestamp DESC LIMIT ?`,
		processID, limit)
	if err != nil {
		return nil, fmt.Errorf("get metrics: %w", err)
	}
	defer rows.Close()
	var out []model.MetricSample
	for rows.Next() {
		var m model.MetricSample
		if err := rows.Scan(&m.ID, &m.ProcessID, &m.CPUPercent, &m.MemoryBytes, &m.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- groups ---

// UpsertGroup inserts or replaces a process_groups row.
func (s *Store) UpsertGroup(ctx context.Context, g *model.Group) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	orderJSON, err := json.Marshal(g.StartupOrder)
	if err != nil {
		return fmt.Errorf("marshal startup order: %w", err)
	}
	_, err = s.execer(ctx).ExecContext(ctx, `
		INSERT INTO process_groups(id, name, description, created_at, startup_order)
		VALUES(?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, description=excluded.description,
			startup_order=excluded.startup_order`,
		g.ID, g.Name, g.Description, toEpochMs(g.CreatedAt), string(orderJSON))
	if err != nil {
		return fmt.Errorf("upsert group %s: %w", g.ID, err)
	}
	return nil
}

// GetGroup returns the persisted row for id, or ErrNotFound.
func (s *Store) GetGroup(ctx context.Context, id string) (*model.Group, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.execer(ctx).QueryRowContext(ctx,
		`SELECT id, name, description, created_at, startup_order FROM process_groups WHERE id = ?`, id)
	g, err := scanGroup(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("group %s: %w", id, apperr.ErrNotFound)
	}
	return g, err
}

// ListGroups returns every persisted group.
func (s *Store) ListGroups(ctx context.Context) ([]*model.Group, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.execer(ctx).QueryContext(ctx,
		`SELECT id, name, description, created_at, startup_order FROM process_groups ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()
	var out []*model.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// DeleteGroup removes a group row. It fails with ErrGroupNotEmpty when any
// process row still references the group.
func (s *Store) DeleteGroup(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	var count int
	row := s.execer(ctx).QueryRowContext(ctx, `SELECT COUNT(1) FROM processes WHERE group_id = ?`, id)
	if err := row.Scan(&count); err != nil {
		return fmt.Errorf("count group members: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("group %s: %w", id, apperr.ErrGroupNotEmpty)
	}
	_, err := s.execer(ctx).ExecContext(ctx, `DELETE FROM process_groups WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete group %s: %w", id, err)
	}
	return nil
}

func scanGroup(row rowScanner) (*model.Group, error) {
	var g model.Group
	var orderJSON string
	var createdAt int64
	if err := row.Scan(&g.ID, &g.Name, &g.Description, &createdAt, &orderJSON); err != nil {
		return nil, err
	}
	g.CreatedAt = time.UnixMilli(createdAt).UTC()
	_ = json.Unmarshal([]byte(orderJSON), &g.StartupOrder)
	return &g, nil
}

// --- retention ---

// Cleanup deletes, in one transaction, logs and metrics older than
// retentionDays and errors older than retentionDays AND already resolved.
// Process and Group rows are never touched.
func (s *Store) Cleanup(ctx context.Context, retentionDays int) error {
	cutoff := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	return s.Transaction(ctx, func(ctx context.Context) error {
		if _, err := s.execer(ctx).ExecContext(ctx, `DELETE FROM logs WHERE timestamp < ?`, cutoff); err != nil {
			return fmt.Errorf("cleanup logs: %w", err)
		}
		if _, err := s.execer(ctx).ExecContext(ctx, `DELETE FROM metrics WHERE timestamp < ?`, cutoff); err != nil {
			return fmt.Errorf("cleanup metrics: %w", err)
		}
		if _, err := s.execer(ctx).ExecContext(ctx,
			`DELETE FROM errors WHERE timestamp < ? AND resolved = 1`, cutoff); err != nil {
			return fmt.Errorf("cleanup errors: %w", err)
		}
		return nil
	})
}

// --- scalar helpers ---

func toEpochMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func nullableEpochMs(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromEpochMs(v sql.NullInt64) time.Time {
	if !v.Valid || v.Int64 == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}

func nullableInt(v int) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(v), Valid: true}
}

func nullableInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}

func nullableString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func nullableHealthStatus(v model.HealthStatus) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(v), Valid: true}
}

package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hochfrequenz/conveyor/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for the lease table, the
// phase journal and the run archive. The lease table is the one shared
// mutable record across executor processes; SQLite's file locking plus
// the slot primary key make acquire/release atomic.
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// One connection so session pragmas apply everywhere, and so an
	// in-memory database is shared between pool handles.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertLease records a new slot binding. A concurrent acquire of the
// same slot or a second lease for the same owner fails the slot or
// owner uniqueness constraint.
func (s *Store) InsertLease(l *domain.Lease) error {
	_, err := s.db.Exec(`
		INSERT INTO leases (slot_index, owner_run_id, workspace_path, port_a, port_b, acquired_at, heartbeat_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		l.SlotIndex,
		l.OwnerRunID,
		l.WorkspacePath,
		l.PortA,
		l.PortB,
		l.AcquiredAt,
		l.HeartbeatAt,
	)
	return err
}

// GetLeaseByOwner returns the lease held by a run, or nil.
func (s *Store) GetLeaseByOwner(runID string) (*domain.Lease, error) {
	row := s.db.QueryRow(`
		SELECT slot_index, owner_run_id, workspace_path, port_a, port_b, acquired_at, heartbeat_at
		FROM leases WHERE owner_run_id = ?
	`, runID)

	l, err := scanLease(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return l, err
}

// DeleteLeaseByOwner releases a run's slot. Releasing a run with no
// lease is not an error.
func (s *Store) DeleteLeaseByOwner(runID string) error {
	_, err := s.db.Exec(`DELETE FROM leases WHERE owner_run_id = ?`, runID)
	return err
}

// DeleteLease frees a slot by index.
func (s *Store) DeleteLease(slotIndex int) error {
	_, err := s.db.Exec(`DELETE FROM leases WHERE slot_index = ?`, slotIndex)
	return err
}

// ListLeases returns all held leases ordered by slot.
func (s *Store) ListLeases() ([]*domain.Lease, error) {
	rows, err := s.db.Query(`
		SELECT slot_index, owner_run_id, workspace_path, port_a, port_b, acquired_at, heartbeat_at
		FROM leases ORDER BY slot_index
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var leases []*domain.Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		leases = append(leases, l)
	}
	return leases, rows.Err()
}

// UsedSlots returns the set of currently held slot indexes.
func (s *Store) UsedSlots() (map[int]bool, error) {
	rows, err := s.db.Query(`SELECT slot_index FROM leases`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	used := make(map[int]bool)
	for rows.Next() {
		var slot int
		if err := rows.Scan(&slot); err != nil {
			return nil, err
		}
		used[slot] = true
	}
	return used, rows.Err()
}

// TouchLease updates a lease's heartbeat timestamp.
func (s *Store) TouchLease(runID string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE leases SET heartbeat_at = ? WHERE owner_run_id = ?`, at, runID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no lease held by run %s", runID)
	}
	return nil
}

// StaleLeases returns leases whose heartbeat is older than the cutoff.
func (s *Store) StaleLeases(cutoff time.Time) ([]*domain.Lease, error) {
	rows, err := s.db.Query(`
		SELECT slot_index, owner_run_id, workspace_path, port_a, port_b, acquired_at, heartbeat_at
		FROM leases WHERE heartbeat_at < ? ORDER BY slot_index
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var leases []*domain.Lease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		leases = append(leases, l)
	}
	return leases, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanLease(row scanner) (*domain.Lease, error) {
	var l domain.Lease
	err := row.Scan(&l.SlotIndex, &l.OwnerRunID, &l.WorkspacePath, &l.PortA, &l.PortB, &l.AcquiredAt, &l.HeartbeatAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// JournalEntry is one row of the phase journal: the durable,
// queryable record of a phase attempt plus its agent usage.
type JournalEntry struct {
	ID           int64
	RunID        string
	Phase        string
	Outcome      domain.PhaseOutcome
	Category     string
	Detail       string
	StartedAt    time.Time
	EndedAt      time.Time
	TokensInput  int
	TokensOutput int
	CostUSD      float64
}

// AppendJournal inserts a journal row for a phase attempt.
func (s *Store) AppendJournal(e *JournalEntry) error {
	res, err := s.db.Exec(`
		INSERT INTO phase_journal (run_id, phase, outcome, category, detail, started_at, ended_at, tokens_input, tokens_output, cost_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.RunID,
		e.Phase,
		string(e.Outcome),
		e.Category,
		e.Detail,
		e.StartedAt,
		e.EndedAt,
		e.TokensInput,
		e.TokensOutput,
		e.CostUSD,
	)
	if err != nil {
		return err
	}
	e.ID, err = res.LastInsertId()
	return err
}

// CountJournal returns the authoritative number of journal records for
// a run. The review phase's data-integrity gate cross-checks rendered
// output against this count.
func (s *Store) CountJournal(runID string) (int64, error) {
	var count int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM phase_journal WHERE run_id = ?`, runID).Scan(&count)
	return count, err
}

// JournalForRun returns all journal rows for a run in append order.
func (s *Store) JournalForRun(runID string) ([]*JournalEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, phase, outcome, category, detail, started_at, ended_at, tokens_input, tokens_output, cost_usd
		FROM phase_journal WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*JournalEntry
	for rows.Next() {
		var e JournalEntry
		var outcome string
		var category, detail sql.NullString
		err := rows.Scan(&e.ID, &e.RunID, &e.Phase, &outcome, &category, &detail,
			&e.StartedAt, &e.EndedAt, &e.TokensInput, &e.TokensOutput, &e.CostUSD)
		if err != nil {
			return nil, err
		}
		e.Outcome = domain.PhaseOutcome(outcome)
		if category.Valid {
			e.Category = category.String
		}
		if detail.Valid {
			e.Detail = detail.String
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// RunUsage sums agent token usage and cost over a run's journal.
func (s *Store) RunUsage(runID string) (tokensIn, tokensOut int, costUSD float64, err error) {
	err = s.db.QueryRow(`
		SELECT COALESCE(SUM(tokens_input), 0), COALESCE(SUM(tokens_output), 0), COALESCE(SUM(cost_usd), 0)
		FROM phase_journal WHERE run_id = ?
	`, runID).Scan(&tokensIn, &tokensOut, &costUSD)
	return
}

// ArchiveRun stores a terminal run's full state record in the archive
// table. Archiving twice replaces the row.
func (s *Store) ArchiveRun(run *domain.Run) error {
	stateJSON, err := json.Marshal(run)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO run_archive (run_id, ticket_ref, chain_name, classification, status, failure_kind, created_at, archived_at, state_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			failure_kind = excluded.failure_kind,
			archived_at = excluded.archived_at,
			state_json = excluded.state_json
	`,
		run.ID,
		run.TicketRef,
		run.ChainName,
		string(run.Classification),
		string(run.Status),
		run.FailureKind,
		run.CreatedAt,
		run.ArchivedAt,
		string(stateJSON),
	)
	return err
}

// GetArchivedRun returns an archived run's state record, or nil.
func (s *Store) GetArchivedRun(runID string) (*domain.Run, error) {
	var stateJSON string
	err := s.db.QueryRow(`SELECT state_json FROM run_archive WHERE run_id = ?`, runID).Scan(&stateJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var run domain.Run
	if err := json.Unmarshal([]byte(stateJSON), &run); err != nil {
		return nil, fmt.Errorf("parse archived state for %s: %w", runID, err)
	}
	return &run, nil
}

// Package analytics records training performance in Postgres. It
// implements the engine's activity log and serves the per-user stats
// surface.
package analytics

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/lxplabs/ai-fabric/internal/logger"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store is the Postgres-backed analytics store.
type Store struct {
	db     *sql.DB
	logger *logger.Logger
}

// New connects to Postgres and applies pending migrations.
func New(databaseURL string, log *logger.Logger) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("analytics: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, fmt.Errorf("analytics: set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return nil, fmt.Errorf("analytics: migrate: %w", err)
	}

	return &Store{db: db, logger: log.WithComponent("analytics")}, nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// LogSessionStart creates the user row if needed and opens a session
// record. Replays of the same session id are ignored.
func (s *Store) LogSessionStart(ctx context.Context, userID, sessionID, personaType, scenario string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, username) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO NOTHING`,
		userID, defaultUsername(userID))
	if err != nil {
		return fmt.Errorf("analytics: upsert user: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_logs (user_id, session_id, persona_type, scenario, start_time)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (session_id) DO NOTHING`,
		userID, sessionID, personaType, scenario)
	if err != nil {
		return fmt.Errorf("analytics: log session start: %w", err)
	}
	return nil
}

// LogMessage appends one message record.
func (s *Store) LogMessage(ctx context.Context, sessionID, userID, role, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_logs (session_id, user_id, role, content, message_length)
		 VALUES ($1, $2, $3, $4, $5)`,
		sessionID, userID, role, content, len([]rune(content)))
	if err != nil {
		return fmt.Errorf("analytics: log message: %w", err)
	}
	return nil
}

// LogSessionEnd closes a session record and rolls the user and daily
// aggregates forward. Runs in one transaction so a crash cannot leave
// the aggregates out of step with the session row.
func (s *Store) LogSessionEnd(ctx context.Context, sessionID string, score float64, feedback string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("analytics: begin: %w", err)
	}
	defer tx.Rollback()

	var userID string
	var startTime time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT user_id, start_time FROM session_logs
		 WHERE session_id = $1 AND end_time IS NULL`,
		sessionID).Scan(&userID, &startTime)
	if err == sql.ErrNoRows {
		// Already closed or never started; nothing to do.
		return nil
	}
	if err != nil {
		return fmt.Errorf("analytics: load session: %w", err)
	}

	var msgCount int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM message_logs WHERE session_id = $1`,
		sessionID).Scan(&msgCount); err != nil {
		return fmt.Errorf("analytics: count messages: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE session_logs
		 SET end_time = now(), message_count = $2, performance_score = $3,
		     feedback = $4, session_duration = EXTRACT(EPOCH FROM now() - start_time)
		 WHERE session_id = $1`,
		sessionID, msgCount, score, feedback)
	if err != nil {
		return fmt.Errorf("analytics: close session: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE users
		 SET total_sessions = total_sessions + 1,
		     total_messages = total_messages + $2,
		     best_score = GREATEST(best_score, $3)
		 WHERE user_id = $1`,
		userID, msgCount, score)
	if err != nil {
		return fmt.Errorf("analytics: update user totals: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO performance_tracking (user_id, day, daily_sessions, avg_daily_score, total_messages)
		 VALUES ($1, CURRENT_DATE, 1, $2, $3)
		 ON CONFLICT (user_id, day) DO UPDATE SET
		     daily_sessions  = performance_tracking.daily_sessions + 1,
		     avg_daily_score = performance_tracking.avg_daily_score * 0.5 + EXCLUDED.avg_daily_score * 0.5,
		     total_messages  = performance_tracking.total_messages + EXCLUDED.total_messages`,
		userID, score, msgCount)
	if err != nil {
		return fmt.Errorf("analytics: update daily tracking: %w", err)
	}

	return tx.Commit()
}

// SessionSummary is one finished session for the user history view.
type SessionSummary struct {
	SessionID   string    `json:"id"`
	PersonaType string    `json:"persona_type"`
	Scenario    string    `json:"scenario"`
	StartedAt   time.Time `json:"startedAt"`
	Score       float64   `json:"score"`
}

// UserSessions returns the user's finished sessions, newest first.
func (s *Store) UserSessions(ctx context.Context, userID string) ([]SessionSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, COALESCE(persona_type, ''), COALESCE(scenario, ''),
		        start_time, COALESCE(performance_score, 0)
		 FROM session_logs
		 WHERE user_id = $1 AND end_time IS NOT NULL
		 ORDER BY start_time DESC`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		if err := rows.Scan(&sum.SessionID, &sum.PersonaType, &sum.Scenario, &sum.StartedAt, &sum.Score); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// UserStats aggregates a user's lifetime performance.
type UserStats struct {
	TotalSessions  int     `json:"total_sessions"`
	TotalMessages  int     `json:"total_messages"`
	BestScore      float64 `json:"best_score"`
	AvgPerformance float64 `json:"avg_performance"`
}

// Stats computes lifetime aggregates for one user.
func (s *Store) Stats(ctx context.Context, userID string) (*UserStats, error) {
	var stats UserStats
	err := s.db.QueryRowContext(ctx,
		`SELECT u.total_sessions, u.total_messages, u.best_score,
		        COALESCE(AVG(sl.performance_score), 0)
		 FROM users u
		 LEFT JOIN session_logs sl ON u.user_id = sl.user_id AND sl.end_time IS NOT NULL
		 WHERE u.user_id = $1
		 GROUP BY u.user_id`,
		userID).Scan(&stats.TotalSessions, &stats.TotalMessages, &stats.BestScore, &stats.AvgPerformance)
	if err == sql.ErrNoRows {
		return &UserStats{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

func defaultUsername(userID string) string {
	if len(userID) > 8 {
		userID = userID[:8]
	}
	return "User_" + userID
}

package cortex

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// RetentionConfig controls the periodic sweep that deletes content rows
// older than RetentionDays. A RetentionDays <= 0 disables the sweep
// entirely; retention is opt-in.
type RetentionConfig struct {
	RetentionDays int
	// Schedule is a standard 5-field cron expression. Defaults to once
	// daily at 03:17 (an off-hour minute, not a round one, so many
	// deployments sweeping on the same schedule don't all land at :00).
	Schedule string
}

func (c RetentionConfig) effectiveSchedule() string {
	if c.Schedule != "" {
		return c.Schedule
	}
	return "17 3 * * *"
}

// RetentionScheduler runs the Cortex retention sweep on a cron schedule
// against the writer's own connection — only the writer may mutate content
// tables, so the sweep is not a separate connection.
type RetentionScheduler struct {
	db     *sql.DB
	cfg    RetentionConfig
	logger *slog.Logger
	cron   *cron.Cron
}

func NewRetentionScheduler(db *sql.DB, cfg RetentionConfig, logger *slog.Logger) *RetentionScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionScheduler{db: db, cfg: cfg, logger: logger.With("component", "cortex.retention")}
}

// Start registers the sweep on the configured schedule and begins running
// it. Callers should call Stop on shutdown.
func (s *RetentionScheduler) Start() error {
	if s.cfg.RetentionDays <= 0 {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.effectiveSchedule(), func() { s.Sweep() }); err != nil {
		return fmt.Errorf("cortex: schedule retention sweep: %w", err)
	}
	s.cron = c
	c.Start()
	return nil
}

func (s *RetentionScheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// tableSweep pairs a content table with its FTS side-index (empty if none).
var tableSweeps = []struct {
	table string
	fts   string
}{
	{"thinking_blocks", "thinking_fts"},
	{"user_prompts", "prompts_fts"},
	{"assistant_responses", "responses_fts"},
	{"todos", ""},
}

// Sweep deletes rows with timestamp < now - RetentionDays from every
// content table. FTS rows are deleted explicitly (FTS5 doesn't observe
// foreign keys); embedding rows cascade via the ON DELETE CASCADE foreign
// key to the content row.
func (s *RetentionScheduler) Sweep() {
	cutoff := time.Now().AddDate(0, 0, -s.cfg.RetentionDays)

	for _, ts := range tableSweeps {
		if err := s.sweepTable(ts.table, ts.fts, cutoff); err != nil {
			s.logger.Error("retention sweep failed", "table", ts.table, "error", err)
		}
	}
}

func (s *RetentionScheduler) sweepTable(table, fts string, cutoff time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if fts != "" {
		if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE rowid IN (SELECT id FROM %s WHERE timestamp < ?)`, fts, table), cutoff); err != nil {
			return err
		}
	}
	res, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE timestamp < ?`, table), cutoff)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.logger.Info("retention swept rows", "table", table, "rows", n)
	}
	return nil
}

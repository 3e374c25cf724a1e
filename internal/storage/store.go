// Package storage persists run transcripts with GORM. Two backends share the
// same models: SQLite (default, zero-config, pure Go through glebarez/sqlite)
// and PostgreSQL.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/jkaninda/codeagent/internal/agent"
	"github.com/jkaninda/codeagent/internal/llm"
)

// Driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrRunNotFound is returned for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

// Config selects and configures the backend.
type Config struct {
	Driver string // "sqlite" (default) or "postgres"
	Path   string // SQLite database file.
	DSN    string // PostgreSQL connection string.
	Debug  bool   // Log every statement.

	MaxOpenConns    int           // PostgreSQL only. Default: 25
	MaxIdleConns    int           // PostgreSQL only. Default: 5
	ConnMaxLifetime time.Duration // PostgreSQL only. Default: 30m
}

func (c Config) driver() string {
	if c.Driver == "" {
		return DriverSQLite
	}
	return c.Driver
}

func (c Config) maxOpen() int {
	if c.MaxOpenConns > 0 {
		return c.MaxOpenConns
	}
	return 25
}

func (c Config) maxIdle() int {
	if c.MaxIdleConns > 0 {
		return c.MaxIdleConns
	}
	return 5
}

func (c Config) maxLifetime() time.Duration {
	if c.ConnMaxLifetime > 0 {
		return c.ConnMaxLifetime
	}
	return 30 * time.Minute
}

// Store implements agent.TranscriptStore on top of GORM.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	driver string
}

// Compile-time interface check.
var _ agent.TranscriptStore = (*Store)(nil)

// Open connects to the configured backend and runs AutoMigrate.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	level := logger.Warn
	if cfg.Debug {
		level = logger.Info
	}
	gormLogger := logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
		},
	)

	var dialector gorm.Dialector
	switch cfg.driver() {
	case DriverSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("sqlite path is required")
		}
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
		}
		dsn := fmt.Sprintf("%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path)
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres dsn is required")
		}
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  gormLogger,
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", cfg.driver(), err)
	}

	if cfg.driver() == DriverPostgres {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
		}
		sqlDB.SetMaxOpenConns(cfg.maxOpen())
		sqlDB.SetMaxIdleConns(cfg.maxIdle())
		sqlDB.SetConnMaxLifetime(cfg.maxLifetime())
	}

	s := &Store{db: db, logger: slogger, driver: cfg.driver()}
	if err := s.Migrate(context.Background()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("auto-migrating: %w", err)
	}

	slogger.Info("transcript store opened", slog.String("driver", s.driver))
	return s, nil
}

// Migrate creates or updates the tables.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&RunModel{},
		&TurnModel{},
		&ToolCallModel{},
	)
}

// Driver returns the storage driver name.
func (s *Store) Driver() string { return s.driver }

// Ping checks the database connection for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateRun records the start of a run.
func (s *Store) CreateRun(ctx context.Context, run agent.RunRecord) error {
	model := RunModel{
		ID:        run.ID,
		Prompt:    run.Prompt,
		Provider:  run.Provider,
		MaxRounds: run.MaxRounds,
		Phase:     string(agent.PhaseAwaitingModel),
		StartedAt: run.StartedAt,
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating run %s: %w", run.ID, err)
	}
	return nil
}

// AppendTurn stores one turn and keeps the tool_calls table in step: tool_use
// blocks open a row, tool_result blocks complete it.
func (s *Store) AppendTurn(ctx context.Context, runID string, index int, msg llm.Message) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var run RunModel
		err := tx.Select("id").Where("id = ?", runID).First(&run).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
		}
		if err != nil {
			return fmt.Errorf("looking up run: %w", err)
		}

		var count int64
		if err := tx.Model(&TurnModel{}).Where("run_id = ?", runID).Count(&count).Error; err != nil {
			return fmt.Errorf("counting turns: %w", err)
		}
		if int64(index) != count {
			return fmt.Errorf("run %s: turn index %d out of sequence (have %d)", runID, index, count)
		}

		turn, err := toTurnModel(runID, index, msg)
		if err != nil {
			return err
		}
		if err := tx.Create(&turn).Error; err != nil {
			return fmt.Errorf("inserting turn: %w", err)
		}

		switch msg.Role {
		case llm.RoleAssistant:
			calls, err := toToolCallModels(runID, roundOf(index), msg.ContentBlocks)
			if err != nil {
				return err
			}
			if len(calls) > 0 {
				if err := tx.Create(&calls).Error; err != nil {
					return fmt.Errorf("inserting tool calls: %w", err)
				}
			}
		case llm.RoleUser:
			for _, blk := range msg.ContentBlocks {
				if blk.Type != llm.BlockToolResult {
					continue
				}
				err := tx.Model(&ToolCallModel{}).
					Where("run_id = ? AND call_id = ? AND completed = ?", runID, blk.ToolUseID, false).
					Updates(map[string]any{
						"completed": true,
						"is_error":  blk.IsError,
						"output":    blk.Text,
					}).Error
				if err != nil {
					return fmt.Errorf("completing tool call %s: %w", blk.ToolUseID, err)
				}
			}
		}
		return nil
	})
}

// FinishRun records the terminal outcome.
func (s *Store) FinishRun(ctx context.Context, runID string, outcome agent.Outcome) error {
	finished := outcome.FinishedAt
	if finished.IsZero() {
		finished = time.Now().UTC()
	}
	res := s.db.WithContext(ctx).
		Model(&RunModel{}).
		Where("id = ?", runID).
		Updates(map[string]any{
			"phase":         string(outcome.Phase),
			"rounds":        outcome.Rounds,
			"tool_calls":    outcome.ToolCalls,
			"message":       outcome.Message,
			"error":         outcome.Error,
			"input_tokens":  outcome.Usage.InputTokens,
			"output_tokens": outcome.Usage.OutputTokens,
			"finished_at":   finished,
		})
	if res.Error != nil {
		return fmt.Errorf("finishing run %s: %w", runID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	return nil
}

// GetRun returns a run summary.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	var model RunModel
	err := s.db.WithContext(ctx).Where("id = ?", runID).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading run: %w", err)
	}
	run := toRun(&model)
	return &run, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []RunModel
	err := s.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	runs := make([]Run, len(models))
	for i := range models {
		runs[i] = toRun(&models[i])
	}
	return runs, nil
}

// Turns returns the conversation history of a run, oldest first.
func (s *Store) Turns(ctx context.Context, runID string) ([]llm.Message, error) {
	var models []TurnModel
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("seq_num ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("loading turns: %w", err)
	}
	messages := make([]llm.Message, len(models))
	for i := range models {
		msg, err := toMessage(&models[i])
		if err != nil {
			return nil, err
		}
		messages[i] = msg
	}
	return messages, nil
}

// ToolCalls returns the calls of a run in dispatch order.
func (s *Store) ToolCalls(ctx context.Context, runID string) ([]ToolCall, error) {
	var models []ToolCallModel
	err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("round_num ASC").
		Order("call_index ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("loading tool calls: %w", err)
	}
	calls := make([]ToolCall, len(models))
	for i := range models {
		calls[i] = toToolCall(&models[i])
	}
	return calls, nil
}

// roundOf maps a history index to its round. Index 0 is the prompt; each
// round adds an assistant turn and, if tools ran, a results turn.
func roundOf(index int) int {
	return (index + 1) / 2
}

// slogAdapter wraps *slog.Logger for GORM's logger.Writer interface.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Info(fmt.Sprintf(format, args...))
}

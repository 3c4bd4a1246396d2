package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	log "github.com/nghyane/llm-failover/internal/logging"
	"github.com/nghyane/llm-failover/internal/util"
	_ "modernc.org/sqlite"
)

// Persister writes call records to SQLite (or Postgres for postgres:// DSNs)
// with async batched writes and daily retention cleanup.
type Persister struct {
	db            *sql.DB
	dialect       dialect
	recordChan    chan CallRecord
	flushTicker   *time.Ticker
	wg            sync.WaitGroup
	stopOnce      sync.Once
	stopChan      chan struct{}
	batchSize     int
	retentionDays int
	cleanupTicker *time.Ticker
	dsn           string
}

// PersisterConfig configures NewPersister. Zero values take defaults.
type PersisterConfig struct {
	DSN           string
	BatchSize     int
	FlushInterval time.Duration
	RetentionDays int
}

const (
	defaultBatchSize         = 100
	defaultFlushInterval     = 5 * time.Second
	defaultRetentionDays     = 30
	defaultChannelBufferSize = 1000
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// placeholders returns n bind parameters for the dialect.
func (d dialect) placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		if d == dialectPostgres {
			parts[i] = fmt.Sprintf("$%d", i+1)
		} else {
			parts[i] = "?"
		}
	}
	return strings.Join(parts, ", ")
}

func isPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// NewPersister opens the database, prepares the schema and starts the
// background writer.
func NewPersister(cfg PersisterConfig) (*Persister, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	var (
		db  *sql.DB
		d   dialect
		err error
	)
	if isPostgresDSN(dsn) {
		d = dialectPostgres
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(4)
	} else {
		if dsn, err = util.ResolvePath(dsn); err != nil {
			return nil, err
		}
		if err = os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		db, err = sql.Open("sqlite", dsn+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		// single writer
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}

	if err = initSchema(db, d); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	retentionDays := cfg.RetentionDays
	if retentionDays <= 0 {
		retentionDays = defaultRetentionDays
	}

	p := &Persister{
		db:            db,
		dialect:       d,
		recordChan:    make(chan CallRecord, defaultChannelBufferSize),
		flushTicker:   time.NewTicker(flushInterval),
		stopChan:      make(chan struct{}),
		batchSize:     batchSize,
		retentionDays: retentionDays,
		cleanupTicker: time.NewTicker(24 * time.Hour),
		dsn:           dsn,
	}

	p.wg.Add(2)
	go p.writeLoop()
	go p.cleanupLoop()

	return p, nil
}

func initSchema(db *sql.DB, d dialect) error {
	idColumn := "id INTEGER PRIMARY KEY AUTOINCREMENT"
	if d == dialectPostgres {
		idColumn = "id BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS provider_calls (
			` + idColumn + `,
			provider TEXT NOT NULL,
			modality TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 1,
			requested_at TIMESTAMP NOT NULL,
			elapsed_ms BIGINT NOT NULL DEFAULT 0,
			failed BOOLEAN NOT NULL DEFAULT FALSE,
			error_code TEXT NOT NULL DEFAULT '',
			prompt_tokens BIGINT NOT NULL DEFAULT 0,
			completion_tokens BIGINT NOT NULL DEFAULT 0,
			total_tokens BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_requested_at ON provider_calls(requested_at)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_provider_modality ON provider_calls(provider, modality)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_user ON provider_calls(user_id)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Enqueue implements Sink. It never blocks; records are dropped when the
// queue is full.
func (p *Persister) Enqueue(record CallRecord) {
	if p == nil {
		return
	}
	select {
	case p.recordChan <- record:
	default:
		log.Warnf("Usage persistence queue full, dropping record for %s/%s", record.Provider, record.Modality)
	}
}

func (p *Persister) writeLoop() {
	defer p.wg.Done()

	batch := make([]CallRecord, 0, p.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := p.writeBatch(batch); err != nil {
			log.Errorf("Failed to write usage batch: %v", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case record := <-p.recordChan:
			batch = append(batch, record)
			if len(batch) >= p.batchSize {
				flush()
			}
		case <-p.flushTicker.C:
			flush()
		case <-p.stopChan:
			for {
				select {
				case record := <-p.recordChan:
					batch = append(batch, record)
					if len(batch) >= p.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

func (p *Persister) writeBatch(records []CallRecord) error {
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO provider_calls (
			provider, modality, user_id, attempt, requested_at, elapsed_ms,
			failed, error_code, prompt_tokens, completion_tokens, total_tokens
		) VALUES (`+p.dialect.placeholders(11)+`)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		_, err := stmt.ExecContext(ctx,
			r.Provider,
			string(r.Modality),
			r.UserID,
			r.Attempt,
			r.RequestedAt.UTC(),
			r.Elapsed.Milliseconds(),
			r.Failed,
			string(r.ErrorCode),
			r.Usage.PromptTokens,
			r.Usage.CompletionTokens,
			r.Usage.TotalTokens,
		)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to insert record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (p *Persister) cleanupLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.cleanupTicker.C:
			if _, err := p.cleanup(time.Now()); err != nil {
				log.Errorf("Failed to cleanup old usage records: %v", err)
			}
		case <-p.stopChan:
			return
		}
	}
}

// cleanup removes records older than the retention period relative to now.
func (p *Persister) cleanup(now time.Time) (int64, error) {
	cutoff := now.AddDate(0, 0, -p.retentionDays).UTC()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	result, err := p.db.ExecContext(ctx, `DELETE FROM provider_calls WHERE requested_at < `+p.dialect.placeholders(1), cutoff)
	if err != nil {
		return 0, err
	}
	rows, _ := result.RowsAffected()
	if rows > 0 {
		log.Infof("Cleaned up %d usage records older than %d days", rows, p.retentionDays)
	}
	return rows, nil
}

// Stop flushes pending writes and closes the database.
func (p *Persister) Stop() error {
	if p == nil {
		return nil
	}

	var err error
	p.stopOnce.Do(func() {
		close(p.stopChan)
		p.flushTicker.Stop()
		p.cleanupTicker.Stop()
		p.wg.Wait()
		if p.db != nil {
			err = p.db.Close()
		}
	})
	return err
}

// DSN returns the resolved data source name.
func (p *Persister) DSN() string {
	if p == nil {
		return ""
	}
	return p.dsn
}

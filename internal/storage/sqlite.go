package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/dgnsrekt/allproxy/internal/message"
)

// ExchangeRecord is the sqlite row for one archived exchange.
type ExchangeRecord struct {
	ID             string    `gorm:"primaryKey" json:"id"`
	SequenceNumber float64   `gorm:"index" json:"sequenceNumber"`
	Protocol       string    `gorm:"index" json:"protocol"`
	Method         string    `json:"method"`
	URL            string    `json:"url"`
	Endpoint       string    `json:"endpoint"`
	Status         int       `json:"status"`
	ClientIP       string    `json:"clientIp"`
	ServerHost     string    `json:"serverHost"`
	ElapsedMs      float64   `json:"elapsedTime"`
	MessageJSON    string    `gorm:"type:text" json:"-"`
	RecordedAt     time.Time `gorm:"index" json:"recordedAt"`
}

// SQLiteArchive stores exchanges in a sqlite database through gorm. Inserts run
// on one background goroutine.
type SQLiteArchive struct {
	db           *gorm.DB
	maxBodyBytes int
	writeCh      chan Record
	done         chan struct{}
	wg           sync.WaitGroup
}

// OpenSQLite opens (or creates) dir/archive.db and migrates the schema.
func OpenSQLite(dir string, maxBodyBytes int) (*SQLiteArchive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, "archive.db")
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: newGormLogger(logger.Warn)})
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite %s: %w", path, err)
	}
	if err := db.AutoMigrate(&ExchangeRecord{}); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}

	a := &SQLiteArchive{
		db:           db,
		maxBodyBytes: maxBodyBytes,
		writeCh:      make(chan Record, 1024),
		done:         make(chan struct{}),
	}
	a.wg.Add(1)
	go a.writeLoop()
	slog.Info("Opened sqlite archive", "file", path)
	return a, nil
}

// Record queues msg for insertion, dropping it when the queue is full.
func (a *SQLiteArchive) Record(msg message.Message) {
	select {
	case <-a.done:
		return
	default:
	}
	select {
	case a.writeCh <- NewRecord(capBodies(msg, a.maxBodyBytes)):
	default:
		slog.Warn("sqlite archive buffer full, dropping record", "protocol", msg.Protocol)
	}
}

func (a *SQLiteArchive) writeLoop() {
	defer a.wg.Done()
	for {
		select {
		case rec := <-a.writeCh:
			a.insert(rec)
		case <-a.done:
			for {
				select {
				case rec := <-a.writeCh:
					a.insert(rec)
				default:
					return
				}
			}
		}
	}
}

func (a *SQLiteArchive) insert(rec Record) {
	payload, err := json.Marshal(rec.Message)
	if err != nil {
		slog.Error("Failed to marshal archived message", "error", err)
		return
	}
	m := rec.Message
	row := ExchangeRecord{
		ID:             rec.ID,
		SequenceNumber: m.SequenceNumber,
		Protocol:       m.Protocol,
		Method:         m.Method,
		URL:            m.URL,
		Endpoint:       m.Endpoint,
		Status:         m.Status,
		ClientIP:       m.ClientIP,
		ServerHost:     m.ServerHost,
		ElapsedMs:      m.ElapsedTime,
		MessageJSON:    string(payload),
		RecordedAt:     rec.RecordedAt,
	}
	if err := a.db.Create(&row).Error; err != nil {
		slog.Error("Failed to insert archive row", "id", rec.ID, "error", err)
	}
}

// Recent returns up to limit newest records, optionally for one protocol.
func (a *SQLiteArchive) Recent(limit int, protocol string) ([]Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := a.db.Order("sequence_number DESC").Limit(limit)
	if protocol != "" {
		q = q.Where("protocol = ?", protocol)
	}
	var rows []ExchangeRecord
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("storage: query recent: %w", err)
	}

	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		var m message.Message
		if err := json.Unmarshal([]byte(row.MessageJSON), &m); err != nil {
			slog.Warn("Skipping unreadable archive row", "id", row.ID, "error", err)
			continue
		}
		out = append(out, Record{ID: row.ID, RecordedAt: row.RecordedAt, Message: m})
	}
	return out, nil
}

// Close flushes queued records and closes the database.
func (a *SQLiteArchive) Close() error {
	close(a.done)
	a.wg.Wait()
	sqlDB, err := a.db.DB()
	if err != nil {
		return fmt.Errorf("storage: sqlite handle: %w", err)
	}
	return sqlDB.Close()
}

// gormLogger routes gorm's logging into slog.
type gormLogger struct {
	level logger.LogLevel
}

func newGormLogger(level logger.LogLevel) *gormLogger {
	return &gormLogger{level: level}
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	out := *l
	out.level = level
	return &out
}

func (l *gormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Info {
		slog.InfoContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Warn {
		slog.WarnContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Error {
		slog.ErrorContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && err != gorm.ErrRecordNotFound && l.level >= logger.Error:
		sql, rows := fc()
		slog.ErrorContext(ctx, "SQL error", "sql", sql, "rows", rows, "error", err)
	case elapsed > time.Second && l.level >= logger.Warn:
		sql, rows := fc()
		slog.WarnContext(ctx, "Slow SQL", "sql", sql, "rows", rows, "duration_ms", elapsed.Milliseconds())
	case l.level == logger.Info:
		sql, rows := fc()
		slog.DebugContext(ctx, "SQL", "sql", sql, "rows", rows)
	}
}

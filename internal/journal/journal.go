// Package journal persists gap lifecycle events to SQLite.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fvgscanner/internal/fvg"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const batchSize = 200

// Config selects the database file.
type Config struct {
	// Path is the SQLite file. ":memory:" keeps the journal in memory.
	Path string `mapstructure:"path"`

	// Retention is how long events are kept. Zero keeps them forever.
	Retention time.Duration `mapstructure:"retention"`
}

// GapEvent is one stored lifecycle transition.
type GapEvent struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	Kind           string    `gorm:"size:16;index" json:"kind"`
	Symbol         string    `gorm:"size:32;index:idx_gap,priority:1" json:"symbol"`
	Timeframe      string    `gorm:"size:8;index:idx_gap,priority:2" json:"timeframe"`
	Direction      string    `gorm:"size:8;index:idx_gap,priority:3" json:"direction"`
	GapCreatedAt   time.Time `gorm:"index:idx_gap,priority:4" json:"gapCreatedAt"`
	Top            float64   `json:"top"`
	Bottom         float64   `json:"bottom"`
	OriginalTop    float64   `json:"originalTop"`
	OriginalBottom float64   `json:"originalBottom"`
	Tested         bool      `json:"tested"`
	At             time.Time `gorm:"index" json:"at"`
	CreatedAt      time.Time `json:"-"`
}

// Journal stores gap events.
type Journal struct {
	db        *gorm.DB
	retention time.Duration
	logger    zerolog.Logger
}

// gormWriter routes gorm's own logging through zerolog.
type gormWriter struct {
	logger zerolog.Logger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.logger.Warn().Msgf(format, args...)
}

// Open connects to the database and migrates the schema.
func Open(cfg Config) (*Journal, error) {
	if cfg.Path == "" {
		return nil, errors.New("journal path is required")
	}

	zl := log.With().Str("component", "journal").Logger()
	gormConfig := &gorm.Config{
		Logger: logger.New(gormWriter{logger: zl}, logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(sqlite.Open(cfg.Path), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(0)

	if err := db.AutoMigrate(&GapEvent{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}

	zl.Info().Str("path", cfg.Path).Dur("retention", cfg.Retention).Msg("journal opened")
	return &Journal{db: db, retention: cfg.Retention, logger: zl}, nil
}

// Record stores events in one transaction.
func (j *Journal) Record(ctx context.Context, events []fvg.Event) error {
	if len(events) == 0 {
		return nil
	}

	rows := make([]GapEvent, len(events))
	for i, ev := range events {
		g := ev.Gap
		rows[i] = GapEvent{
			Kind:           string(ev.Kind),
			Symbol:         g.ID.Symbol,
			Timeframe:      string(g.ID.Timeframe),
			Direction:      g.ID.Direction.String(),
			GapCreatedAt:   g.ID.CreatedAt.UTC(),
			Top:            g.Top,
			Bottom:         g.Bottom,
			OriginalTop:    g.OriginalTop,
			OriginalBottom: g.OriginalBottom,
			Tested:         g.Tested,
			At:             ev.At.UTC(),
		}
	}

	if err := j.db.WithContext(ctx).CreateInBatches(rows, batchSize).Error; err != nil {
		return fmt.Errorf("record %d events: %w", len(rows), err)
	}
	return nil
}

// History returns the newest events of a symbol, newest first. A limit of
// zero returns all of them.
func (j *Journal) History(ctx context.Context, symbol string, limit int) ([]GapEvent, error) {
	var events []GapEvent
	query := j.db.WithContext(ctx).Where("symbol = ?", symbol)
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Order("at DESC, id DESC").Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// CountByKind returns the number of stored events per kind.
func (j *Journal) CountByKind(ctx context.Context) (map[fvg.EventKind]int64, error) {
	var rows []struct {
		Kind  string
		Total int64
	}
	err := j.db.WithContext(ctx).
		Model(&GapEvent{}).
		Select("kind, count(*) as total").
		Group("kind").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make(map[fvg.EventKind]int64, len(rows))
	for _, r := range rows {
		out[fvg.EventKind(r.Kind)] = r.Total
	}
	return out, nil
}

// Prune deletes events older than the retention window relative to now.
func (j *Journal) Prune(ctx context.Context, now time.Time) (int64, error) {
	if j.retention <= 0 {
		return 0, nil
	}
	res := j.db.WithContext(ctx).Where("at < ?", now.Add(-j.retention).UTC()).Delete(&GapEvent{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		j.logger.Info().Int64("events", res.RowsAffected).Msg("journal pruned")
	}
	return res.RowsAffected, nil
}

// Close releases the database.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

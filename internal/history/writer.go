package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"hl-cycle-bot/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// OrderRecord is one submitted order, open or close, with its outcome.
type OrderRecord struct {
	Time       time.Time
	Asset      string
	Side       string
	Kind       string
	Size       string
	LimitPrice string
	Succeeded  bool
	ErrorText  string
}

// CycleRecord is one full open/close round trip.
type CycleRecord struct {
	Time      time.Time
	Asset     string
	Side      string
	MarginUSD string
	Leverage  int
}

// Writer persists order and cycle records asynchronously so a slow database
// never blocks the trading path. Records are dropped when the queue is full.
type Writer struct {
	db        *sql.DB
	log       *zap.Logger
	schema    string
	orders    chan OrderRecord
	cycles    chan CycleRecord
	started   atomic.Bool
	dropOrder atomic.Uint64
	dropCycle atomic.Uint64
}

func New(cfg config.HistoryConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("history dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	writer := &Writer{
		db:     db,
		log:    log,
		schema: schema,
		orders: make(chan OrderRecord, queueSize),
		cycles: make(chan CycleRecord, queueSize),
	}
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *Writer) EnqueueOrder(record OrderRecord) {
	if w == nil {
		return
	}
	select {
	case w.orders <- record:
		return
	default:
		if w.dropOrder.Add(1) == 1 && w.log != nil {
			w.log.Warn("history order queue full")
		}
	}
}

func (w *Writer) EnqueueCycle(record CycleRecord) {
	if w == nil {
		return
	}
	select {
	case w.cycles <- record:
		return
	default:
		if w.dropCycle.Add(1) == 1 && w.log != nil {
			w.log.Warn("history cycle queue full")
		}
	}
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case record := <-w.orders:
			w.writeOrder(ctx, record)
		case record := <-w.cycles:
			w.writeCycle(ctx, record)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("history db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		asset TEXT NOT NULL,
		side TEXT NOT NULL,
		kind TEXT NOT NULL,
		size TEXT NOT NULL,
		limit_price TEXT NOT NULL,
		succeeded BOOLEAN NOT NULL,
		error_text TEXT NOT NULL DEFAULT ''
	)`, w.table("orders"))); err != nil {
		return err
	}
	return w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		asset TEXT NOT NULL,
		side TEXT NOT NULL,
		margin_usd TEXT NOT NULL,
		leverage INTEGER NOT NULL
	)`, w.table("cycles")))
}

func (w *Writer) writeOrder(ctx context.Context, record OrderRecord) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, asset, side, kind, size, limit_price, succeeded, error_text
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, w.table("orders"))
	if _, err := w.db.ExecContext(ctx, query,
		record.Time,
		record.Asset,
		record.Side,
		record.Kind,
		record.Size,
		record.LimitPrice,
		record.Succeeded,
		record.ErrorText,
	); err != nil && w.log != nil {
		w.log.Warn("history order write failed", zap.Error(err))
	}
}

func (w *Writer) writeCycle(ctx context.Context, record CycleRecord) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, asset, side, margin_usd, leverage
	) VALUES ($1,$2,$3,$4,$5)`, w.table("cycles"))
	if _, err := w.db.ExecContext(ctx, query,
		record.Time,
		record.Asset,
		record.Side,
		record.MarginUSD,
		record.Leverage,
	); err != nil && w.log != nil {
		w.log.Warn("history cycle write failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}

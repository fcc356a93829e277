// Package index keeps a queryable sqlite copy of committed settlement events:
// orders with their current escrow status, fills and purchases. The keeper
// finds expired orders here and the API serves order bodies from it.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/mattn/go-sqlite3"

	"github.com/speedrun-hq/speedrun-settlement/pkg/codec"
	"github.com/speedrun-hq/speedrun-settlement/pkg/encoding"
	"github.com/speedrun-hq/speedrun-settlement/pkg/logger"
	"github.com/speedrun-hq/speedrun-settlement/pkg/models"
)

// ErrNotFound is returned when a record is not in the index
var ErrNotFound = errors.New("not found in index")

// Entry is an indexed order
type Entry struct {
	DomainID    int
	OrderID     common.Hash
	Status      models.EscrowStatus
	Expires     uint32
	Order       models.Order
	Solver      common.Hash
	Destination common.Address
}

// FillEntry is an indexed fill
type FillEntry struct {
	DomainID    int
	OrderID     common.Hash
	OutputHash  common.Hash
	Solver      common.Hash
	Timestamp   uint32
	FinalAmount *big.Int
}

// Index is an event sink writing to sqlite
type Index struct {
	db     *sql.DB
	logger logger.Logger
}

// Open opens or creates the index database at path
func Open(path string, log logger.Logger) (*Index, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index %s: %w", path, err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	ix, err := New(db, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return ix, nil
}

// New creates an index over db, creating tables as needed
func New(db *sql.DB, log logger.Logger) (*Index, error) {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	if err := InitDB(db); err != nil {
		return nil, err
	}
	return &Index{db: db, logger: log}, nil
}

// InitDB creates the index tables
func InitDB(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS orders (
			domain_id INTEGER NOT NULL,
			order_id TEXT NOT NULL,
			status INTEGER NOT NULL,
			expires INTEGER NOT NULL,
			body BLOB NOT NULL,
			solver TEXT,
			destination TEXT,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (domain_id, order_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create orders table: %w", err)
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS orders_status_expires ON orders (domain_id, status, expires)`)
	if err != nil {
		return fmt.Errorf("failed to create orders index: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS fills (
			domain_id INTEGER NOT NULL,
			order_id TEXT NOT NULL,
			output_hash TEXT NOT NULL,
			solver TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			final_amount TEXT NOT NULL,
			PRIMARY KEY (domain_id, order_id, output_hash)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create fills table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS purchases (
			domain_id INTEGER NOT NULL,
			order_id TEXT NOT NULL,
			solver TEXT NOT NULL,
			purchaser TEXT NOT NULL,
			ingestion_timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create purchases table: %w", err)
	}
	return nil
}

// HandleEvent records a committed event. Failures are logged; the event
// itself is already final.
func (ix *Index) HandleEvent(ctx context.Context, ev models.Event) {
	domainID := int(ev.DomainID.Int64())
	if err := ix.apply(ctx, domainID, ev); err != nil {
		ix.logger.ErrorWithChain(domainID, "Failed to index %s event for order %s: %v", ev.Kind, ev.OrderID.Hex(), err)
	}
}

func (ix *Index) apply(ctx context.Context, domainID int, ev models.Event) error {
	switch payload := ev.Payload.(type) {
	case models.OpenEvent:
		body, err := codec.Marshal(payload.Order)
		if err != nil {
			return err
		}
		_, err = ix.db.ExecContext(ctx, `
			INSERT INTO orders (domain_id, order_id, status, expires, body)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (domain_id, order_id) DO UPDATE SET status = excluded.status, updated_at = CURRENT_TIMESTAMP
		`, domainID, ev.OrderID.Hex(), models.StatusLocked, payload.Order.Expires, body)
		return err

	case models.FinalizedEvent:
		return ix.setStatus(ctx, domainID, ev.OrderID, models.StatusSettled, payload.Solver.Hex(), payload.Destination.Hex())

	case models.RefundedEvent:
		return ix.setStatus(ctx, domainID, ev.OrderID, models.StatusRefunded, "", "")

	case models.OrderPurchasedEvent:
		_, err := ix.db.ExecContext(ctx, `
			INSERT INTO purchases (domain_id, order_id, solver, purchaser) VALUES (?, ?, ?, ?)
		`, domainID, ev.OrderID.Hex(), payload.Solver.Hex(), payload.Purchaser.Hex())
		return err

	case models.OutputFilledEvent:
		outputHash, err := encoding.OutputHash(payload.Output)
		if err != nil {
			return err
		}
		_, err = ix.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO fills (domain_id, order_id, output_hash, solver, timestamp, final_amount)
			VALUES (?, ?, ?, ?, ?, ?)
		`, domainID, ev.OrderID.Hex(), outputHash.Hex(), payload.Solver.Hex(), payload.Timestamp, payload.FinalAmount.String())
		return err

	default:
		ix.logger.DebugWithChain(domainID, "Ignoring %s event with payload %T", ev.Kind, ev.Payload)
		return nil
	}
}

func (ix *Index) setStatus(ctx context.Context, domainID int, orderID common.Hash, status models.EscrowStatus, solver, destination string) error {
	res, err := ix.db.ExecContext(ctx, `
		UPDATE orders SET status = ?, solver = NULLIF(?, ''), destination = NULLIF(?, ''), updated_at = CURRENT_TIMESTAMP
		WHERE domain_id = ? AND order_id = ?
	`, status, solver, destination, domainID, orderID.Hex())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: order %s", ErrNotFound, orderID.Hex())
	}
	return nil
}

const orderColumns = `domain_id, order_id, status, expires, body, COALESCE(solver, ''), COALESCE(destination, '')`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e                            Entry
		orderID, solver, destination string
		body                         []byte
	)
	if err := row.Scan(&e.DomainID, &orderID, &e.Status, &e.Expires, &body, &solver, &destination); err != nil {
		return Entry{}, err
	}
	if err := codec.Unmarshal(body, &e.Order); err != nil {
		return Entry{}, fmt.Errorf("failed to decode order %s: %w", orderID, err)
	}
	e.OrderID = common.HexToHash(orderID)
	if solver != "" {
		e.Solver = common.HexToHash(solver)
	}
	if destination != "" {
		e.Destination = common.HexToAddress(destination)
	}
	return e, nil
}

// Order returns the indexed order
func (ix *Index) Order(ctx context.Context, domainID int, orderID common.Hash) (Entry, error) {
	row := ix.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE domain_id = ? AND order_id = ?`, domainID, orderID.Hex())
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: order %s on domain %d", ErrNotFound, orderID.Hex(), domainID)
	}
	return e, err
}

// ExpiredLocked returns up to limit locked orders of domainID with expires <= now, oldest first
func (ix *Index) ExpiredLocked(ctx context.Context, domainID int, now uint32, limit int) ([]Entry, error) {
	rows, err := ix.db.QueryContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE domain_id = ? AND status = ? AND expires <= ?
		ORDER BY expires ASC
		LIMIT ?
	`, domainID, models.StatusLocked, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Fill returns the indexed fill of one output
func (ix *Index) Fill(ctx context.Context, domainID int, orderID, outputHash common.Hash) (FillEntry, error) {
	var (
		f                   FillEntry
		solver, finalAmount string
	)
	err := ix.db.QueryRowContext(ctx, `
		SELECT solver, timestamp, final_amount FROM fills WHERE domain_id = ? AND order_id = ? AND output_hash = ?
	`, domainID, orderID.Hex(), outputHash.Hex()).Scan(&solver, &f.Timestamp, &finalAmount)
	if errors.Is(err, sql.ErrNoRows) {
		return FillEntry{}, fmt.Errorf("%w: fill %s/%s on domain %d", ErrNotFound, orderID.Hex(), outputHash.Hex(), domainID)
	}
	if err != nil {
		return FillEntry{}, err
	}

	amount, ok := new(big.Int).SetString(finalAmount, 10)
	if !ok {
		return FillEntry{}, fmt.Errorf("invalid indexed amount %q", finalAmount)
	}
	f.DomainID = domainID
	f.OrderID = orderID
	f.OutputHash = outputHash
	f.Solver = common.HexToHash(solver)
	f.FinalAmount = amount
	return f, nil
}

// Purchasers lists the purchasers recorded for an order, in purchase order
func (ix *Index) Purchasers(ctx context.Context, domainID int, orderID common.Hash) ([]common.Hash, error) {
	rows, err := ix.db.QueryContext(ctx, `
		SELECT purchaser FROM purchases WHERE domain_id = ? AND order_id = ? ORDER BY rowid
	`, domainID, orderID.Hex())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []common.Hash
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, common.HexToHash(p))
	}
	return out, rows.Err()
}

// Ping checks the database connection
func (ix *Index) Ping(ctx context.Context) error {
	return ix.db.PingContext(ctx)
}

// Close closes the database
func (ix *Index) Close() error {
	return ix.db.Close()
}

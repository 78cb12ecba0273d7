package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/parquet-go/parquet-go"

	"autotrader/internal/domain"
)

// ParquetArchive writes an audit copy of orders and snapshots to Parquet
// files on disk. Rewriting a file merges by record ID, so archiving the same
// day twice is harmless.
type ParquetArchive struct {
	DataDir string
}

// NewParquetArchive creates a ParquetArchive rooted at the given data directory.
func NewParquetArchive(dataDir string) *ParquetArchive {
	return &ParquetArchive{DataDir: dataDir}
}

// ---------------------------------------------------------------------------
// Parquet record types (on-disk schema)
// ---------------------------------------------------------------------------

// OrderRecord is the Parquet schema for archived orders.
type OrderRecord struct {
	ID            int64    `parquet:"id"`
	SnapshotID    int64    `parquet:"snapshot_id"`
	Symbol        string   `parquet:"symbol"`
	Side          string   `parquet:"side"`
	Type          string   `parquet:"type"`
	Qty           float64  `parquet:"qty"`
	Price         float64  `parquet:"price"`
	FilledQty     *float64 `parquet:"filled_qty,optional"`
	FilledPrice   *float64 `parquet:"filled_price,optional"`
	Status        string   `parquet:"status"`
	BrokerRef     string   `parquet:"broker_ref"`
	ClientOrderID string   `parquet:"client_order_id"`
	Tag           string   `parquet:"tag"`
	Error         string   `parquet:"error"`
	OrderedAt     int64    `parquet:"ordered_at,timestamp(millisecond)"` // Unix ms
	UpdatedAt     int64    `parquet:"updated_at,timestamp(millisecond)"` // Unix ms
}

// SnapshotRecord is the Parquet schema for archived snapshots.
type SnapshotRecord struct {
	ID         int64  `parquet:"id"`
	StrategyID int64  `parquet:"strategy_id"`
	Cycle      int64  `parquet:"cycle"`
	Status     string `parquet:"status"`
	Progress   string `parquet:"progress"`
	Error      string `parquet:"error"`
	CreatedAt  int64  `parquet:"created_at,timestamp(millisecond)"` // Unix ms
	ExecutedAt *int64 `parquet:"executed_at,optional"`             // Unix ms
	UpdatedAt  int64  `parquet:"updated_at,timestamp(millisecond)"` // Unix ms
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// ArchiveOrders writes orders into one file per UTC order date:
//
//	<DataDir>/audit/orders/<YYYY>/<YYYY-MM-DD>.parquet
func (a *ParquetArchive) ArchiveOrders(_ context.Context, orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}

	groups := make(map[string][]OrderRecord)
	for i := range orders {
		o := &orders[i]
		date := o.OrderedAt.UTC().Format("2006-01-02")
		groups[date] = append(groups[date], OrderRecord{
			ID:            o.ID,
			SnapshotID:    o.SnapshotID,
			Symbol:        o.Symbol,
			Side:          string(o.Side),
			Type:          string(o.Type),
			Qty:           o.Qty,
			Price:         o.Price,
			FilledQty:     o.FilledQty,
			FilledPrice:   o.FilledPrice,
			Status:        string(o.Status),
			BrokerRef:     o.BrokerRef,
			ClientOrderID: o.ClientOrderID,
			Tag:           o.Tag,
			Error:         o.Error,
			OrderedAt:     o.OrderedAt.UnixMilli(),
			UpdatedAt:     o.UpdatedAt.UnixMilli(),
		})
	}

	for date, records := range groups {
		day, _ := time.Parse("2006-01-02", date)
		path := a.orderPath(day)

		// Read existing records to merge.
		existing, _ := readParquetFile[OrderRecord](path)
		merged := mergeByID(existing, records, func(r OrderRecord) int64 { return r.ID })

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing orders for %s: %w", date, err)
		}
	}
	return nil
}

// ReadOrders returns the orders archived for the UTC date of day.
func (a *ParquetArchive) ReadOrders(_ context.Context, day time.Time) ([]domain.Order, error) {
	records, err := readParquetFile[OrderRecord](a.orderPath(day))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	orders := make([]domain.Order, 0, len(records))
	for _, r := range records {
		orders = append(orders, domain.Order{
			ID:            r.ID,
			SnapshotID:    r.SnapshotID,
			Symbol:        r.Symbol,
			Side:          domain.OrderSide(r.Side),
			Type:          domain.OrderType(r.Type),
			Qty:           r.Qty,
			Price:         r.Price,
			FilledQty:     r.FilledQty,
			FilledPrice:   r.FilledPrice,
			Status:        domain.OrderStatus(r.Status),
			BrokerRef:     r.BrokerRef,
			ClientOrderID: r.ClientOrderID,
			Tag:           r.Tag,
			Error:         r.Error,
			OrderedAt:     time.UnixMilli(r.OrderedAt).UTC(),
			UpdatedAt:     time.UnixMilli(r.UpdatedAt).UTC(),
		})
	}
	return orders, nil
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// ArchiveSnapshots writes snapshots into one file per strategy:
//
//	<DataDir>/audit/snapshots/<strategy_id>.parquet
func (a *ParquetArchive) ArchiveSnapshots(_ context.Context, snaps []domain.Snapshot) error {
	groups := make(map[int64][]SnapshotRecord)
	for i := range snaps {
		s := &snaps[i]
		rec := SnapshotRecord{
			ID:         s.ID,
			StrategyID: s.StrategyID,
			Cycle:      s.Cycle,
			Status:     string(s.Status),
			Progress:   string(s.Progress),
			Error:      s.Error,
			CreatedAt:  s.CreatedAt.UnixMilli(),
			UpdatedAt:  s.UpdatedAt.UnixMilli(),
		}
		if s.ExecutedAt != nil {
			ms := s.ExecutedAt.UnixMilli()
			rec.ExecutedAt = &ms
		}
		groups[s.StrategyID] = append(groups[s.StrategyID], rec)
	}

	for strategyID, records := range groups {
		path := a.snapshotPath(strategyID)
		existing, _ := readParquetFile[SnapshotRecord](path)
		merged := mergeByID(existing, records, func(r SnapshotRecord) int64 { return r.ID })
		sort.Slice(merged, func(i, j int) bool { return merged[i].Cycle < merged[j].Cycle })

		if err := writeParquetFile(path, merged); err != nil {
			return fmt.Errorf("writing snapshots for strategy %d: %w", strategyID, err)
		}
	}
	return nil
}

// ReadSnapshots returns the archived snapshots of a strategy in cycle order.
func (a *ParquetArchive) ReadSnapshots(_ context.Context, strategyID int64) ([]domain.Snapshot, error) {
	records, err := readParquetFile[SnapshotRecord](a.snapshotPath(strategyID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	snaps := make([]domain.Snapshot, 0, len(records))
	for _, r := range records {
		snap := domain.Snapshot{
			ID:         r.ID,
			StrategyID: r.StrategyID,
			Cycle:      r.Cycle,
			Status:     domain.SnapshotStatus(r.Status),
			Progress:   json.RawMessage(r.Progress),
			Error:      r.Error,
			CreatedAt:  time.UnixMilli(r.CreatedAt).UTC(),
			UpdatedAt:  time.UnixMilli(r.UpdatedAt).UTC(),
		}
		if r.ExecutedAt != nil {
			at := time.UnixMilli(*r.ExecutedAt).UTC()
			snap.ExecutedAt = &at
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// ---------------------------------------------------------------------------
// Path helpers
// ---------------------------------------------------------------------------

// orderPath returns the filesystem path for an order archive file.
// Layout: <dataDir>/audit/orders/<YYYY>/<YYYY-MM-DD>.parquet
func (a *ParquetArchive) orderPath(day time.Time) string {
	day = day.UTC()
	return filepath.Join(a.DataDir, "audit", "orders", fmt.Sprintf("%d", day.Year()), day.Format("2006-01-02")+".parquet")
}

// snapshotPath returns the filesystem path for a snapshot archive file.
// Layout: <dataDir>/audit/snapshots/<strategy_id>.parquet
func (a *ParquetArchive) snapshotPath(strategyID int64) string {
	return filepath.Join(a.DataDir, "audit", "snapshots", itoa(strategyID)+".parquet")
}

// ---------------------------------------------------------------------------
// Parquet file helpers
// ---------------------------------------------------------------------------

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}

func readParquetFile[T any](path string) ([]T, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	rows, err := parquet.ReadFile[T](path)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// mergeByID deduplicates records by ID, preferring incoming records over
// existing ones. Results are sorted by ID.
func mergeByID[T any](existing, incoming []T, id func(T) int64) []T {
	seen := make(map[int64]T, len(existing)+len(incoming))
	for _, r := range existing {
		seen[id(r)] = r
	}
	for _, r := range incoming {
		seen[id(r)] = r
	}

	merged := make([]T, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool { return id(merged[i]) < id(merged[j]) })
	return merged
}

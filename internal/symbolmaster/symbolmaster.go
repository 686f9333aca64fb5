// Package symbolmaster holds the SymbolMaster instrument set: durable
// storage for a bulk refresh, and an in-memory read-mostly index giving
// O(1) average lookup by (exchange, symbol) as required after a refresh
// of tens to hundreds of thousands of instruments.
package symbolmaster

import (
	"context"
	"database/sql"
	"sync/atomic"

	"github.com/aristath/sentinel/internal/apperr"
	"github.com/aristath/sentinel/internal/database"
	"github.com/aristath/sentinel/internal/domain"
	"github.com/aristath/sentinel/internal/work"
)

// refreshPool bounds concurrent master-contract rebuilds to one CPU-bound
// worker per core, so a refresh never competes unbounded with Argon2id
// hashing or other pooled work in the same process.
var refreshPool = work.New(0)

type key struct {
	exchange string
	symbol   string
}

// Index is a copy-on-write read-mostly map: readers never block behind a
// refresh, and a refresh swaps the whole map atomically rather than
// mutating in place.
type Index struct {
	db *database.DB
	m  atomic.Pointer[map[key]domain.Instrument]
}

// New constructs an Index bound to db for bulk upserts, with an empty
// in-memory map until the first Refresh or Load.
func New(db *database.DB) *Index {
	idx := &Index{db: db}
	empty := make(map[key]domain.Instrument)
	idx.m.Store(&empty)
	return idx
}

// Lookup returns the instrument for (exchange, symbol), or ok=false if
// the refresh never populated it. O(1) average, lock-free on the read
// path.
func (idx *Index) Lookup(exchange, symbol string) (domain.Instrument, bool) {
	m := *idx.m.Load()
	inst, ok := m[key{exchange, symbol}]
	return inst, ok
}

// Len reports how many instruments the current index holds.
func (idx *Index) Len() int {
	return len(*idx.m.Load())
}

// Refresh bulk-upserts instruments into the durable store in a single
// transaction, then builds a fresh in-memory map and swaps it in. A
// concurrent Lookup during the swap sees either the old or the new map
// in full, never a partial one.
func (idx *Index) Refresh(instruments []domain.Instrument) error {
	if err := idx.bulkUpsert(instruments); err != nil {
		return err
	}

	next, err := work.Submit(context.Background(), refreshPool, func() (map[key]domain.Instrument, error) {
		m := make(map[key]domain.Instrument, len(instruments))
		for _, inst := range instruments {
			m[key{inst.Exchange, inst.Symbol}] = inst
		}
		return m, nil
	})
	if err != nil {
		return err
	}
	idx.m.Store(&next)
	return nil
}

func (idx *Index) bulkUpsert(instruments []domain.Instrument) error {
	err := database.WithTransaction(idx.db.Conn(), func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO symbol_master (exchange, symbol, token, instrument_type, lot_size)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(exchange, symbol) DO UPDATE SET
				token = excluded.token,
				instrument_type = excluded.instrument_type,
				lot_size = excluded.lot_size
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, inst := range instruments {
			if _, err := stmt.Exec(inst.Exchange, inst.Symbol, inst.Token, inst.InstrumentType, inst.LotSize); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return apperr.Wrap(apperr.Internal, "bulk upsert symbol master", err)
	}
	return nil
}

// Load rebuilds the in-memory index from the durable store, e.g. on
// process start so a restart does not require a fresh broker download.
func (idx *Index) Load() error {
	rows, err := idx.db.Conn().Query("SELECT exchange, symbol, token, instrument_type, lot_size FROM symbol_master")
	if err != nil {
		return apperr.Wrap(apperr.Internal, "load symbol master", err)
	}
	defer rows.Close()

	next := make(map[key]domain.Instrument)
	for rows.Next() {
		var inst domain.Instrument
		if err := rows.Scan(&inst.Exchange, &inst.Symbol, &inst.Token, &inst.InstrumentType, &inst.LotSize); err != nil {
			return apperr.Wrap(apperr.Internal, "scan symbol master row", err)
		}
		next[key{inst.Exchange, inst.Symbol}] = inst
	}
	if err := rows.Err(); err != nil {
		return apperr.Wrap(apperr.Internal, "iterate symbol master rows", err)
	}

	idx.m.Store(&next)
	return nil
}

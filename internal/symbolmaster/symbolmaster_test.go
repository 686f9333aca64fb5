package symbolmaster

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/sentinel/internal/database"
	"github.com/aristath/sentinel/internal/domain"
)

func testIndex(t *testing.T) *Index {
	t.Helper()
	dir := t.TempDir()
	db, err := database.New(database.Config{Path: filepath.Join(dir, "sentinel.db"), Name: "primary"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())
	return New(db)
}

func TestRefresh_LookupFindsAllInstruments(t *testing.T) {
	idx := testIndex(t)

	const n = 2000
	instruments := make([]domain.Instrument, n)
	for i := 0; i < n; i++ {
		instruments[i] = domain.Instrument{
			Exchange: "NSE", Symbol: fmt.Sprintf("SYM%d", i),
			Token: fmt.Sprintf("%d", i), InstrumentType: "EQ", LotSize: 1,
		}
	}

	require.NoError(t, idx.Refresh(instruments))
	assert.Equal(t, n, idx.Len())

	for i := 0; i < n; i += 137 {
		inst, ok := idx.Lookup("NSE", fmt.Sprintf("SYM%d", i))
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("%d", i), inst.Token)
	}
}

func TestLookup_UnknownSymbolMisses(t *testing.T) {
	idx := testIndex(t)
	_, ok := idx.Lookup("NSE", "NOPE")
	assert.False(t, ok)
}

func TestLoad_RebuildsFromDurableStore(t *testing.T) {
	idx := testIndex(t)
	require.NoError(t, idx.Refresh([]domain.Instrument{
		{Exchange: "NSE", Symbol: "RELIANCE", Token: "500325", InstrumentType: "EQ", LotSize: 1},
	}))

	fresh := New(idx.db)
	require.NoError(t, fresh.Load())

	inst, ok := fresh.Lookup("NSE", "RELIANCE")
	require.True(t, ok)
	assert.Equal(t, "500325", inst.Token)
}

func TestRefresh_ConcurrentLookupsDoNotRace(t *testing.T) {
	idx := testIndex(t)
	require.NoError(t, idx.Refresh([]domain.Instrument{
		{Exchange: "NSE", Symbol: "TCS", Token: "1", InstrumentType: "EQ", LotSize: 1},
	}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			idx.Lookup("NSE", "TCS")
		}()
	}
	wg.Wait()
}

package audit

import (
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"pgregory.net/rapid"

	"github.com/BaSui01/llmlb/config"
	"github.com/BaSui01/llmlb/internal/metrics"
	"github.com/BaSui01/llmlb/types"
)

// Prometheus instruments register globally, so the collector is shared
// across tests in this package.
var testMetrics = metrics.NewCollector("llmlb_audit_test", zap.NewNop())

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.AuditLogEntry{}, &types.AuditBatchHash{}))
	return db
}

// quietConfig keeps the background worker idle so tests drive flushing and
// sealing explicitly.
func quietConfig() config.AuditConfig {
	return config.AuditConfig{
		FlushInterval:  time.Hour,
		BufferCapacity: 1024,
		BatchInterval:  time.Hour,
	}
}

func newTestWriter(t *testing.T, db *gorm.DB, cfg config.AuditConfig) *Writer {
	t.Helper()
	w := NewWriter(db, testMetrics, cfg, zap.NewNop())
	t.Cleanup(func() { w.Close() })
	return w
}

func entry(method, path string, status int) types.AuditLogEntry {
	return types.AuditLogEntry{
		Timestamp:  time.Now().UTC(),
		Method:     method,
		Path:       path,
		StatusCode: status,
		ActorKind:  types.ActorAPIKey,
		ActorID:    "key-1",
	}
}

func TestRecordFlushSeal(t *testing.T) {
	db := testDB(t)
	w := newTestWriter(t, db, quietConfig())

	w.Record(entry("POST", "/v1/chat/completions", 200))
	w.Record(entry("GET", "/v1/models", 200))
	w.Record(entry("POST", "/v1/chat/completions", 503))
	w.Flush()
	require.NoError(t, w.Seal())

	var entries []types.AuditLogEntry
	require.NoError(t, db.Order("id ASC").Find(&entries).Error)
	require.Len(t, entries, 3)
	for _, e := range entries {
		require.NotNil(t, e.BatchID)
	}

	var batch types.AuditBatchHash
	require.NoError(t, db.First(&batch).Error)
	assert.EqualValues(t, 1, batch.SequenceNumber)
	assert.Equal(t, types.GenesisHash, batch.PreviousHash)
	assert.Equal(t, 3, batch.RecordCount)
	assert.Equal(t, entries[0].ID, batch.BatchStart)
	assert.Equal(t, entries[2].ID, batch.BatchEnd)
	assert.Len(t, batch.Hash, 64)
}

func TestChainLinksBatches(t *testing.T) {
	db := testDB(t)
	w := newTestWriter(t, db, quietConfig())

	w.Record(entry("POST", "/v1/chat/completions", 200))
	w.Flush()
	require.NoError(t, w.Seal())

	w.Record(entry("POST", "/v1/embeddings", 200))
	w.Record(entry("GET", "/v1/models", 200))
	w.Flush()
	require.NoError(t, w.Seal())

	var batches []types.AuditBatchHash
	require.NoError(t, db.Order("sequence_number ASC").Find(&batches).Error)
	require.Len(t, batches, 2)
	assert.Equal(t, batches[0].Hash, batches[1].PreviousHash)

	res, err := VerifyChain(db)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 2, res.Batches)
	assert.Equal(t, 3, res.Entries)
	assert.Empty(t, res.Problems)
}

func TestSealWithoutEntriesIsNoOp(t *testing.T) {
	db := testDB(t)
	w := newTestWriter(t, db, quietConfig())

	require.NoError(t, w.Seal())
	var count int64
	require.NoError(t, db.Model(&types.AuditBatchHash{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestVerifyDetectsTamperedEntry(t *testing.T) {
	db := testDB(t)
	w := newTestWriter(t, db, quietConfig())

	for i := 0; i < 5; i++ {
		e := entry("POST", "/v1/chat/completions", 200)
		e.Detail = fmt.Sprintf("request %d", i)
		w.Record(e)
	}
	w.Flush()
	require.NoError(t, w.Seal())

	res, err := VerifyChain(db)
	require.NoError(t, err)
	require.True(t, res.OK)

	// Rewrite one sealed entry behind the writer's back.
	require.NoError(t, db.Model(&types.AuditLogEntry{}).
		Where("detail = ?", "request 2").
		Update("detail", "request 2 (doctored)").Error)

	res, err = VerifyChain(db)
	require.NoError(t, err)
	assert.False(t, res.OK)
	require.NotNil(t, res.FirstBrokenSequence)
	assert.EqualValues(t, 1, *res.FirstBrokenSequence)
	assert.NotEmpty(t, res.Problems)
}

func TestVerifyDetectsBrokenLinkage(t *testing.T) {
	db := testDB(t)
	w := newTestWriter(t, db, quietConfig())

	w.Record(entry("POST", "/v1/chat/completions", 200))
	w.Flush()
	require.NoError(t, w.Seal())
	w.Record(entry("POST", "/v1/chat/completions", 200))
	w.Flush()
	require.NoError(t, w.Seal())

	// Rewrite the first batch hash: batch 1 fails recomputation and batch 2
	// fails linkage.
	require.NoError(t, db.Model(&types.AuditBatchHash{}).
		Where("sequence_number = ?", 1).
		Update("hash", types.GenesisHash).Error)

	res, err := VerifyChain(db)
	require.NoError(t, err)
	assert.False(t, res.OK)
	require.NotNil(t, res.FirstBrokenSequence)
	assert.EqualValues(t, 1, *res.FirstBrokenSequence)
	assert.GreaterOrEqual(t, len(res.Problems), 2)
}

func TestCloseDrainsAndSeals(t *testing.T) {
	db := testDB(t)
	w := NewWriter(db, testMetrics, quietConfig(), zap.NewNop())

	w.Record(entry("POST", "/v1/chat/completions", 200))
	w.Record(entry("GET", "/v1/models", 200))
	require.NoError(t, w.Close())

	var entries int64
	require.NoError(t, db.Model(&types.AuditLogEntry{}).Count(&entries).Error)
	assert.EqualValues(t, 2, entries)

	res, err := VerifyChain(db)
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 1, res.Batches)
}

func TestOverloadDropsOldest(t *testing.T) {
	db := testDB(t)
	cfg := quietConfig()
	cfg.BufferCapacity = 8
	w := newTestWriter(t, db, cfg)

	for i := 0; i < 20; i++ {
		e := entry("POST", "/v1/chat/completions", 200)
		e.Detail = fmt.Sprintf("req-%d", i)
		w.Record(e)
	}
	assert.Positive(t, w.Dropped())

	w.Flush()
	var entries []types.AuditLogEntry
	require.NoError(t, db.Order("id ASC").Find(&entries).Error)
	require.Len(t, entries, 8)
	// The newest entry survives; the oldest are gone.
	assert.Equal(t, "req-19", entries[len(entries)-1].Detail)
}

func TestListFilters(t *testing.T) {
	db := testDB(t)
	w := newTestWriter(t, db, quietConfig())

	e1 := entry("POST", "/v1/chat/completions", 200)
	e1.EndpointID = "ep-a"
	e2 := entry("POST", "/v1/chat/completions", 200)
	e2.EndpointID = "ep-b"
	e3 := entry("POST", "/api/endpoints", 201)
	e3.ActorKind = types.ActorUser
	e3.ActorID = "admin"
	w.Record(e1)
	w.Record(e2)
	w.Record(e3)
	w.Flush()

	got, err := List(db, ListOptions{EndpointID: "ep-a"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "ep-a", got[0].EndpointID)

	got, err = List(db, ListOptions{ActorKind: types.ActorUser})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "admin", got[0].ActorID)

	got, err = List(db, ListOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

// Any partitioning of a request stream into sealed batches verifies, and
// doctoring any single sealed entry breaks verification.
func TestChainProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
			Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		})
		if err != nil {
			t.Fatalf("open db: %v", err)
		}
		if err := db.AutoMigrate(&types.AuditLogEntry{}, &types.AuditBatchHash{}); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		w := NewWriter(db, testMetrics, quietConfig(), zap.NewNop())
		defer w.Close()

		rounds := rapid.IntRange(1, 5).Draw(t, "rounds")
		total := 0
		for r := 0; r < rounds; r++ {
			n := rapid.IntRange(0, 10).Draw(t, "entries")
			for i := 0; i < n; i++ {
				e := entry("POST", "/v1/chat/completions", 200)
				e.Detail = fmt.Sprintf("r%d-%d", r, i)
				w.Record(e)
				total++
			}
			w.Flush()
			if err := w.Seal(); err != nil {
				t.Fatalf("seal: %v", err)
			}
		}

		res, err := VerifyChain(db)
		if err != nil {
			t.Fatalf("verify: %v", err)
		}
		if !res.OK {
			t.Fatalf("intact chain failed verification: %v", res.Problems)
		}
		if res.Entries != total {
			t.Fatalf("verified %d entries, recorded %d", res.Entries, total)
		}

		if total == 0 {
			return
		}
		victim := rapid.IntRange(0, total-1).Draw(t, "victim")
		var ids []int64
		if err := db.Model(&types.AuditLogEntry{}).Order("id ASC").Pluck("id", &ids).Error; err != nil {
			t.Fatalf("pluck: %v", err)
		}
		if err := db.Model(&types.AuditLogEntry{}).
			Where("id = ?", ids[victim]).
			Update("status_code", 599).Error; err != nil {
			t.Fatalf("tamper: %v", err)
		}
		res, err = VerifyChain(db)
		if err != nil {
			t.Fatalf("verify after tamper: %v", err)
		}
		if res.OK {
			t.Fatalf("tampered chain passed verification")
		}
	})
}

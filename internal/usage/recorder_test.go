package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apigate/internal/models"
)

// fakeSink collects appended records and can fail the first n attempts.
type fakeSink struct {
	mu       sync.Mutex
	records  []*models.UsageRecord
	failures int
}

func (f *fakeSink) AppendUsage(ctx context.Context, rec *models.UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("usage store unavailable")
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func record(credID string) *models.UsageRecord {
	rec := models.NewUsageRecord(credID, "owner-1", "owner")
	rec.Endpoint = "/verify"
	rec.Method = "GET"
	rec.StatusCode = 200
	rec.LatencyMS = 12
	return rec
}

func TestRecorder_WritesRecord(t *testing.T) {
	sink := &fakeSink{}
	rec := NewRecorder(sink, 16, time.Second, 2*time.Second, nil)

	rec.Record(record("cred-1"))
	rec.Close(time.Second)

	require.Equal(t, 1, sink.count())
	written, failed, dropped := rec.Stats()
	assert.Equal(t, int64(1), written)
	assert.Zero(t, failed)
	assert.Zero(t, dropped)
}

func TestRecorder_RetriesTransientFailure(t *testing.T) {
	sink := &fakeSink{failures: 2}
	rec := NewRecorder(sink, 16, time.Second, 10*time.Second, nil)

	rec.Record(record("cred-1"))
	rec.Close(5 * time.Second)

	assert.Equal(t, 1, sink.count(), "record lands after transient failures")
}

func TestRecorder_GivesUpAfterBudget(t *testing.T) {
	sink := &fakeSink{failures: 1 << 30}
	rec := NewRecorder(sink, 16, 50*time.Millisecond, 300*time.Millisecond, nil)

	rec.Record(record("cred-1"))
	rec.Close(5 * time.Second)

	assert.Zero(t, sink.count())
	_, failed, _ := rec.Stats()
	assert.Equal(t, int64(1), failed, "exhausted budget is counted, not surfaced")
}

func TestRecorder_QueueFullDropsWithoutBlocking(t *testing.T) {
	sink := &fakeSink{failures: 1 << 30}
	rec := NewRecorder(sink, 1, 50*time.Millisecond, 10*time.Second, nil)
	defer rec.Close(100 * time.Millisecond)

	start := time.Now()
	for i := 0; i < 50; i++ {
		rec.Record(record("cred-1"))
	}
	assert.Less(t, time.Since(start), time.Second, "Record must never block the request path")

	_, _, dropped := rec.Stats()
	assert.Greater(t, dropped, int64(0))
}

func TestRecorder_RecordAfterClose(t *testing.T) {
	sink := &fakeSink{}
	rec := NewRecorder(sink, 16, time.Second, time.Second, nil)
	rec.Close(time.Second)

	// Must not panic; the record is counted as dropped.
	rec.Record(record("cred-1"))
	_, _, dropped := rec.Stats()
	assert.Equal(t, int64(1), dropped)

	// Double close is a no-op.
	rec.Close(time.Second)
}

func TestRecorder_ConcurrentRecord(t *testing.T) {
	sink := &fakeSink{}
	rec := NewRecorder(sink, 256, time.Second, time.Second, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				rec.Record(record("cred-1"))
			}
		}()
	}
	wg.Wait()
	rec.Close(5 * time.Second)

	written, _, dropped := rec.Stats()
	assert.Equal(t, int64(200), written+dropped)
	assert.Equal(t, sink.count(), int(written))
}

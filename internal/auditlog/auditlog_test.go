package auditlog

import (
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/bugspotter/bugspotter/internal/model"
)

// These tests cover the buffer behavior only; flushing against a real
// database is exercised by the server integration suite.

func newTestPipeline() *Pipeline {
	return NewPipeline(nil, slog.New(slog.DiscardHandler))
}

func TestRecordBuffers(t *testing.T) {
	p := newTestPipeline()

	for i := 0; i < 5; i++ {
		p.Record(model.AuditLog{Action: fmt.Sprintf("test.action.%d", i), Resource: "test"})
	}
	assert.Equal(t, 5, p.Len())
	assert.EqualValues(t, 0, p.Dropped())
}

func TestRecordSetsTimestamp(t *testing.T) {
	p := newTestPipeline()
	p.Record(model.AuditLog{Action: "test.action", Resource: "test"})

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.False(t, p.entries[0].Timestamp.IsZero())
}

func TestRecordOverflowDropsOldest(t *testing.T) {
	p := newTestPipeline()

	for i := 0; i < maxBufferCapacity+10; i++ {
		p.Record(model.AuditLog{Action: fmt.Sprintf("a.%d", i), Resource: "test"})
	}

	assert.Equal(t, maxBufferCapacity, p.Len())
	assert.EqualValues(t, 10, p.Dropped())

	// The survivors are the newest entries.
	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, "a.10", p.entries[0].Action)
	assert.Equal(t, fmt.Sprintf("a.%d", maxBufferCapacity+9), p.entries[len(p.entries)-1].Action)
}

func TestRecordSignalsFlushAtBatchSize(t *testing.T) {
	p := newTestPipeline()

	for i := 0; i < flushBatchSize-1; i++ {
		p.Record(model.AuditLog{Action: "a", Resource: "test"})
	}
	select {
	case <-p.flushCh:
		t.Fatal("flush signaled below batch size")
	default:
	}

	p.Record(model.AuditLog{Action: "a", Resource: "test"})
	select {
	case <-p.flushCh:
	default:
		t.Fatal("flush not signaled at batch size")
	}
}

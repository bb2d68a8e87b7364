package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"freight-guard/internal/audit"
	"freight-guard/internal/metrics"
	"freight-guard/internal/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

type fakeProducer struct {
	mu      sync.Mutex
	records []*kgo.Record
	fail    error
	flushed bool
	closed  bool
}

func (f *fakeProducer) Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	f.mu.Lock()
	f.records = append(f.records, r)
	f.mu.Unlock()
	promise(r, f.fail)
}

func (f *fakeProducer) Flush(ctx context.Context) error { f.flushed = true; return nil }

func (f *fakeProducer) Close() { f.closed = true }

func (f *fakeProducer) sent() []*kgo.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*kgo.Record(nil), f.records...)
}

func TestPublishOnlyAfterCommit(t *testing.T) {
	ctx := context.Background()
	fp := &fakeProducer{}
	m := metrics.New(prometheus.NewRegistry())
	pub := NewPublisher(fp, "audit", m, nil)

	chain := audit.NewChain(audit.NewMemoryRepo(), audit.WithPublisher(pub))
	tx := store.NewMemoryTxManager()

	err := tx.WithinTx(ctx, func(ctx context.Context) error {
		_, err := chain.Append(ctx, audit.Entry{EntityType: "truck", EntityID: "T1", Action: "decision.blocked"})
		return err
	})
	require.NoError(t, err)

	_ = tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := chain.Append(ctx, audit.Entry{EntityType: "truck", EntityID: "T2", Action: "decision.blocked"}); err != nil {
			return err
		}
		return errors.New("rolled back")
	})

	sent := fp.sent()
	require.Len(t, sent, 1, "rolled back entries are not published")
	assert.Equal(t, "audit", sent[0].Topic)
	assert.Equal(t, "truck:T1", string(sent[0].Key))

	var got audit.Entry
	require.NoError(t, json.Unmarshal(sent[0].Value, &got))
	assert.Equal(t, "decision.blocked", got.Action)
	assert.NotEmpty(t, got.AuditHash)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditPublished.WithLabelValues("ok")))
}

func TestPublishFailureIsCountedNotReturned(t *testing.T) {
	fp := &fakeProducer{fail: errors.New("broker down")}
	m := metrics.New(prometheus.NewRegistry())
	pub := NewPublisher(fp, "audit", m, nil)

	pub.Publish(context.Background(), audit.Entry{ID: "e1", EntityType: "user", EntityID: "u1", Action: "block.created"})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditPublished.WithLabelValues("error")))

	require.NoError(t, pub.Close(context.Background()))
	assert.True(t, fp.flushed)
	assert.True(t, fp.closed)
}

func TestRecordHeaders(t *testing.T) {
	rec, err := Record("t", audit.Entry{EntityType: "ip", EntityID: "10.0.0.1", Action: "decision.allowed", AuditHash: "abc"})
	require.NoError(t, err)
	headers := map[string]string{}
	for _, h := range rec.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "decision.allowed", headers["action"])
	assert.Equal(t, "abc", headers["audit-hash"])
}

func TestNewKafkaPublisherValidates(t *testing.T) {
	_, err := NewKafkaPublisher(Config{Topic: "audit"}, nil, nil)
	assert.Error(t, err)
	_, err = NewKafkaPublisher(Config{Brokers: []string{"localhost:9092"}}, nil, nil)
	assert.Error(t, err)
}

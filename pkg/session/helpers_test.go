package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/txn2/feedsync/pkg/clock"
	"github.com/txn2/feedsync/pkg/feedstore"
	"github.com/txn2/feedsync/pkg/stream"
	"github.com/txn2/feedsync/pkg/taskqueue"
	"github.com/txn2/feedsync/pkg/tuning"
)

const (
	testContent1 = "feature::rss:1"
	testContent2 = "feature::rss:2"
	testContent3 = "feature::rss:3"
	testTimeout  = 2 * time.Second
)

var testEpoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testLifetime(t *testing.T) *tuning.Configuration {
	t.Helper()
	cfg, err := tuning.NewConfiguration(tuning.Values{})
	require.NoError(t, err)
	return cfg
}

func startQueue(t *testing.T) *taskqueue.Queue {
	t.Helper()
	q := taskqueue.New(taskqueue.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return q
}

func waitIdle(t *testing.T, q *taskqueue.Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	require.NoError(t, q.WaitIdle(ctx))
}

// inTask runs fn as a queued task and returns its error.
func inTask(t *testing.T, q *taskqueue.Queue, fn func(ctx context.Context) error) error {
	t.Helper()
	result := make(chan error, 1)
	require.NoError(t, q.Execute("test", taskqueue.Immediate, func(ctx context.Context) error {
		err := fn(ctx)
		result <- err
		return err
	}))
	select {
	case err := <-result:
		return err
	case <-time.After(testTimeout):
		t.Fatal("task did not run")
		return nil
	}
}

func feature(id, url string) *stream.Payload {
	f := &stream.Feature{ContentID: id}
	if url != "" {
		f.Content = &stream.Content{RepresentationData: &stream.RepresentationData{URI: url}}
	}
	return &stream.Payload{Feature: f}
}

func appendOp(id string) stream.DataOperation {
	return stream.DataOperation{
		Structure: stream.Structure{Operation: stream.OperationUpdateOrAppend, ContentID: id},
		Payload:   feature(id, "https://example.com/"+id),
	}
}

func removeOp(id string) stream.DataOperation {
	return stream.DataOperation{Structure: stream.Structure{Operation: stream.OperationRemove, ContentID: id}}
}

func clearOp() stream.DataOperation {
	return stream.DataOperation{Structure: stream.Structure{Operation: stream.OperationClearAll}}
}

type testEnv struct {
	store *feedstore.MemoryStore
	clock *clock.Manual
	queue *taskqueue.Queue
	cache *SessionCache
	mut   *Mutation
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	clk := clock.NewManual(testEpoch)
	factory := NewFactory(clk)
	cache := NewSessionCache(factory, NewContentCache(), testLifetime(t), clk, nil)
	store := feedstore.NewMemoryStore()
	return &testEnv{
		store: store,
		clock: clk,
		queue: startQueue(t),
		cache: cache,
		mut:   NewMutation(cache, store, nil, nil),
	}
}

func (e *testEnv) commit(t *testing.T, sessionID string, mc stream.MutationContext, ops ...stream.DataOperation) error {
	t.Helper()
	return inTask(t, e.queue, func(ctx context.Context) error {
		return e.mut.CreateCommitter(sessionID, mc).Append(ops...).Commit(ctx)
	})
}

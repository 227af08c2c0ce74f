package operations

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lrpb "google.golang.org/genproto/googleapis/longrunning"
)

func TestRegistry_WatchReceivesCurrentThenUpdates(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Publish(&lrpb.Operation{Name: "op-1", Done: false})
	ch := r.Watch(ctx, "op-1")

	first := <-ch
	assert.False(t, first.Done)

	r.Publish(&lrpb.Operation{Name: "op-1", Done: true})
	second := <-ch
	assert.True(t, second.Done)

	_, open := <-ch
	assert.False(t, open, "channel should close after terminal state")
}

func TestRegistry_LateWatcherOnCompletedGetsSingleSnapshot(t *testing.T) {
	r := New()
	r.Publish(&lrpb.Operation{Name: "op-2", Done: true})

	ch := r.Watch(context.Background(), "op-2")
	got := <-ch
	assert.True(t, got.Done)
	_, open := <-ch
	assert.False(t, open)
}

func TestRegistry_MultipleWatchersObserveSameTransitions(t *testing.T) {
	r := New()
	r.Publish(&lrpb.Operation{Name: "op-3", Done: false})

	ch1 := r.Watch(context.Background(), "op-3")
	ch2 := r.Watch(context.Background(), "op-3")
	<-ch1
	<-ch2

	r.Publish(&lrpb.Operation{Name: "op-3", Done: true})
	got1 := <-ch1
	got2 := <-ch2
	assert.True(t, got1.Done)
	assert.True(t, got2.Done)
}

func TestRegistry_WatchDetachesOnContextCancel(t *testing.T) {
	r := New()
	r.Publish(&lrpb.Operation{Name: "op-4", Done: false})
	ctx, cancel := context.WithCancel(context.Background())
	ch := r.Watch(ctx, "op-4")
	<-ch
	cancel()
	time.Sleep(10 * time.Millisecond)

	e := r.entryFor("op-4")
	e.mu.Lock()
	n := len(e.subs)
	e.mu.Unlock()
	assert.Equal(t, 0, n)
}

func TestRegistry_Get(t *testing.T) {
	r := New()
	_, ok := r.Get("missing")
	assert.False(t, ok)

	r.Publish(&lrpb.Operation{Name: "op-5", Done: false})
	got, ok := r.Get("op-5")
	require.True(t, ok)
	assert.Equal(t, "op-5", got.Name)
}

func TestRegistry_Forget(t *testing.T) {
	r := New()
	r.Publish(&lrpb.Operation{Name: "op-6", Done: true})
	r.Forget("op-6")
	_, ok := r.Get("op-6")
	assert.False(t, ok)
}

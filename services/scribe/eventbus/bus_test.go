// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_FullQueueDrops(t *testing.T) {
	b := New(WithCapacity(2))

	assert.True(t, b.Publish(TopicFileEvent, 1))
	assert.True(t, b.Publish(TopicFileEvent, 2))
	assert.False(t, b.Publish(TopicFileEvent, 3))

	stats := b.Stats()
	assert.Equal(t, int64(2), stats.Published)
	assert.Equal(t, int64(1), stats.Dropped)
	assert.Equal(t, 2, stats.Queued)
	assert.Equal(t, 2, stats.Capacity)
}

func TestPublish_ClosedBusRejects(t *testing.T) {
	b := New()
	b.Close()
	b.Close()
	assert.True(t, b.Closed())
	assert.False(t, b.Publish(TopicFileEvent, 1))
}

func TestProcessEvents_OrderAndFIFO(t *testing.T) {
	b := New()
	var got []string

	b.Subscribe("t", func(_ context.Context, e Event) error {
		got = append(got, "first:"+e.Data.(string))
		return nil
	})
	b.Subscribe("t", func(_ context.Context, e Event) error {
		got = append(got, "second:"+e.Data.(string))
		return nil
	})

	b.Publish("t", "a")
	b.Publish("t", "b")
	n := b.ProcessEvents(context.Background(), 0)

	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"first:a", "second:a", "first:b", "second:b"}, got)
}

func TestProcessEvents_Limit(t *testing.T) {
	b := New()
	for i := 0; i < 5; i++ {
		b.Publish("t", i)
	}
	assert.Equal(t, 3, b.ProcessEvents(context.Background(), 3))
	assert.Equal(t, 2, b.Len())
}

func TestDeliver_PanicAndErrorIsolated(t *testing.T) {
	b := New()
	called := false

	b.Subscribe("t", func(context.Context, Event) error { panic("boom") })
	b.Subscribe("t", func(context.Context, Event) error { return errors.New("bad") })
	b.Subscribe("t", func(context.Context, Event) error {
		called = true
		return nil
	})

	b.Publish("t", nil)
	b.ProcessEvents(context.Background(), 0)

	assert.True(t, called)
	assert.Equal(t, int64(2), b.Stats().HandlerErrors)
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	count := 0
	id := b.Subscribe("t", func(context.Context, Event) error {
		count++
		return nil
	})

	require.True(t, b.Unsubscribe(id))
	assert.False(t, b.Unsubscribe(id))

	b.Publish("t", nil)
	b.ProcessEvents(context.Background(), 0)
	assert.Zero(t, count)
}

func TestNext_CorrelationAndClose(t *testing.T) {
	b := New()
	b.PublishWithCorrelation(TopicFileEvent, "x", "corr-1")

	evt, ok := b.Next(context.Background())
	require.True(t, ok)
	assert.Equal(t, "corr-1", evt.CorrelationID)
	assert.Equal(t, TopicFileEvent, evt.Type)
	assert.False(t, evt.PublishedAt.IsZero())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, ok := b.Next(context.Background())
		assert.False(t, ok)
	}()
	time.Sleep(10 * time.Millisecond)
	b.Close()
	wg.Wait()
}

func TestNext_ContextCancel(t *testing.T) {
	b := New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, ok := b.Next(ctx)
	assert.False(t, ok)
}

func TestConcurrentPublishers(t *testing.T) {
	b := New(WithCapacity(10000))
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Publish("t", i)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, b.Len())
}

package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type payload struct {
	Tenant string `json:"tenant"`
}

// backends runs each test against both implementations
func backends(t *testing.T) map[string]func() (Queue, *clock) {
	return map[string]func() (Queue, *clock){
		"memory": func() (Queue, *clock) {
			c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
			q := NewMemoryQueue()
			q.SetClock(c.now)
			return q, c
		},
		"redis": func() (Queue, *clock) {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
			q := NewRedisQueue(client)
			q.now = c.now
			return q, c
		},
	}
}

// ----------------------------------------------------------------------------
// Delivery
// ----------------------------------------------------------------------------

func TestQueue_EnqueueClaimAck(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			q, _ := mk()
			ctx := context.Background()

			job, err := q.Enqueue(ctx, OrderSync, payload{Tenant: "t1"}, Options{Attempts: 3})
			require.NoError(t, err)
			require.NotEmpty(t, job.ID)

			got, err := q.Claim(ctx, OrderSync, time.Minute)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, job.ID, got.ID)
			assert.Equal(t, 1, got.Attempt)
			var p payload
			require.NoError(t, got.Decode(&p))
			assert.Equal(t, "t1", p.Tenant)

			none, err := q.Claim(ctx, OrderSync, time.Minute)
			require.NoError(t, err)
			assert.Nil(t, none)

			require.NoError(t, q.Ack(ctx, got))
			none, err = q.Claim(ctx, OrderSync, time.Minute)
			require.NoError(t, err)
			assert.Nil(t, none)
		})
	}
}

func TestQueue_FIFOAndIsolation(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			q, _ := mk()
			ctx := context.Background()
			a, _ := q.Enqueue(ctx, OrderSync, payload{Tenant: "a"}, Options{})
			b, _ := q.Enqueue(ctx, OrderSync, payload{Tenant: "b"}, Options{})
			_, _ = q.Enqueue(ctx, WebhookProcessing, payload{Tenant: "w"}, Options{})

			first, _ := q.Claim(ctx, OrderSync, time.Minute)
			second, _ := q.Claim(ctx, OrderSync, time.Minute)
			third, _ := q.Claim(ctx, OrderSync, time.Minute)
			require.NotNil(t, first)
			require.NotNil(t, second)
			assert.Equal(t, a.ID, first.ID)
			assert.Equal(t, b.ID, second.ID)
			assert.Nil(t, third)
		})
	}
}

func TestQueue_DelayedJob(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			q, c := mk()
			ctx := context.Background()
			_, err := q.Enqueue(ctx, OrderSync, payload{}, Options{Delay: time.Second})
			require.NoError(t, err)

			got, _ := q.Claim(ctx, OrderSync, time.Minute)
			assert.Nil(t, got)

			c.advance(time.Second)
			got, _ = q.Claim(ctx, OrderSync, time.Minute)
			assert.NotNil(t, got)
		})
	}
}

func TestQueue_Dedupe(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			q, c := mk()
			ctx := context.Background()
			opts := Options{DedupeKey: "sync:t1:SHOPEE", DedupeWindow: time.Minute}

			_, err := q.Enqueue(ctx, OrderSync, payload{}, opts)
			require.NoError(t, err)
			_, err = q.Enqueue(ctx, OrderSync, payload{}, opts)
			assert.ErrorIs(t, err, ErrDuplicateJob)

			if mq, ok := q.(*MemoryQueue); ok {
				c.advance(2 * time.Minute)
				_, err = mq.Enqueue(ctx, OrderSync, payload{}, opts)
				assert.NoError(t, err)
			}
		})
	}
}

// ----------------------------------------------------------------------------
// Failure handling
// ----------------------------------------------------------------------------

func TestQueue_RetryWithExponentialBackoffThenDead(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			q, c := mk()
			ctx := context.Background()
			_, err := q.Enqueue(ctx, OrderSync, payload{}, Options{
				Attempts: 3,
				Backoff:  Backoff{Type: "exponential", Delay: 5 * time.Second},
			})
			require.NoError(t, err)

			job, _ := q.Claim(ctx, OrderSync, time.Minute)
			require.NotNil(t, job)
			retried, err := q.Nack(ctx, job, errors.New("503"))
			require.NoError(t, err)
			assert.True(t, retried)

			c.advance(4 * time.Second)
			none, _ := q.Claim(ctx, OrderSync, time.Minute)
			assert.Nil(t, none, "first retry waits 5s")
			c.advance(time.Second)
			job, _ = q.Claim(ctx, OrderSync, time.Minute)
			require.NotNil(t, job)
			assert.Equal(t, 2, job.Attempt)

			retried, err = q.Nack(ctx, job, errors.New("503"))
			require.NoError(t, err)
			assert.True(t, retried)
			c.advance(9 * time.Second)
			none, _ = q.Claim(ctx, OrderSync, time.Minute)
			assert.Nil(t, none, "second retry waits 10s")
			c.advance(time.Second)
			job, _ = q.Claim(ctx, OrderSync, time.Minute)
			require.NotNil(t, job)
			assert.True(t, job.FinalAttempt())

			retried, err = q.Nack(ctx, job, errors.New("still 503"))
			require.NoError(t, err)
			assert.False(t, retried)

			dead, err := q.Dead(ctx, OrderSync)
			require.NoError(t, err)
			require.Len(t, dead, 1)
			assert.Equal(t, "still 503", dead[0].LastError)
		})
	}
}

func TestQueue_PermanentSkipsRetries(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			q, _ := mk()
			ctx := context.Background()
			_, _ = q.Enqueue(ctx, WebhookProcessing, payload{}, Options{Attempts: 5})
			job, _ := q.Claim(ctx, WebhookProcessing, time.Minute)
			require.NotNil(t, job)

			retried, err := q.Nack(ctx, job, Permanent(errors.New("token revoked")))
			require.NoError(t, err)
			assert.False(t, retried)
			dead, _ := q.Dead(ctx, WebhookProcessing)
			assert.Len(t, dead, 1)
		})
	}
}

func TestQueue_VisibilityTimeoutRedelivers(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			q, c := mk()
			ctx := context.Background()
			_, _ = q.Enqueue(ctx, OrderSync, payload{}, Options{Attempts: 2})

			job, _ := q.Claim(ctx, OrderSync, 10*time.Second)
			require.NotNil(t, job)
			c.advance(11 * time.Second)

			again, _ := q.Claim(ctx, OrderSync, 10*time.Second)
			require.NotNil(t, again)
			assert.Equal(t, job.ID, again.ID)
			assert.Equal(t, 2, again.Attempt)

			// last attempt also times out: the job is buried on the next claim
			c.advance(11 * time.Second)
			none, _ := q.Claim(ctx, OrderSync, 10*time.Second)
			assert.Nil(t, none)
			dead, _ := q.Dead(ctx, OrderSync)
			assert.Len(t, dead, 1)
		})
	}
}

func TestQueue_Progress(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			q, _ := mk()
			ctx := context.Background()
			_, err := q.Progress(ctx, "missing")
			assert.ErrorIs(t, err, ErrJobNotFound)

			require.NoError(t, q.UpdateProgress(ctx, "j1", map[string]int{"page": 2}))
			raw, err := q.Progress(ctx, "j1")
			require.NoError(t, err)
			assert.JSONEq(t, `{"page":2}`, string(raw))
		})
	}
}

func TestBackoffNext(t *testing.T) {
	b := Backoff{Type: "exponential", Delay: time.Second}
	assert.Equal(t, time.Second, b.Next(1))
	assert.Equal(t, 2*time.Second, b.Next(2))
	assert.Equal(t, 4*time.Second, b.Next(3))
	assert.Equal(t, time.Second, Backoff{Type: "fixed", Delay: time.Second}.Next(3))
	assert.Equal(t, time.Duration(0), Backoff{}.Next(2))
}

// ----------------------------------------------------------------------------
// Worker
// ----------------------------------------------------------------------------

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestWorker_AcksAndFails(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	w := NewWorker(q, 1, time.Millisecond, quietLogger(), nil)

	var seen []string
	w.Register(OrderSync, time.Minute, func(ctx context.Context, job *Job) error {
		var p payload
		require.NoError(t, job.Decode(&p))
		seen = append(seen, p.Tenant)
		if p.Tenant == "bad" {
			return Permanent(errors.New("nope"))
		}
		return nil
	})

	_, _ = q.Enqueue(ctx, OrderSync, payload{Tenant: "good"}, Options{})
	_, _ = q.Enqueue(ctx, OrderSync, payload{Tenant: "bad"}, Options{Attempts: 3})

	for {
		worked, err := w.ProcessOne(ctx, 0)
		require.NoError(t, err)
		if !worked {
			break
		}
	}
	assert.Equal(t, []string{"good", "bad"}, seen)
	assert.Empty(t, q.Pending(OrderSync))
	dead, _ := q.Dead(ctx, OrderSync)
	assert.Len(t, dead, 1)
}

func TestWorker_PanicIsPermanent(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	w := NewWorker(q, 1, time.Millisecond, quietLogger(), nil)
	w.Register(WebhookProcessing, time.Minute, func(ctx context.Context, job *Job) error {
		panic("boom")
	})
	_, _ = q.Enqueue(ctx, WebhookProcessing, payload{}, Options{Attempts: 3})

	worked, err := w.ProcessOne(ctx, 0)
	require.NoError(t, err)
	assert.True(t, worked)
	dead, _ := q.Dead(ctx, WebhookProcessing)
	assert.Len(t, dead, 1)
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	q := NewMemoryQueue()
	w := NewWorker(q, 2, time.Millisecond, quietLogger(), nil)
	done := make(chan struct{})
	w.Register(OrderSync, time.Minute, func(ctx context.Context, job *Job) error {
		close(done)
		return nil
	})
	_, _ = q.Enqueue(context.Background(), OrderSync, payload{}, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(stopped)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not processed")
	}
	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

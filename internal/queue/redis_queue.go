package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	deadRetention     = 7 * 24 * time.Hour
	progressRetention = 24 * time.Hour
)

// claimScript promotes due delayed jobs and expired active jobs back to the
// ready list, then pops one id and marks it active until ARGV[2].
var claimScript = redis.NewScript(`
local due = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1])
for _, id in ipairs(due) do
	redis.call("ZREM", KEYS[2], id)
	redis.call("LPUSH", KEYS[1], id)
end
local expired = redis.call("ZRANGEBYSCORE", KEYS[3], "-inf", ARGV[1])
for _, id in ipairs(expired) do
	redis.call("ZREM", KEYS[3], id)
	redis.call("LPUSH", KEYS[1], id)
end
local id = redis.call("RPOP", KEYS[1])
if not id then
	return false
end
redis.call("ZADD", KEYS[3], ARGV[2], id)
return id
`)

// RedisQueue stores jobs in Redis:
//
//	queue:<name>:ready    list of ids, FIFO
//	queue:<name>:delayed  zset scored by ready time (ms)
//	queue:<name>:active   zset scored by visibility deadline (ms)
//	queue:<name>:dead     list of exhausted ids
//	queue:job:<id>        job JSON
type RedisQueue struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client, now: time.Now}
}

func key(queue, part string) string { return "queue:" + queue + ":" + part }
func jobKey(id string) string       { return "queue:job:" + id }

func (q *RedisQueue) Enqueue(ctx context.Context, name string, payload interface{}, opts Options) (*Job, error) {
	opts = normalize(opts)
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal job payload: %w", err)
	}
	job := &Job{
		ID:          opts.JobID,
		Queue:       name,
		Payload:     data,
		MaxAttempts: opts.Attempts,
		Backoff:     opts.Backoff,
		EnqueuedAt:  q.now().UTC(),
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	if opts.DedupeKey != "" && opts.DedupeWindow > 0 {
		ok, err := q.client.SetNX(ctx, "queue:dedupe:"+opts.DedupeKey, job.ID, opts.DedupeWindow).Result()
		if err != nil {
			return nil, fmt.Errorf("dedupe check: %w", err)
		}
		if !ok {
			return nil, ErrDuplicateJob
		}
	}

	if err := q.save(ctx, job, 0); err != nil {
		return nil, err
	}
	if opts.Delay > 0 {
		readyAt := q.now().Add(opts.Delay).UnixMilli()
		err = q.client.ZAdd(ctx, key(name, "delayed"), redis.Z{Score: float64(readyAt), Member: job.ID}).Err()
	} else {
		err = q.client.LPush(ctx, key(name, "ready"), job.ID).Err()
	}
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return job, nil
}

func (q *RedisQueue) Claim(ctx context.Context, name string, visibility time.Duration) (*Job, error) {
	for {
		now := q.now()
		res, err := claimScript.Run(ctx, q.client,
			[]string{key(name, "ready"), key(name, "delayed"), key(name, "active")},
			now.UnixMilli(), now.Add(visibility).UnixMilli(),
		).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("claim job: %w", err)
		}
		id, _ := res.(string)
		if id == "" {
			return nil, nil
		}

		job, err := q.load(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			q.client.ZRem(ctx, key(name, "active"), id)
			continue
		}
		if err != nil {
			return nil, err
		}

		job.Attempt++
		if job.Attempt > job.MaxAttempts {
			// the last attempt outlived its visibility timeout
			job.Attempt = job.MaxAttempts
			if job.LastError == "" {
				job.LastError = "visibility timeout exceeded"
			}
			if err := q.bury(ctx, job); err != nil {
				return nil, err
			}
			continue
		}
		if err := q.save(ctx, job, 0); err != nil {
			return nil, err
		}
		return job, nil
	}
}

func (q *RedisQueue) Ack(ctx context.Context, job *Job) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, key(job.Queue, "active"), job.ID)
	pipe.Del(ctx, jobKey(job.ID))
	pipe.Expire(ctx, progressKey(job.ID), progressRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack job %s: %w", job.ID, err)
	}
	return nil
}

func (q *RedisQueue) Nack(ctx context.Context, job *Job, cause error) (bool, error) {
	if cause != nil {
		job.LastError = cause.Error()
	}
	if IsPermanent(cause) || job.FinalAttempt() {
		return false, q.bury(ctx, job)
	}

	if err := q.save(ctx, job, 0); err != nil {
		return false, err
	}
	readyAt := q.now().Add(job.Backoff.Next(job.Attempt)).UnixMilli()
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, key(job.Queue, "active"), job.ID)
	pipe.ZAdd(ctx, key(job.Queue, "delayed"), redis.Z{Score: float64(readyAt), Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("schedule retry for %s: %w", job.ID, err)
	}
	return true, nil
}

func (q *RedisQueue) bury(ctx context.Context, job *Job) error {
	if err := q.save(ctx, job, deadRetention); err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, key(job.Queue, "active"), job.ID)
	pipe.LPush(ctx, key(job.Queue, "dead"), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("move job %s to dead list: %w", job.ID, err)
	}
	return nil
}

func progressKey(id string) string { return "queue:progress:" + id }

func (q *RedisQueue) UpdateProgress(ctx context.Context, jobID string, progress interface{}) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return err
	}
	return q.client.Set(ctx, progressKey(jobID), data, progressRetention).Err()
}

func (q *RedisQueue) Progress(ctx context.Context, jobID string) (json.RawMessage, error) {
	raw, err := q.client.Get(ctx, progressKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (q *RedisQueue) Dead(ctx context.Context, name string) ([]*Job, error) {
	ids, err := q.client.LRange(ctx, key(name, "dead"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.load(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *RedisQueue) save(ctx context.Context, job *Job, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := q.client.Set(ctx, jobKey(job.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

func (q *RedisQueue) load(ctx context.Context, id string) (*Job, error) {
	raw, err := q.client.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

var _ Queue = (*RedisQueue)(nil)

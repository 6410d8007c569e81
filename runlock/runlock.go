// Package runlock guards against two pipeline runs for the same job
// overlapping when the batch CLI is invoked concurrently by an external
// scheduler (e.g. an overlapping cron tick).
package runlock

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

var (
	rdb    *redis.Client
	locker *redislock.Client
)

// Connected reports whether a Redis-backed lock is available. Run locking
// is best-effort: if REDIS_ADDRESS is unset, Acquire always succeeds.
func Connected() bool {
	return locker != nil
}

// ConnectWithRetry connects the lock client. Unlike the SQL Gateway, a
// missing Redis address is not fatal: the pipeline simply runs unlocked.
func ConnectWithRetry() {
	redisAddr := os.Getenv("REDIS_ADDRESS")
	if redisAddr == "" {
		log.Printf("REDIS_ADDRESS not set; run-level locking disabled")
		return
	}

	var attempt int
	for {
		attempt++
		rdb = redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			PoolSize: 4,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err == nil {
			locker = redislock.New(rdb)
			log.Printf("connected to redis (attempt=%d addr=%s)", attempt, redisAddr)
			return
		}
		if attempt >= 5 {
			log.Printf("giving up connecting to redis after %d attempts: %v; run-level locking disabled", attempt, err)
			rdb = nil
			return
		}
		sleep := time.Second * time.Duration(1<<attempt)
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		log.Printf("failed to connect redis (attempt=%d addr=%s): %v; retrying in %s", attempt, redisAddr, err, sleep)
		time.Sleep(sleep)
	}
}

var ErrAlreadyRunning = errors.New("runlock: another run holds the lock for this job")

// Acquire obtains an exclusive lock for jobName for the duration of one
// batch. release must be called once the run finishes, success or not.
func Acquire(ctx context.Context, jobName string, ttl time.Duration) (release func(), err error) {
	if locker == nil {
		return func() {}, nil
	}
	lock, err := locker.Obtain(ctx, "goaudits:run:"+jobName, ttl, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, ErrAlreadyRunning
		}
		return nil, err
	}
	return func() {
		_ = lock.Release(context.Background())
	}, nil
}

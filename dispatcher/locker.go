package dispatcher

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// CaseLocker provides cross-process mutual exclusion per case. The in-process
// keyMutex already serializes workers inside one dispatcher; a locker extends
// that guarantee across replicas.
type CaseLocker interface {
	// Acquire tries to take the case lock. When ok is false another holder
	// owns it and the command should be redelivered later. The returned
	// release is only valid when ok is true.
	Acquire(ctx context.Context, caseID string, ttl time.Duration) (release func(), ok bool, err error)
}

// releaseScript deletes the lock only when the caller still owns it, so a
// worker whose lock expired cannot release a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisCaseLocker implements CaseLocker with SET NX plus a TTL lease.
type RedisCaseLocker struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisCaseLocker creates a locker on the given client.
func NewRedisCaseLocker(client redis.UniversalClient) *RedisCaseLocker {
	return &RedisCaseLocker{client: client, prefix: "guardian:lock:"}
}

func (l *RedisCaseLocker) Acquire(ctx context.Context, caseID string, ttl time.Duration) (func(), bool, error) {
	key := l.prefix + caseID
	token := uuid.New().String()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(bg, l.client, []string{key}, token).Err()
	}
	return release, true, nil
}

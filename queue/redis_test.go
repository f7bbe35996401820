package queue

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisQueueContract(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("ADMISSION_TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("ADMISSION_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	queueContract(t, func(t *testing.T, clock *testClock) Queue {
		prefix := fmt.Sprintf("admission:test:%d", time.Now().UnixNano())
		t.Cleanup(func() {
			client.Del(context.Background(), prefix+":entries", prefix+":payload", prefix+":index", prefix+":seq")
		})
		q := NewRedisQueue(client, prefix)
		q.now = clock.Now
		return q
	})
}

func TestRedisMemberOrdering(t *testing.T) {
	urgent := redisMember(&Entry{ID: "a", Priority: -3, Seq: 10})
	normal := redisMember(&Entry{ID: "b", Priority: 0, Seq: 1})
	normalLater := redisMember(&Entry{ID: "c", Priority: 0, Seq: 2})

	assert.Less(t, urgent, normal)
	assert.Less(t, normal, normalLater)
	assert.True(t, strings.HasSuffix(normal, "|b"))
}

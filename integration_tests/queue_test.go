package integration_tests

import (
	"context"
	"testing"
	"time"

	"github.com/guido-cesarano/opgeeweb/pkg/queue"
	"github.com/guido-cesarano/opgeeweb/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

// setupIntegrationRedis connects to the local Redis instance on a dedicated
// queue so an existing deployment is not disturbed.
func setupIntegrationRedis(t *testing.T) *queue.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
	})
	defer rdb.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping integration test: Redis not reachable at localhost:6379 (%v)", err)
	}

	rdb.Del(context.Background(), "queue:integration", "delayed:integration", "task:integration-test-1")

	return queue.NewClient("localhost:6379", queue.WithQueues("integration"))
}

func TestIntegrationFlow(t *testing.T) {
	client := setupIntegrationRedis(t)
	ctx := context.Background()

	task := tasks.Task{
		ID:        "integration-test-1",
		Type:      "simulation",
		CreatedAt: time.Now(),
	}
	if err := client.Enqueue(ctx, task); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	dequeued, raw, err := client.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if dequeued.ID != task.ID {
		t.Errorf("Expected ID %s, got %s", task.ID, dequeued.ID)
	}

	if err := client.Start(ctx, dequeued); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := client.Complete(ctx, dequeued, raw, "integration-test-1/opgee_output.xlsx"); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	got, err := client.Get(ctx, task.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != tasks.StatusFinished {
		t.Errorf("Expected finished, got %s", got.Status)
	}

	depths := client.GetQueueDepths(ctx)
	if depths["queue:integration"] != 0 {
		t.Errorf("Expected queue:integration empty, got %d", depths["queue:integration"])
	}
}

// Package main measures broker throughput: it enqueues a batch of tasks
// directly into Redis and waits for running workers to drain them.
//
// Usage:
//
//	go run ./benchmark -tasks 1000 -type simulation
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/opgeeweb/pkg/queue"
	"github.com/guido-cesarano/opgeeweb/pkg/tasks"
)

func main() {
	numTasks := flag.Int("tasks", 1000, "Number of tasks to enqueue")
	numWorkers := flag.Int("workers", 10, "Number of concurrent enqueuers")
	redisURL := flag.String("redis", "redis://127.0.0.1:6379/0", "Redis URL")
	taskType := flag.String("type", "simulation", "Task type to enqueue")
	queueName := flag.String("queue", queue.DefaultQueue, "Queue to enqueue into")
	flag.Parse()

	if *numWorkers < 1 || *numTasks < 0 {
		fmt.Printf("-workers must be at least 1 and -tasks must not be negative\n")
		os.Exit(2)
	}

	client, err := queue.NewClientFromURL(*redisURL, queue.WithQueues(*queueName))
	if err != nil {
		fmt.Printf("Invalid Redis URL: %v\n", err)
		return
	}
	ctx := context.Background()

	fmt.Printf("OPGEE queue benchmark\n")
	fmt.Printf("=====================\n")
	fmt.Printf("Tasks to enqueue: %d (%s)\n", *numTasks, *taskType)
	fmt.Printf("Concurrent enqueuers: %d\n\n", *numWorkers)

	startEnqueue := time.Now()

	var wg sync.WaitGroup
	var enqueued atomic.Int64
	for _, share := range splitTasks(*numTasks, *numWorkers) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < share; j++ {
				task := tasks.Task{
					ID:        uuid.New().String(),
					Type:      *taskType,
					CreatedAt: time.Now(),
				}
				if err := client.Enqueue(ctx, task); err != nil {
					fmt.Printf("Error enqueuing: %v\n", err)
					return
				}
				enqueued.Add(1)
			}
		}()
	}

	wg.Wait()
	enqueueTime := time.Since(startEnqueue)

	fmt.Printf("Enqueued %d tasks in %s\n", enqueued.Load(), enqueueTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n\n", float64(enqueued.Load())/enqueueTime.Seconds())

	fmt.Printf("Waiting for workers to drain the queue...\n")
	startProcess := time.Now()

	pending := "queue:" + *queueName
	for {
		depths := client.GetQueueDepths(ctx)
		remaining := depths[pending] + depths["processing_queue"]
		if remaining == 0 {
			break
		}
		time.Sleep(2 * time.Second)
		fmt.Printf("  Remaining: %d tasks\n", remaining)
	}

	processTime := time.Since(startProcess)
	fmt.Printf("\nAll tasks processed in %s\n", processTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n", float64(enqueued.Load())/processTime.Seconds())

	depths := client.GetQueueDepths(ctx)
	fmt.Printf("Dead-lettered: %d\n", depths["dead_letter_queue"])
}

// splitTasks divides total across workers; the first total%workers get one extra.
func splitTasks(total, workers int) []int {
	shares := make([]int, workers)
	for i := range shares {
		shares[i] = total / workers
		if i < total%workers {
			shares[i]++
		}
	}
	return shares
}

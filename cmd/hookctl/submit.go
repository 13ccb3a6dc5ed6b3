package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"hookd/pkg/model"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
)

func submitCmd() *cli.Command {
	return &cli.Command{
		Name:  "submit",
		Usage: "Submit chunks (use -n for a load test)",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "n", Value: 1, Usage: "Number of chunks to submit"},
			&cli.IntFlag{Name: "t", Value: 1, Usage: "Sleep time in seconds for each chunk"},
			&cli.StringFlag{Name: "image", Usage: "Container image (worker default when empty)"},
			&cli.IntFlag{Name: "retries", Usage: "Retry count per chunk"},
			&cli.IntFlag{Name: "concurrency", Value: 50, Usage: "Max concurrent submissions"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			_, stores, err := open(ctx, cmd)
			if err != nil {
				return err
			}
			defer stores.Close()

			count := int(cmd.Int("n"))
			sleep := int(cmd.Int("t"))
			concurrency := int(cmd.Int("concurrency"))
			if count < 1 || concurrency < 1 {
				return fmt.Errorf("-n and --concurrency must be positive")
			}
			fmt.Printf("Submitting %d chunks (%ds of work each)...\n", count, sleep)

			var (
				wg     sync.WaitGroup
				failed atomic.Int64
			)
			// 信号量限制同时提交的协程数
			sem := make(chan struct{}, concurrency)
			start := time.Now()

			for i := 0; i < count; i++ {
				sem <- struct{}{}
				wg.Add(1)
				go func(id int) {
					defer func() {
						<-sem
						wg.Done()
					}()

					script := fmt.Sprintf("echo 'chunk %d started'; sleep %d; echo 'chunk %d finished'", id, sleep, id)
					chunk := &model.Chunk{
						ID:   uuid.NewString(),
						Name: fmt.Sprintf("chunk-%d", id),
						Spec: model.ChunkSpec{
							Image:      cmd.String("image"),
							Command:    []string{"sh", "-c", script},
							RetryCount: int(cmd.Int("retries")),
						},
					}
					chunk.Status.State = model.ChunkPending

					subCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
					defer cancel()
					if err := stores.Chunks.CreateChunk(subCtx, chunk); err != nil {
						failed.Add(1)
						fmt.Printf("failed to submit %s: %v\n", chunk.Name, err)
						return
					}
					if count == 1 {
						fmt.Printf("Chunk submitted: %s\n", chunk.ID)
						fmt.Printf("View logs later with: hookctl logs %s\n", chunk.ID)
					} else if id%50 == 0 {
						fmt.Printf("-> submitted batch around index %d\n", id)
					}
				}(i)
			}
			wg.Wait()

			if count > 1 {
				d := time.Since(start)
				fmt.Printf("Submitted: %d, failed: %d, time: %v, qps: %.2f\n",
					count-int(failed.Load()), failed.Load(), d, float64(count)/d.Seconds())
			}
			if failed.Load() > 0 {
				return fmt.Errorf("%d submissions failed", failed.Load())
			}
			return nil
		},
	}
}

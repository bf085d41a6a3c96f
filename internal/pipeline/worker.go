package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"docuchat/internal/quota"
)

// IngestJob is the queue payload produced at upload time.
type IngestJob struct {
	DocumentID uint `json:"document_id"`
}

// IngestWorker consumes ingest jobs and drives them through the Processor.
// Several goroutines share one channel so slow embeddings do not serialize
// the whole queue.
type IngestWorker struct {
	conn      *amqp.Connection
	processor *Processor
	queueName string
	workers   int
	prefetch  int
	log       *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewIngestWorker(conn *amqp.Connection, processor *Processor, queueName string, workers, prefetch int, log *zap.Logger) *IngestWorker {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &IngestWorker{
		conn:      conn,
		processor: processor,
		queueName: queueName,
		workers:   workers,
		prefetch:  prefetch,
		log:       log,
	}
}

func (w *IngestWorker) Start(ctx context.Context) error {
	if w.cancel != nil {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	ch, err := w.conn.Channel()
	if err != nil {
		cancel()
		return fmt.Errorf("open worker channel failed: %w", err)
	}

	_, err = ch.QueueDeclare(
		w.queueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("declare worker queue failed: %w", err)
	}

	if w.prefetch > 0 {
		if err := ch.Qos(w.prefetch, 0, false); err != nil {
			_ = ch.Close()
			cancel()
			return fmt.Errorf("set worker qos failed: %w", err)
		}
	}

	deliveries, err := ch.Consume(
		w.queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		cancel()
		return fmt.Errorf("consume queue failed: %w", err)
	}

	var closeOnce sync.Once
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer closeOnce.Do(func() { _ = ch.Close() })
			w.run(workerCtx, deliveries)
		}()
	}
	return nil
}

func (w *IngestWorker) run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			w.handle(ctx, d)
		}
	}
}

func (w *IngestWorker) handle(ctx context.Context, d amqp.Delivery) {
	var job IngestJob
	if err := json.Unmarshal(d.Body, &job); err != nil {
		w.log.Error("decode ingest job failed", zap.Error(err))
		_ = d.Nack(false, false)
		return
	}

	err := w.processor.Process(ctx, job.DocumentID)
	if err != nil {
		var exceeded *quota.ExceededError
		if errors.As(err, &exceeded) {
			// The document stays pending; a later reprocess or the next
			// quota day picks it up. Requeueing now would spin.
			w.log.Info("ingest deferred on quota",
				zap.Uint("document_id", job.DocumentID), zap.String("resource", string(exceeded.Resource)))
			_ = d.Ack(false)
			return
		}
		// Terminal failures are already recorded on the document row.
		w.log.Error("ingest job failed", zap.Uint("document_id", job.DocumentID), zap.Error(err))
		_ = d.Ack(false)
		return
	}

	_ = d.Ack(false)
}

func (w *IngestWorker) Close() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

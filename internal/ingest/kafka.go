package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"banguard/internal/config"
	"banguard/internal/model"
)

// StartKafka consumes raw log lines from a topic, for hosts that ship their
// auth logs through a broker instead of local files. Lines carry no path, so
// every enabled jail's filters apply to them.
func StartKafka(ctx context.Context, cfg config.KafkaConfig, out chan<- model.Line, logger *slog.Logger, wg *sync.WaitGroup) {
	if !cfg.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", cfg.Brokers, "topic", cfg.Topic, "group_id", cfg.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				continue
			}
			text := string(m.Value)
			if text == "" {
				continue
			}
			SendNonBlocking(ctx, out, model.Line{
				Source:  "kafka",
				Text:    text,
				Arrived: time.Now().UTC(),
			}, logger)
		}
	}()
}

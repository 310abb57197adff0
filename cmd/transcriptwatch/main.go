// Command transcriptwatch tails the bridge's Kafka topics and logs every
// transcript and job event as it arrives.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"speech-engine-bridge/internal/config"
	"speech-engine-bridge/internal/models"
)

func main() {
	cfg := config.Load()

	brokers := flag.String("brokers", strings.Join(cfg.Kafka.Brokers, ","), "Kafka brokers (comma-separated)")
	topics := flag.String("topics", strings.Join([]string{cfg.Kafka.TopicPartial, cfg.Kafka.TopicFinal, cfg.Kafka.TopicJobs}, ","), "Topics to tail (comma-separated)")
	group := flag.String("group", "", "Consumer group; partition 0 of each topic is read when empty")
	since := flag.Duration("since", time.Hour, "Replay messages newer than this when no group is set")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for _, topic := range strings.Split(*topics, ",") {
		topic = strings.TrimSpace(topic)
		if topic == "" {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			consume(ctx, strings.Split(*brokers, ","), topic, *group, *since)
		}()
	}
	log.Info().Str("brokers", *brokers).Str("topics", *topics).Msg("Transcript watch started")
	wg.Wait()
}

func consume(ctx context.Context, brokers []string, topic, group string, since time.Duration) {
	rc := kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  group,
		MinBytes: 1,
		MaxBytes: 10e6,
	}
	reader := kafka.NewReader(rc)
	defer reader.Close()

	logger := log.With().Str("topic", topic).Logger()
	if group == "" {
		if err := reader.SetOffsetAt(ctx, time.Now().Add(-since)); err != nil {
			logger.Warn().Err(err).Msg("Could not seek, reading from the start")
		}
	}

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("Kafka read error")
			time.Sleep(time.Second)
			continue
		}
		if err := logEvent(logger, msg.Value); err != nil {
			logger.Warn().Err(err).Str("key", string(msg.Key)).Msg("Skipping message")
		}
	}
}

// logEvent decodes one event by its eventType and logs a summary line.
func logEvent(logger zerolog.Logger, value []byte) error {
	var head struct {
		EventType string `json:"eventType"`
	}
	if err := json.Unmarshal(value, &head); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}

	switch head.EventType {
	case models.EventPartial:
		var ev models.TranscriptPartial
		if err := json.Unmarshal(value, &ev); err != nil {
			return fmt.Errorf("decode partial: %w", err)
		}
		logger.Debug().
			Str("session", ev.SessionID).
			Str("source", ev.Source).
			Int("index", ev.ResultIndex).
			Msg(ev.Text)
	case models.EventFinal:
		var ev models.TranscriptFinal
		if err := json.Unmarshal(value, &ev); err != nil {
			return fmt.Errorf("decode final: %w", err)
		}
		event := logger.Info().
			Str("session", ev.SessionID).
			Str("source", ev.Source).
			Int("index", ev.ResultIndex)
		if ev.Confidence != nil {
			event = event.Float64("confidence", *ev.Confidence)
		}
		event.Msg(ev.Text)
	case models.EventJobCompleted:
		var ev models.JobCompleted
		if err := json.Unmarshal(value, &ev); err != nil {
			return fmt.Errorf("decode job: %w", err)
		}
		event := logger.Info()
		if ev.Error != "" {
			event = logger.Warn().Str("error", ev.Error)
		}
		event.Str("job", ev.JobID).
			Str("status", ev.Status).
			Int64("elapsedMs", ev.ElapsedMs).
			Msg(ev.Transcript)
	case "":
		return errors.New("event without eventType")
	default:
		return fmt.Errorf("unknown event type %q", head.EventType)
	}
	return nil
}

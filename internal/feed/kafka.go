package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/tathienbao/stgeng/internal/metrics"
)

// KafkaConfig configures a kafka consumer source.
type KafkaConfig struct {
	Name           string
	Brokers        []string
	Topic          string
	GroupID        string
	SessionTimeout time.Duration
	CommitInterval time.Duration
	MinBytes       int
	MaxBytes       int
	StartAtLatest  bool
}

// KafkaSource consumes envelopes from a kafka topic. Messages are committed after they were handed to the sink,
// bad messages are committed and skipped.
type KafkaSource struct {
	cfg      KafkaConfig
	reader   *kafka.Reader
	sink     Sink
	logger   *slog.Logger
	recorder *metrics.Recorder
}

// NewKafkaSource creates a kafka source. The reader connects lazily on the first fetch.
func NewKafkaSource(cfg KafkaConfig, sink Sink, logger *slog.Logger) (*KafkaSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka feed %q needs brokers and a topic", cfg.Name)
	}
	if cfg.Name == "" {
		cfg.Name = "kafka:" + cfg.Topic
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 10 * time.Second
	}
	if cfg.CommitInterval <= 0 {
		cfg.CommitInterval = time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 10e6
	}

	start := kafka.FirstOffset
	if cfg.StartAtLatest {
		start = kafka.LastOffset
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		SessionTimeout: cfg.SessionTimeout,
		CommitInterval: cfg.CommitInterval,
		StartOffset:    start,
		MinBytes:       cfg.MinBytes,
		MaxBytes:       cfg.MaxBytes,
	})

	return &KafkaSource{
		cfg:      cfg,
		reader:   reader,
		sink:     sink,
		logger:   logger,
		recorder: metrics.NewRecorder(),
	}, nil
}

// Name returns the feed identifier.
func (s *KafkaSource) Name() string {
	return s.cfg.Name
}

// Run fetches and delivers messages until ctx is done.
func (s *KafkaSource) Run(ctx context.Context) error {
	s.recorder.RecordFeedStatus(s.cfg.Name, true)
	defer s.recorder.RecordFeedStatus(s.cfg.Name, false)

	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		s.handle(ctx, msg)

		if s.cfg.GroupID == "" {
			continue
		}
		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("kafka commit failed", "feed", s.cfg.Name, "offset", msg.Offset, "err", err)
		}
	}
}

func (s *KafkaSource) handle(ctx context.Context, msg kafka.Message) {
	err := Deliver(ctx, s.sink, msg.Value)
	switch {
	case err == nil:
		s.recorder.RecordFeedMessage(s.cfg.Name, "ok")
	case errors.Is(err, ErrBadEnvelope):
		s.logger.Warn("kafka message skipped",
			"feed", s.cfg.Name,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"err", err,
		)
		s.recorder.RecordFeedMessage(s.cfg.Name, "bad_envelope")
	default:
		s.logger.Warn("kafka message not published", "feed", s.cfg.Name, "offset", msg.Offset, "err", err)
		s.recorder.RecordFeedMessage(s.cfg.Name, "rejected")
	}
}

// Close closes the reader.
func (s *KafkaSource) Close() error {
	return s.reader.Close()
}

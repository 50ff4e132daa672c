package feed

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/tathienbao/stgeng/internal/metrics"
)

// ReplayConfig configures a file replay source.
type ReplayConfig struct {
	Name string
	Path string
	// Speed scales the gaps between envelope timestamps; 0 replays as fast as the sink accepts.
	Speed float64
}

// ReplaySource publishes recorded envelopes from a file, one JSON envelope per line. Blank lines and lines
// starting with '#' are skipped.
type ReplaySource struct {
	cfg      ReplayConfig
	sink     Sink
	logger   *slog.Logger
	recorder *metrics.Recorder

	delivered int
	skipped   int
}

// NewReplaySource creates a replay source.
func NewReplaySource(cfg ReplayConfig, sink Sink, logger *slog.Logger) (*ReplaySource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Path == "" {
		return nil, errors.New("replay feed needs a path")
	}
	if cfg.Name == "" {
		cfg.Name = "replay:" + cfg.Path
	}
	return &ReplaySource{
		cfg:      cfg,
		sink:     sink,
		logger:   logger,
		recorder: metrics.NewRecorder(),
	}, nil
}

// Name returns the feed identifier.
func (s *ReplaySource) Name() string {
	return s.cfg.Name
}

// Run replays the file once and returns.
func (s *ReplaySource) Run(ctx context.Context) error {
	file, err := os.Open(s.cfg.Path)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	if err := s.replay(ctx, file); err != nil {
		return err
	}
	s.logger.Info("replay finished", "feed", s.cfg.Name, "delivered", s.delivered, "skipped", s.skipped)
	return nil
}

func (s *ReplaySource) replay(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var prevTs int64
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}

		if s.cfg.Speed > 0 {
			ts := peekTs(line)
			if prevTs > 0 && ts > prevTs {
				gap := time.Duration(float64(time.Duration(ts-prevTs)*time.Millisecond) / s.cfg.Speed)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(gap):
				}
			}
			if ts > 0 {
				prevTs = ts
			}
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		if err := Deliver(ctx, s.sink, line); err != nil {
			if !errors.Is(err, ErrBadEnvelope) {
				return fmt.Errorf("line %d: %w", lineNum, err)
			}
			s.logger.Warn("replay line skipped", "feed", s.cfg.Name, "line", lineNum, "err", err)
			s.recorder.RecordFeedMessage(s.cfg.Name, "bad_envelope")
			s.skipped++
			continue
		}
		s.recorder.RecordFeedMessage(s.cfg.Name, "ok")
		s.delivered++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read line %d: %w", lineNum, err)
	}
	return nil
}

// Delivered returns how many envelopes were published.
func (s *ReplaySource) Delivered() int {
	return s.delivered
}

// Close is a no-op; Run closes the file.
func (s *ReplaySource) Close() error {
	return nil
}

func peekTs(line []byte) int64 {
	var head struct {
		Ts int64 `json:"ts"`
	}
	if err := json.Unmarshal(line, &head); err != nil {
		return 0
	}
	return head.Ts
}

// Package feed ingests market data, position and asset updates from external transports and publishes them
// into the engine.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sourcegraph/conc/pool"
	"github.com/tathienbao/stgeng/internal/topic"
	"github.com/tathienbao/stgeng/internal/types"
)

// Envelope kinds.
const (
	KindTrades         = "trades"
	KindOrders         = "orders"
	KindBooks          = "books"
	KindTickers        = "tickers"
	KindCandle         = "candle"
	KindPosUpdate      = "pos_update"
	KindPosSnapshot    = "pos_snapshot"
	KindAssetsUpdate   = "assets_update"
	KindAssetsSnapshot = "assets_snapshot"
	KindPush           = "push"
)

// ErrBadEnvelope is returned for messages that cannot be decoded.
var ErrBadEnvelope = errors.New("bad feed envelope")

// Sink receives decoded updates. *engine.Engine implements it.
type Sink interface {
	PublishMD(ctx context.Context, topic string, md any) error
	PublishPushTopic(ctx context.Context, topic string, data []byte) error
	PublishPos(ctx context.Context, topic string, legs []types.PosInfo, snapshot bool) error
	PublishAssets(ctx context.Context, topic string, assets []types.AssetInfo, snapshot bool) error
}

// Source produces updates until its context is done or the transport fails for good.
type Source interface {
	Run(ctx context.Context) error
	Close() error
	Name() string
}

// Envelope is the wire format shared by every source. Kind may be omitted; it is then derived from the topic.
type Envelope struct {
	Topic string          `json:"topic"`
	Kind  string          `json:"kind,omitempty"`
	Ts    int64           `json:"ts,omitempty"` // unix millis, producer side
	Data  json.RawMessage `json:"data"`
}

// Deliver decodes one raw message and publishes it to sink.
func Deliver(ctx context.Context, sink Sink, raw []byte) error {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	return DeliverEnvelope(ctx, sink, env)
}

// DeliverEnvelope publishes a decoded envelope to sink.
func DeliverEnvelope(ctx context.Context, sink Sink, env Envelope) error {
	if env.Topic == "" {
		return fmt.Errorf("%w: missing topic", ErrBadEnvelope)
	}
	kind := env.Kind
	if kind == "" {
		kind = inferKind(env.Topic)
	}

	switch kind {
	case KindTrades:
		return publishMD[types.Trades](ctx, sink, env)
	case KindOrders:
		return publishMD[types.Orders](ctx, sink, env)
	case KindBooks:
		return publishMD[types.Books](ctx, sink, env)
	case KindTickers:
		return publishMD[types.Tickers](ctx, sink, env)
	case KindCandle:
		return publishMD[types.Candle](ctx, sink, env)
	case KindPosUpdate, KindPosSnapshot:
		var legs []types.PosInfo
		if err := decodeData(env, &legs); err != nil {
			return err
		}
		return sink.PublishPos(ctx, env.Topic, legs, kind == KindPosSnapshot)
	case KindAssetsUpdate, KindAssetsSnapshot:
		var assets []types.AssetInfo
		if err := decodeData(env, &assets); err != nil {
			return err
		}
		return sink.PublishAssets(ctx, env.Topic, assets, kind == KindAssetsSnapshot)
	case KindPush:
		return sink.PublishPushTopic(ctx, env.Topic, []byte(env.Data))
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrBadEnvelope, kind)
	}
}

func publishMD[T any](ctx context.Context, sink Sink, env Envelope) error {
	var md T
	if err := decodeData(env, &md); err != nil {
		return err
	}
	return sink.PublishMD(ctx, env.Topic, md)
}

func decodeData(env Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: missing data for %s", ErrBadEnvelope, env.Topic)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadEnvelope, env.Topic, err)
	}
	return nil
}

func inferKind(s string) string {
	if _, ok := topic.ParsePosTopic(s); ok {
		return KindPosUpdate
	}
	if topic.IsAssetsTopic(s) {
		return KindAssetsUpdate
	}
	t, err := topic.Parse(s)
	if err != nil {
		return KindPush
	}
	md, ok := t.MDType()
	if !ok {
		return KindPush
	}
	switch md {
	case types.MDTypeTrades:
		return KindTrades
	case types.MDTypeOrders:
		return KindOrders
	case types.MDTypeBooks:
		return KindBooks
	case types.MDTypeTickers:
		return KindTickers
	case types.MDTypeCandle:
		return KindCandle
	default:
		return KindPush
	}
}

// RunAll runs every source until ctx is done and returns their joined errors. One failing source does not
// stop the others.
func RunAll(ctx context.Context, logger *slog.Logger, sources ...Source) error {
	if logger == nil {
		logger = slog.Default()
	}
	p := pool.New().WithErrors().WithContext(ctx)
	for _, s := range sources {
		p.Go(func(ctx context.Context) error {
			logger.Info("feed started", "feed", s.Name())
			err := s.Run(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("feed stopped", "feed", s.Name(), "err", err)
				return fmt.Errorf("%s: %w", s.Name(), err)
			}
			logger.Info("feed stopped", "feed", s.Name())
			return nil
		})
	}
	return p.Wait()
}

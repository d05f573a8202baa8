package corpus

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"fuzzcore/pkg/telemetry"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrNoSeeds = errors.New("no seeds available")

// Grabber fetches bootstrap seeds for a target from one source
type Grabber interface {
	GrabSeeds(ctx context.Context, targetID string) ([][]byte, error)
}

// CorpusGrabber tries its grabbers in order and returns the first non-empty result.
// It bootstraps targets that have neither a snapshot nor analyzer generated inputs.
type CorpusGrabber struct {
	grabbers []Grabber
	logger   *zap.Logger
}

type CorpusGrabberParams struct {
	fx.In

	Logger            *zap.Logger
	RedisSeedGrabber  *RedisSeedGrabber `optional:"true"`
	RandomSeedGrabber *RandomSeedGrabber
}

func NewCorpusGrabber(params CorpusGrabberParams) *CorpusGrabber {
	return NewCorpusGrabberFrom(params.Logger, params.RedisSeedGrabber, params.RandomSeedGrabber)
}

func NewCorpusGrabberFrom(logger *zap.Logger, grabbers ...Grabber) *CorpusGrabber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CorpusGrabber{grabbers: grabbers, logger: logger}
}

func (s *CorpusGrabber) GrabSeeds(ctx context.Context, targetID string) ([][]byte, error) {
	tracer := telemetry.FromContext(ctx).Spawn("grabbing bootstrap seeds")
	tracer.Start()
	defer tracer.End()

	for _, grabber := range s.grabbers {
		if grabber == nil || reflect.ValueOf(grabber).IsNil() {
			continue // optional grabbers are nil when their backend is not configured
		}
		name := reflect.TypeOf(grabber).Elem().Name()
		seeds, err := grabber.GrabSeeds(ctx, targetID)
		if err != nil {
			s.logger.Warn("failed to grab seeds",
				zap.String("grabber", name),
				zap.String("target_id", targetID),
				zap.Error(err))
			tracer.AddEvent("failed_to_grab_seeds", telemetry.NewEventAttributes(map[string]string{"grabber": name}))
			continue
		}
		if len(seeds) == 0 {
			continue
		}
		s.logger.Info("grabbed bootstrap seeds",
			zap.String("grabber", name),
			zap.String("target_id", targetID),
			zap.Int("seed_count", len(seeds)))
		tracer.WithAttributes(telemetry.EmptySpanAttributes().WithTargetID(targetID).WithCorpusSize(len(seeds)))
		return seeds, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoSeeds, targetID)
}

var CorpusGrabbersModule = fx.Module("corpus_grabbers",
	fx.Provide(
		NewRedisSeedGrabber,
		NewRandomSeedGrabber,
		NewCorpusGrabber,
	),
)

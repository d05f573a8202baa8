package seeds

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"fuzzcore/config"
	"fuzzcore/internal/types"
	"fuzzcore/internal/utils"
	"fuzzcore/pkg/database"
	"fuzzcore/pkg/mq"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	SeedSyncQueueName = "seed_sync_queue"

	batchSize     = 1024
	flushInterval = time.Minute
	syncTimeout   = 10 * time.Second
)

// SeedManager batches the seeds admitted into every corpus and ships each batch as a
// tar.gz bundle, announced on the seed sync queue and recorded in the database
type SeedManager struct {
	rabbitMQ mq.RabbitMQ
	db       *gorm.DB
	logger   *zap.Logger

	seedFolder string
	seedChan   chan types.SeedMessage
	seedChanWg sync.WaitGroup
	done       chan struct{}
	flushEvery time.Duration
}

type SeedManagerParams struct {
	fx.In

	Config    *config.AppConfig
	RabbitMQ  mq.RabbitMQ `optional:"true"`
	DB        *gorm.DB    `optional:"true"`
	Logger    *zap.Logger
	Lifecycle fx.Lifecycle
}

// NewSeedManager returns nil when neither rabbitmq nor the database is configured since
// the bundles would have no consumer
func NewSeedManager(p SeedManagerParams) (*SeedManager, error) {
	if p.RabbitMQ == nil && p.DB == nil {
		return nil, nil
	}
	s, err := newSeedManager(p.Config.SeedFolder, p.RabbitMQ, p.DB, p.Logger)
	if err != nil {
		return nil, err
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			s.logger.Debug("starting seed manager")
			if s.rabbitMQ != nil {
				if err := s.rabbitMQ.DeclareQueue(SeedSyncQueueName); err != nil {
					return err
				}
			}
			s.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			s.logger.Debug("stopping seed manager")
			s.Stop()
			return nil
		},
	})
	return s, nil
}

func newSeedManager(seedFolder string, rabbitMQ mq.RabbitMQ, db *gorm.DB, logger *zap.Logger) (*SeedManager, error) {
	if err := os.MkdirAll(seedFolder, 0755); err != nil {
		return nil, err
	}
	return &SeedManager{
		rabbitMQ:   rabbitMQ,
		db:         db,
		logger:     logger,
		seedFolder: seedFolder,
		seedChan:   make(chan types.SeedMessage, batchSize),
		done:       make(chan struct{}),
		flushEvery: flushInterval,
	}, nil
}

func (s *SeedManager) Start() {
	go s.start()
}

// Stop waits until all registered channels are closed, then flushes the last batch
func (s *SeedManager) Stop() {
	s.seedChanWg.Wait()
	close(s.seedChan)
	<-s.done
}

// Route the messages in a seed message channel to the fan-in channel
func (s *SeedManager) RegisterSeedChan(rCh <-chan types.SeedMessage) {
	s.seedChanWg.Add(1)
	go func() {
		defer s.seedChanWg.Done()
		for seed := range rCh {
			s.seedChan <- seed
		}
	}()
}

func (s *SeedManager) start() {
	defer close(s.done)
	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()

	batch := make([]types.SeedMessage, 0, batchSize)

	for {
		select {
		case seed, ok := <-s.seedChan:
			if !ok {
				// channel closed: flush any remaining seeds, then exit
				if len(batch) > 0 {
					s.processSeedMessages(batch)
				}
				return
			}
			batch = append(batch, seed)

			if len(batch) >= batchSize {
				s.processSeedMessages(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.processSeedMessages(batch)
				batch = batch[:0]
			}
		}
	}
}

func (s *SeedManager) processSeedMessages(msgs []types.SeedMessage) {
	// group the seeds by target
	targetSeeds := make(map[string][]types.SeedMessage)
	for _, msg := range msgs {
		targetSeeds[msg.TargetID] = append(targetSeeds[msg.TargetID], msg)
	}

	wg := sync.WaitGroup{}
	for targetID, seeds := range targetSeeds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.shipBundle(targetID, seeds); err != nil {
				s.logger.Error("failed to ship seed bundle",
					zap.String("target_id", targetID),
					zap.Int("seeds_count", len(seeds)),
					zap.Error(err))
			}
		}()
	}
	wg.Wait()
}

func (s *SeedManager) shipBundle(targetID string, seeds []types.SeedMessage) error {
	s.logger.Debug("processing seed messages",
		zap.String("target_id", targetID),
		zap.Int("seeds_count", len(seeds)))

	// use a tmp folder to collect the seeds together
	tmpDir, err := os.MkdirTemp("", "seed-bundle-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmpDir)

	ids := make([]string, 0, len(seeds))
	sources := make(map[string]int)
	for _, seed := range seeds {
		if err := os.WriteFile(filepath.Join(tmpDir, seed.SeedID), seed.Content, 0644); err != nil {
			return err
		}
		ids = append(ids, seed.SeedID)
		sources[seed.Source]++
	}

	bundlePath := filepath.Join(s.seedFolder, targetID+"-"+uuid.New().String()+".tar.gz")
	if err := utils.CompressTarGz(tmpDir, bundlePath); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()

	if s.rabbitMQ != nil {
		body, err := json.Marshal(types.SeedSyncMessage{
			TargetID: targetID,
			SeedIDs:  ids,
			Bundle:   bundlePath,
		})
		if err != nil {
			return err
		}
		if err := s.rabbitMQ.PublishJSON(ctx, SeedSyncQueueName, body); err != nil {
			return err
		}
	}

	if s.db != nil {
		hostname, _ := os.Hostname()
		metric := database.Metric{}
		for source, n := range sources {
			metric[source] = n
		}
		bundle := database.NewSeedBundle(targetID, bundlePath, bundleOrigin(sources), hostname, len(seeds), metric)
		if err := database.AddSeedBundle(ctx, s.db, bundle); err != nil {
			return err
		}
	}
	return nil
}

// bundleOrigin names a bundle after its dominant seed source
func bundleOrigin(sources map[string]int) database.SeedOrigin {
	best, bestN := "", 0
	for source, n := range sources {
		if n > bestN || (n == bestN && source < best) {
			best, bestN = source, n
		}
	}
	switch best {
	case "generated":
		return database.OriginAnalyzer
	case "minimized":
		return database.OriginMinimizer
	case "manual":
		return database.OriginImport
	default:
		return database.OriginFuzz
	}
}

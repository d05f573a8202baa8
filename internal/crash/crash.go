package crash

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"fuzzcore/config"
	"fuzzcore/internal/types"
	"fuzzcore/pkg/database"
	"fuzzcore/pkg/metrics"
	"fuzzcore/pkg/mq"
	"fuzzcore/pkg/telemetry"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	CrashQueueName = "crash_queue"
	publishTimeout = 10 * time.Second
)

var ErrUnsafePath = errors.New("unsafe crash store path component")

// CrashNotification is the crash_queue payload
type CrashNotification struct {
	Kind             types.ClusterEventKind `json:"kind"`
	TargetID         string                 `json:"target_id"`
	Fingerprint      string                 `json:"fingerprint"`
	Signal           string                 `json:"signal"`
	Severity         string                 `json:"severity"`
	Count            int                    `json:"count"`
	POC              string                 `json:"poc"`
	ReductionPercent float64                `json:"reduction_percent,omitempty"`
}

// CrashManager is the fan-in consumer of cluster events from every session. It stores
// representative inputs on disk and forwards them to the database and the crash queue
// when those are configured.
type CrashManager struct {
	db       *gorm.DB
	rabbitMQ mq.RabbitMQ
	logger   *zap.Logger

	crashFolder string
	eventChan   chan types.ClusterEvent
	wg          sync.WaitGroup
	done        chan struct{}
}

type CrashManagerParams struct {
	fx.In

	Config    *config.AppConfig
	DB        *gorm.DB    `optional:"true"`
	RabbitMQ  mq.RabbitMQ `optional:"true"`
	Logger    *zap.Logger
	Lifecycle fx.Lifecycle
}

func NewCrashManager(p CrashManagerParams) (*CrashManager, error) {
	c, err := newCrashManager(p.Config.CrashFolder, p.DB, p.RabbitMQ, p.Logger)
	if err != nil {
		return nil, err
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			c.logger.Debug("starting crash manager")
			if c.rabbitMQ != nil {
				if err := c.rabbitMQ.DeclareQueue(CrashQueueName); err != nil {
					return err
				}
			}
			c.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			c.logger.Info("stopping crash manager")
			c.Stop()
			return nil
		},
	})
	return c, nil
}

func newCrashManager(crashFolder string, db *gorm.DB, rabbitMQ mq.RabbitMQ, logger *zap.Logger) (*CrashManager, error) {
	if err := os.MkdirAll(crashFolder, 0755); err != nil {
		return nil, fmt.Errorf("failed to create crash folder: %w", err)
	}
	return &CrashManager{
		db:          db,
		rabbitMQ:    rabbitMQ,
		logger:      logger,
		crashFolder: crashFolder,
		eventChan:   make(chan types.ClusterEvent, 1024),
		done:        make(chan struct{}),
	}, nil
}

func (c *CrashManager) Start() {
	go c.start()
}

// Stop waits for every registered channel to close, then drains the pending events
func (c *CrashManager) Stop() {
	c.wg.Wait()
	close(c.eventChan)
	<-c.done
}

// RegisterEventChan routes the events of one session into the fan-in channel until rCh
// is closed
func (c *CrashManager) RegisterEventChan(ctx context.Context, rCh <-chan types.ClusterEvent) {
	c.wg.Add(1)
	tracer := telemetry.FromContext(ctx).Spawn("crash manager")
	tracer.Start()
	go func() {
		defer c.wg.Done()
		defer tracer.End()

		clusters := 0
		for event := range rCh {
			if event.Kind == types.ClusterCreated {
				clusters++
			}
			c.eventChan <- event
		}
		c.logger.Debug("cluster event channel closed")
		tracer.WithAttributes(telemetry.EmptySpanAttributes().WithExtraAttribute("clusters_found", clusters))
	}()
}

func (c *CrashManager) start() {
	defer close(c.done)
	for event := range c.eventChan {
		if err := c.processEvent(event); err != nil {
			c.logger.Error("failed to process cluster event",
				zap.String("target_id", event.TargetID),
				zap.String("fingerprint", event.Fingerprint),
				zap.Error(err))
		}
	}
}

func (c *CrashManager) processEvent(event types.ClusterEvent) error {
	metrics.ClusterEvents.WithLabelValues(string(event.Kind), event.Severity).Inc()

	pocPath, err := c.storeRepresentative(event)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if c.db != nil {
		record := database.NewCrashRecord(
			event.TargetID,
			event.Fingerprint,
			string(event.Kind),
			event.Signal,
			event.Severity,
			event.Count,
			pocPath,
		)
		record.ReductionPercent = event.ReductionPercent
		if err := database.AddCrashRecords(ctx, c.db, []*database.CrashRecord{record}); err != nil {
			return fmt.Errorf("failed to add crash record: %w", err)
		}
	}

	if c.rabbitMQ != nil {
		body, err := json.Marshal(CrashNotification{
			Kind:             event.Kind,
			TargetID:         event.TargetID,
			Fingerprint:      event.Fingerprint,
			Signal:           event.Signal,
			Severity:         event.Severity,
			Count:            event.Count,
			POC:              pocPath,
			ReductionPercent: event.ReductionPercent,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal crash notification: %w", err)
		}
		if err := c.rabbitMQ.PublishJSON(ctx, CrashQueueName, body); err != nil {
			return fmt.Errorf("failed to publish crash notification: %w", err)
		}
	}

	c.logger.Debug("cluster event processed",
		zap.String("kind", string(event.Kind)),
		zap.String("target_id", event.TargetID),
		zap.String("fingerprint", event.Fingerprint),
		zap.String("poc", pocPath))
	return nil
}

// storeRepresentative writes the input content addressed by md5 under
// <crash_folder>/<target_id>/<fingerprint>/
func (c *CrashManager) storeRepresentative(event types.ClusterEvent) (string, error) {
	for _, part := range []string{event.TargetID, event.Fingerprint} {
		if err := checkPathComponent(part); err != nil {
			return "", err
		}
	}
	crashStore := filepath.Join(c.crashFolder, event.TargetID, event.Fingerprint)
	if err := os.MkdirAll(crashStore, 0755); err != nil {
		return "", fmt.Errorf("failed to create crash store directory: %w", err)
	}
	crashMd5 := md5.Sum(event.Representative)
	crashPath := filepath.Join(crashStore, hex.EncodeToString(crashMd5[:]))
	if err := os.WriteFile(crashPath, event.Representative, 0644); err != nil {
		return "", fmt.Errorf("failed to write crash file: %w", err)
	}
	return crashPath, nil
}

// checkPathComponent accepts only names that stay inside their parent directory
func checkPathComponent(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) ||
		filepath.Base(name) != name || filepath.IsAbs(name) {
		return fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return nil
}

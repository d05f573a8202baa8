package seeds

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fuzzcore/internal/types"
	"fuzzcore/pkg/database"
	"fuzzcore/pkg/watchdog"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeMQ struct {
	mu        sync.Mutex
	published map[string][][]byte
}

func (f *fakeMQ) GetChannel() *amqp.Channel      { return nil }
func (f *fakeMQ) DeclareQueue(name string) error { return nil }
func (f *fakeMQ) PublishJSON(ctx context.Context, queue string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.published == nil {
		f.published = map[string][][]byte{}
	}
	f.published[queue] = append(f.published[queue], body)
	return nil
}

func TestSeedManagerShipsOneBundlePerTarget(t *testing.T) {
	if _, err := exec.LookPath("tar"); err != nil {
		t.Skip("tar not available")
	}
	mq := &fakeMQ{}
	s, err := newSeedManager(t.TempDir(), mq, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	s.Start()

	ch := make(chan types.SeedMessage)
	s.RegisterSeedChan(ch)
	ch <- types.SeedMessage{TargetID: "a", SeedID: "s1", Source: "mutated", Content: []byte("one")}
	ch <- types.SeedMessage{TargetID: "a", SeedID: "s2", Source: "generated", Content: []byte("two")}
	ch <- types.SeedMessage{TargetID: "b", SeedID: "s3", Source: "manual", Content: []byte("three")}
	close(ch)
	s.Stop()

	require.Len(t, mq.published[SeedSyncQueueName], 2)
	bundles := map[string]types.SeedSyncMessage{}
	for _, body := range mq.published[SeedSyncQueueName] {
		var msg types.SeedSyncMessage
		require.NoError(t, json.Unmarshal(body, &msg))
		bundles[msg.TargetID] = msg
	}
	assert.ElementsMatch(t, []string{"s1", "s2"}, bundles["a"].SeedIDs)
	assert.Equal(t, []string{"s3"}, bundles["b"].SeedIDs)
	assert.FileExists(t, bundles["a"].Bundle)
}

func TestBundleOrigin(t *testing.T) {
	assert.Equal(t, database.OriginFuzz, bundleOrigin(map[string]int{"mutated": 3, "generated": 1}))
	assert.Equal(t, database.OriginAnalyzer, bundleOrigin(map[string]int{"generated": 2}))
	assert.Equal(t, database.OriginMinimizer, bundleOrigin(map[string]int{"minimized": 1}))
	// ties go to the alphabetically first source
	assert.Equal(t, database.OriginAnalyzer, bundleOrigin(map[string]int{"manual": 1, "generated": 1}))
}

type fakeImporter struct {
	mu       sync.Mutex
	imported map[string][]string
}

func (f *fakeImporter) ImportSeedFile(targetID, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imported[targetID] = append(f.imported[targetID], filepath.Base(path))
	return nil
}

func (f *fakeImporter) get(targetID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.imported[targetID]...)
}

func TestDropWatcherImportsFiles(t *testing.T) {
	logger := zaptest.NewLogger(t)
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "existing"), 0755))

	importer := &fakeImporter{imported: map[string][]string{}}
	w := NewDropWatcherFor(dir, importer, watchdog.NewWatchDogFactory(logger), logger)
	require.NoError(t, w.Start())
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "existing", "seed1"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "existing", ".hidden"), []byte("x"), 0644))
	require.Eventually(t, func() bool {
		return len(importer.get("existing")) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"seed1"}, importer.get("existing"))

	require.NoError(t, os.Mkdir(filepath.Join(dir, "fresh"), 0755))
	n := 0
	require.Eventually(t, func() bool {
		// the new directory is watched once its create event was handled
		n++
		_ = os.WriteFile(filepath.Join(dir, "fresh", fmt.Sprintf("seed%d", n)), []byte("y"), 0644)
		return len(importer.get("fresh")) > 0
	}, 5*time.Second, 100*time.Millisecond)
}

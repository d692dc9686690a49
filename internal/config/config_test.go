package config_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/riverviewauto/daqagent/go/util"
	"github.com/riverviewauto/daqagent/internal/config"
)

const sampleYAML = `
primaryConnectionString: "mongodb://localhost:27017"
primaryDatabase: daq
primaryCollection: datapoints
queueCapacity: 10000
batchSize: 500
batchTimeoutMs: 1000
primaryWriteTimeoutS: 5
healthCheckIntervalS: 5
healthProbeTimeoutS: 2
healthFailureThreshold: 3
circuitBreakerThreshold: 5
circuitBreakerCooldownS: 30
ttlDays: 0
defaultSessionTimeoutMs: 60000
defaultKeepAliveIntervalMs: 5000
servers:
  - id: plc-1
    displayName: "Line 1 PLC"
    endpointUrl: "opc.tcp://plc-1:4840"
    enabled: true
    subscriptions:
      - nodeId: "ns=2;s=Temperature"
        displayName: Temperature
        browsePath: "/Line1/Temperature"
        samplingIntervalMs: 500
        publishingIntervalMs: 1000
        queueSize: 10
        discardOldest: true
        enabled: true
`

func TestLoad_ParsesSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	snap, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "daq", snap.PrimaryDatabase)
	require.Equal(t, 10000, snap.QueueCapacity)
	require.Len(t, snap.Servers, 1)
	require.Equal(t, "plc-1", snap.Servers[0].ID)
	require.Len(t, snap.Servers[0].Subscriptions, 1)
	require.Equal(t, time.Second, snap.BatchTimeout())
}

func TestLoad_RejectsServerWithEmptyID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
servers:
  - id: ""
    endpointUrl: "opc.tcp://x:4840"
    enabled: true
`), 0o644))

	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoad_RejectsServerWithEmptyEndpoint(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
servers:
  - id: plc-1
    endpointUrl: ""
    enabled: true
`), 0o644))

	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoad_SkipsValidationForDisabledServers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
servers:
  - id: ""
    endpointUrl: ""
    enabled: false
`), 0o644))

	_, err := config.Load(path)
	require.NoError(t, err)
}

func TestWatcher_PublishesOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	w := config.NewWatcher(path, 20*time.Millisecond)
	w.Start()
	defer w.Stop()

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, util.WithWriteFile(path, func(wtr io.Writer) error {
		_, err := wtr.Write([]byte(sampleYAML + "\nttlDays: 7\n"))
		return err
	}))

	select {
	case snap := <-w.Watch():
		require.Equal(t, 7, snap.TTLDays)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watcher to publish updated snapshot")
	}
}

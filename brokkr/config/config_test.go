package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	conf, err := Load("")
	require.NoError(t, err)
	require.Equal(t, StorageDisk, conf.Storage)
	require.Equal(t, int32(50), conf.OffsetsTopicNumPartitions)
	require.NotNil(t, conf.SerfLANConfig)
	require.NotNil(t, conf.RaftConfig)
}

func TestLoadFileOverridesAndExpandsEnv(t *testing.T) {
	t.Setenv("BROKKR_TEST_DATA_DIR", "/tmp/brokkr-data")

	path := filepath.Join(t.TempDir(), "broker.yaml")
	body := `
id: 7
node-name: broker-7
data-dir: ${BROKKR_TEST_DATA_DIR}
addr: 127.0.0.1:9092
raft-addr: 127.0.0.1:9093
serf-addr: 127.0.0.1:9095
bootstrap: true
storage: memory
leave-drain-time: 10s
group-initial-join-delay: 250ms
offsets-topic-partitions: 8
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	conf, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, int32(7), conf.ID)
	require.Equal(t, "broker-7", conf.NodeName)
	require.Equal(t, "/tmp/brokkr-data", conf.DataDir)
	require.Equal(t, "127.0.0.1:9092", conf.Addr)
	require.True(t, conf.Bootstrap)
	require.Equal(t, StorageMemory, conf.Storage)
	require.Equal(t, 10*time.Second, conf.LeaveDrainTime)
	require.Equal(t, 250*time.Millisecond, conf.GroupInitialJoinDelay)
	require.Equal(t, int32(8), conf.OffsetsTopicNumPartitions)
	require.Equal(t, "127.0.0.1", conf.SerfLANConfig.MemberlistConfig.BindAddr)
	require.Equal(t, 9095, conf.SerfLANConfig.MemberlistConfig.BindPort)

	// untouched fields keep their defaults
	require.Equal(t, 60*time.Second, conf.ReconcileInterval)
}

func TestLoadRejectsUnknownStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage: s3\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

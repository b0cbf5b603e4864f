// Package config carries broker settings. Defaults suit a single-node
// deployment; the CLI overlays a YAML file and flags on top.
package config

import (
	"os"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/hashicorp/raft"
	"github.com/hashicorp/serf/serf"
)

type Config struct {
	// ID is this broker's unique node id.
	ID       int32
	NodeName string
	DataDir  string
	// DevMode keeps raft and the logs in memory.
	DevMode bool

	// Addr is the client-facing listener, RaftAddr the raft transport,
	// HTTPAddr the admin/metrics listener.
	Addr     string
	RaftAddr string
	HTTPAddr string

	// StartJoinAddrsLAN seeds serf gossip with existing members.
	StartJoinAddrsLAN []string
	Bootstrap         bool
	BootstrapExpect   int
	NonVoter          bool

	LeaveDrainTime    time.Duration
	ReconcileInterval time.Duration

	// Storage picks the log backend: "disk" or "memory".
	Storage         string
	MaxSegmentBytes int64
	MaxLogBytes     int64

	OffsetsTopicNumPartitions     int32
	OffsetsTopicReplicationFactor int16

	// GroupInitialJoinDelay is how long a brand-new group's first
	// rebalance waits for more members before completing.
	GroupInitialJoinDelay time.Duration

	SerfLANConfig *serf.Config
	RaftConfig    *raft.Config
}

const (
	StorageDisk   = "disk"
	StorageMemory = "memory"
)

func DefaultConfig() *Config {
	conf := &Config{
		NodeName:                      mustHostname(),
		DevMode:                       false,
		Addr:                          "0.0.0.0:9092",
		HTTPAddr:                      "0.0.0.0:9094",
		LeaveDrainTime:                5 * time.Second,
		ReconcileInterval:             60 * time.Second,
		Storage:                       StorageDisk,
		MaxSegmentBytes:               64 << 20,
		MaxLogBytes:                   -1,
		OffsetsTopicNumPartitions:     50,
		OffsetsTopicReplicationFactor: 3,
		GroupInitialJoinDelay:         3 * time.Second,
		SerfLANConfig:                 serfDefaultConfig(),
		RaftConfig:                    raft.DefaultConfig(),
	}
	return conf
}

func serfDefaultConfig() *serf.Config {
	base := serf.DefaultConfig()
	base.QueueDepthWarning = 1000000
	base.MinQueueDepth = 4096
	base.LeavePropagateDelay = 3 * time.Second
	base.MemberlistConfig = memberlist.DefaultLANConfig()
	return base
}

func mustHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		panic(err)
	}
	return hostname
}

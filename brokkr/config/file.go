package config

import (
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// file is the YAML shape of a config file. Durations are strings in Go
// duration syntax ("5s", "1m"). ${VAR} references are expanded from the
// environment before parsing.
type file struct {
	ID                int32    `yaml:"id"`
	NodeName          string   `yaml:"node-name"`
	DataDir           string   `yaml:"data-dir"`
	DevMode           *bool    `yaml:"dev-mode"`
	Addr              string   `yaml:"addr"`
	RaftAddr          string   `yaml:"raft-addr"`
	HTTPAddr          string   `yaml:"http-addr"`
	SerfAddr          string   `yaml:"serf-addr"`
	JoinLAN           []string `yaml:"join"`
	Bootstrap         *bool    `yaml:"bootstrap"`
	BootstrapExpect   *int     `yaml:"bootstrap-expect"`
	NonVoter          *bool    `yaml:"non-voter"`
	LeaveDrainTime    string   `yaml:"leave-drain-time"`
	ReconcileInterval string   `yaml:"reconcile-interval"`

	Storage         string `yaml:"storage"`
	MaxSegmentBytes *int64 `yaml:"max-segment-bytes"`
	MaxLogBytes     *int64 `yaml:"max-log-bytes"`

	OffsetsTopicNumPartitions     *int32 `yaml:"offsets-topic-partitions"`
	OffsetsTopicReplicationFactor *int16 `yaml:"offsets-topic-replication-factor"`
	GroupInitialJoinDelay         string `yaml:"group-initial-join-delay"`
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults untouched.
func Load(path string) (*Config, error) {
	conf := DefaultConfig()
	if path == "" {
		return conf, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s failed", path)
	}
	expanded := os.Expand(string(raw), os.Getenv)
	var f file
	if err := yaml.Unmarshal([]byte(expanded), &f); err != nil {
		return nil, errors.Wrapf(err, "config: parse %s failed", path)
	}
	if err := f.apply(conf); err != nil {
		return nil, errors.Wrapf(err, "config: %s", path)
	}
	return conf, nil
}

func (f *file) apply(conf *Config) error {
	if f.ID != 0 {
		conf.ID = f.ID
	}
	if f.NodeName != "" {
		conf.NodeName = f.NodeName
	}
	if f.DataDir != "" {
		conf.DataDir = f.DataDir
	}
	if f.DevMode != nil {
		conf.DevMode = *f.DevMode
	}
	if f.Addr != "" {
		conf.Addr = f.Addr
	}
	if f.RaftAddr != "" {
		conf.RaftAddr = f.RaftAddr
	}
	if f.HTTPAddr != "" {
		conf.HTTPAddr = f.HTTPAddr
	}
	if f.SerfAddr != "" {
		addr, port, err := splitHostPort(f.SerfAddr)
		if err != nil {
			return err
		}
		conf.SerfLANConfig.MemberlistConfig.BindAddr = addr
		conf.SerfLANConfig.MemberlistConfig.BindPort = port
	}
	if len(f.JoinLAN) > 0 {
		conf.StartJoinAddrsLAN = f.JoinLAN
	}
	if f.Bootstrap != nil {
		conf.Bootstrap = *f.Bootstrap
	}
	if f.BootstrapExpect != nil {
		conf.BootstrapExpect = *f.BootstrapExpect
	}
	if f.NonVoter != nil {
		conf.NonVoter = *f.NonVoter
	}
	if err := setDuration(&conf.LeaveDrainTime, f.LeaveDrainTime); err != nil {
		return err
	}
	if err := setDuration(&conf.ReconcileInterval, f.ReconcileInterval); err != nil {
		return err
	}
	if f.Storage != "" {
		if f.Storage != StorageDisk && f.Storage != StorageMemory {
			return errors.Errorf("unknown storage backend %q", f.Storage)
		}
		conf.Storage = f.Storage
	}
	if f.MaxSegmentBytes != nil {
		conf.MaxSegmentBytes = *f.MaxSegmentBytes
	}
	if f.MaxLogBytes != nil {
		conf.MaxLogBytes = *f.MaxLogBytes
	}
	if f.OffsetsTopicNumPartitions != nil {
		conf.OffsetsTopicNumPartitions = *f.OffsetsTopicNumPartitions
	}
	if f.OffsetsTopicReplicationFactor != nil {
		conf.OffsetsTopicReplicationFactor = *f.OffsetsTopicReplicationFactor
	}
	if err := setDuration(&conf.GroupInitialJoinDelay, f.GroupInitialJoinDelay); err != nil {
		return err
	}
	return nil
}

func setDuration(dst *time.Duration, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Wrapf(err, "bad duration %q", raw)
	}
	*dst = d
	return nil
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, errors.Wrapf(err, "bad address %q", addr)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, errors.Wrapf(err, "bad port in %q", addr)
	}
	return host, port, nil
}

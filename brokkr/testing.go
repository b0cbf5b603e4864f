package brokkr

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/hashicorp/raft"
	dynaport "github.com/travisjeffery/go-dynaport"
	"github.com/uber/jaeger-client-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	"github.com/uber/jaeger-lib/metrics"

	"github.com/brokkr-mq/brokkr/brokkr/config"
)

var nodeNumber int32

// testingT matches *testing.T without importing the testing package.
type testingT interface {
	Name() string
	Fatalf(format string, args ...interface{})
	Fatal(args ...interface{})
	Errorf(format string, args ...interface{})
	Error(args ...interface{})
	Helper()
}

// NewTestServer builds a broker and server on loopback with dynamic
// ports and timings tightened for tests. cbBroker runs on the config
// before the broker is built, cbServer before the server is. The
// caller owns the returned data directory.
func NewTestServer(t testingT, cbBroker func(cfg *config.Config), cbServer func(cfg *config.Config)) (*Server, string) {
	ports := dynaport.Get(4)
	nodeID := atomic.AddInt32(&nodeNumber, 1)

	jcfg := jaegercfg.Configuration{
		Sampler: &jaegercfg.SamplerConfig{
			Type:  jaeger.SamplerTypeConst,
			Param: 1,
		},
		Reporter: &jaegercfg.ReporterConfig{
			LogSpans: true,
		},
	}
	tracer, closer, err := jcfg.New(
		"brokkr",
		jaegercfg.Metrics(metrics.NullFactory),
	)
	if err != nil {
		panic(err)
	}

	tmpDir, err := os.MkdirTemp("", fmt.Sprintf("brokkr-test-server-%d", nodeID))
	if err != nil {
		panic(err)
	}

	conf := config.DefaultConfig()
	conf.ID = nodeID
	conf.NodeName = fmt.Sprintf("%s-node-%d", t.Name(), nodeID)
	conf.DataDir = tmpDir
	conf.Addr = fmt.Sprintf("127.0.0.1:%d", ports[0])
	conf.RaftAddr = fmt.Sprintf("127.0.0.1:%d", ports[1])
	conf.HTTPAddr = fmt.Sprintf("127.0.0.1:%d", ports[3])
	conf.LeaveDrainTime = 1 * time.Millisecond
	conf.ReconcileInterval = 300 * time.Millisecond
	conf.OffsetsTopicNumPartitions = 4
	conf.GroupInitialJoinDelay = 100 * time.Millisecond

	// Tighten the serf timing
	conf.SerfLANConfig.MemberlistConfig.BindAddr = "127.0.0.1"
	conf.SerfLANConfig.MemberlistConfig.BindPort = ports[2]
	conf.SerfLANConfig.MemberlistConfig.SuspicionMult = 2
	conf.SerfLANConfig.MemberlistConfig.RetransmitMult = 2
	conf.SerfLANConfig.MemberlistConfig.ProbeTimeout = 50 * time.Millisecond
	conf.SerfLANConfig.MemberlistConfig.ProbeInterval = 100 * time.Millisecond
	conf.SerfLANConfig.MemberlistConfig.GossipInterval = 100 * time.Millisecond

	// Tighten the raft timing
	conf.RaftConfig.LeaderLeaseTimeout = 100 * time.Millisecond
	conf.RaftConfig.HeartbeatTimeout = 200 * time.Millisecond
	conf.RaftConfig.ElectionTimeout = 200 * time.Millisecond

	if cbBroker != nil {
		cbBroker(conf)
	}

	b, err := NewBroker(conf, tracer)
	if err != nil {
		t.Fatalf("err != nil: %s", err)
	}

	if cbServer != nil {
		cbServer(conf)
	}

	return NewServer(conf, b, nil, tracer, closer.Close), tmpDir
}

func (s *Server) broker() *Broker {
	return s.handler.(*Broker)
}

// TestJoin joins the other servers to s1's gossip pool.
func TestJoin(t testingT, s1 *Server, other ...*Server) {
	addr := fmt.Sprintf("127.0.0.1:%d",
		s1.config.SerfLANConfig.MemberlistConfig.BindPort)
	for _, s2 := range other {
		if num, err := s2.broker().serf.Join([]string{addr}, true); err != nil {
			t.Fatalf("err: %v", err)
		} else if num != 1 {
			t.Fatalf("bad: %d", num)
		}
	}
}

// WaitForLeader waits for one of the servers to win the raft election,
// failing the test if none does. Returns the leader and the rest.
func WaitForLeader(t testingT, servers ...*Server) (*Server, []*Server) {
	tmp := struct {
		leader    *Server
		followers map[*Server]bool
	}{nil, make(map[*Server]bool)}

	RetryFunc(t, func() error {
		for _, s := range servers {
			if raft.Leader == s.broker().raft.State() {
				tmp.leader = s
			} else {
				tmp.followers[s] = true
			}
		}
		if tmp.leader == nil {
			return fmt.Errorf("no leader")
		}
		return nil
	})

	followers := make([]*Server, 0, len(tmp.followers))
	for f := range tmp.followers {
		followers = append(followers, f)
	}
	return tmp.leader, followers
}

// WaitForBrokerLeader waits for b to win its raft election.
func WaitForBrokerLeader(t testingT, b *Broker) {
	t.Helper()
	RetryFunc(t, func() error {
		if b.raft.State() != raft.Leader {
			return fmt.Errorf("broker not leader, state: %s", b.raft.State())
		}
		return nil
	})
}

// RetryFunc retries fn every 25ms until it succeeds or 7s pass.
func RetryFunc(t testingT, fn func() error) {
	t.Helper()
	deadline := time.Now().Add(7 * time.Second)
	var err error
	for time.Now().Before(deadline) {
		if err = fn(); err == nil {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for condition: %v", err)
}

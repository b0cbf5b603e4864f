package brokkr

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hashicorp/raft"
	"github.com/hashicorp/serf/serf"

	"github.com/brokkr-mq/brokkr/brokkr/metadata"
	"github.com/brokkr-mq/brokkr/log"
)

const serfLANSnapshot = "serf/local.snapshot"

// StatusReap marks a member reaped out of the serf pool. Serf itself
// has no such status so we overload the member struct on the way to
// the reconcile channel.
const StatusReap = serf.MemberStatus(-1)

// setupSerf builds the LAN gossip pool and advertises this broker's
// identity as member tags.
func (b *Broker) setupSerf(conf *serf.Config, ch chan serf.Event, path string) (*serf.Serf, error) {
	conf.Init()
	conf.NodeName = b.config.NodeName
	conf.Tags["role"] = "brokkr"
	conf.Tags["id"] = fmt.Sprintf("%d", b.config.ID)
	if b.config.Bootstrap {
		conf.Tags["bootstrap"] = "1"
	}
	if b.config.BootstrapExpect != 0 {
		conf.Tags["expect"] = fmt.Sprintf("%d", b.config.BootstrapExpect)
	}
	if b.config.NonVoter {
		conf.Tags["non_voter"] = "1"
	}
	conf.Tags["raft_addr"] = b.config.RaftAddr
	conf.Tags["broker_addr"] = b.config.Addr
	conf.EventCh = ch
	conf.EnableNameConflictResolution = false
	if !b.config.DevMode {
		conf.SnapshotPath = filepath.Join(b.config.DataDir, path)
		if err := ensurePath(conf.SnapshotPath, false); err != nil {
			return nil, err
		}
	}
	return serf.Create(conf)
}

// lanEventHandler drains serf events until shutdown.
func (b *Broker) lanEventHandler() {
	for {
		select {
		case e := <-b.eventChLAN:
			switch e.EventType() {
			case serf.EventMemberJoin:
				b.lanNodeJoin(e.(serf.MemberEvent))
				b.localMemberEvent(e.(serf.MemberEvent))
			case serf.EventMemberLeave, serf.EventMemberFailed:
				b.lanNodeFailed(e.(serf.MemberEvent))
				b.localMemberEvent(e.(serf.MemberEvent))
			case serf.EventMemberReap:
				b.localMemberEvent(e.(serf.MemberEvent))
			case serf.EventUser, serf.EventQuery:
			default:
				log.Error.Printf("broker/%d: unhandled lan serf event: %#v", b.config.ID, e)
			}
		case <-b.shutdownCh:
			return
		}
	}
}

func (b *Broker) lanNodeJoin(me serf.MemberEvent) {
	for _, m := range me.Members {
		meta, ok := metadata.IsBroker(m)
		if !ok {
			continue
		}
		log.Info.Printf("broker/%d: adding LAN broker: %s", b.config.ID, meta)
		b.brokerLookup.AddBroker(meta)
		if b.config.BootstrapExpect != 0 {
			b.maybeBootstrap()
		}
	}
}

func (b *Broker) lanNodeFailed(me serf.MemberEvent) {
	for _, m := range me.Members {
		meta, ok := metadata.IsBroker(m)
		if !ok {
			continue
		}
		log.Info.Printf("broker/%d: removing LAN broker: %s", b.config.ID, meta)
		b.brokerLookup.RemoveBroker(meta)
	}
}

// localMemberEvent forwards member changes to the leader loop for
// reconciliation against the raft-held store.
func (b *Broker) localMemberEvent(me serf.MemberEvent) {
	if !b.isLeader() {
		return
	}
	isReap := me.EventType() == serf.EventMemberReap
	for _, m := range me.Members {
		if isReap {
			m.Status = StatusReap
		}
		select {
		case b.reconcileCh <- m:
		default:
		}
	}
}

// maybeBootstrap bootstraps the raft cluster once bootstrap-expect many
// voters have joined the gossip pool. Only the first broker to see the
// quorum does the bootstrap; the raft library rejects duplicates.
func (b *Broker) maybeBootstrap() {
	var index uint64
	var err error
	if b.config.DevMode {
		index, err = b.raftInmem.LastIndex()
	} else {
		index, err = b.raftStore.LastIndex()
	}
	if err != nil {
		log.Error.Printf("broker/%d: read last raft index error: %s", b.config.ID, err)
		return
	}
	// Raft data exists: the cluster was bootstrapped before.
	if index != 0 {
		b.config.BootstrapExpect = 0
		return
	}

	var brokers []metadata.Broker
	voters := 0
	for _, member := range b.LANMembers() {
		meta, ok := metadata.IsBroker(member)
		if !ok {
			continue
		}
		if meta.Expect != 0 && meta.Expect != b.config.BootstrapExpect {
			log.Error.Printf("broker/%d: members expect conflicting node counts: %s", b.config.ID, meta)
			return
		}
		if meta.Bootstrap {
			log.Error.Printf("broker/%d: bootstrap mode member conflicts with bootstrap-expect: %s", b.config.ID, meta)
			return
		}
		if !meta.NonVoter {
			voters++
		}
		brokers = append(brokers, *meta)
	}
	if voters < b.config.BootstrapExpect {
		return
	}

	var configuration raft.Configuration
	var addrs []string
	for _, broker := range brokers {
		addrs = append(addrs, broker.RaftAddr)
		peer := raft.Server{
			ID:       broker.RaftID(),
			Address:  raft.ServerAddress(broker.RaftAddr),
			Suffrage: raft.Voter,
		}
		if broker.NonVoter {
			peer.Suffrage = raft.Nonvoter
		}
		configuration.Servers = append(configuration.Servers, peer)
	}

	log.Info.Printf("broker/%d: found expected number of peers, attempting bootstrap: %s", b.config.ID, strings.Join(addrs, ","))
	future := b.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		log.Error.Printf("broker/%d: bootstrap cluster error: %s", b.config.ID, err)
	}
	b.config.BootstrapExpect = 0
}

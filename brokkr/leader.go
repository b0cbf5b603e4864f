package brokkr

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	"github.com/hashicorp/serf/serf"
	"github.com/pkg/errors"

	"github.com/brokkr-mq/brokkr/brokkr/metadata"
	"github.com/brokkr-mq/brokkr/brokkr/structs"
	"github.com/brokkr-mq/brokkr/log"
)

const serfCheckName = "Serf Health Status"

// monitorLeadership watches raft leadership notifications and runs the
// leader loop while this broker holds the lease.
func (b *Broker) monitorLeadership() {
	var weAreLeaderCh chan struct{}
	var leaderLoop sync.WaitGroup
	for {
		select {
		case isLeader := <-b.raftNotifyCh:
			switch {
			case isLeader:
				if weAreLeaderCh != nil {
					log.Error.Printf("broker/%d: attempted to start the leader loop while running", b.config.ID)
					continue
				}
				weAreLeaderCh = make(chan struct{})
				leaderLoop.Add(1)
				go func(ch chan struct{}) {
					defer leaderLoop.Done()
					b.leaderLoop(ch)
				}(weAreLeaderCh)
				log.Info.Printf("broker/%d: cluster leadership acquired", b.config.ID)
			default:
				if weAreLeaderCh == nil {
					log.Error.Printf("broker/%d: attempted to stop the leader loop while not running", b.config.ID)
					continue
				}
				log.Debug.Printf("broker/%d: shutting down leader loop", b.config.ID)
				close(weAreLeaderCh)
				leaderLoop.Wait()
				weAreLeaderCh = nil
				log.Info.Printf("broker/%d: cluster leadership lost", b.config.ID)
			}
		case <-b.shutdownCh:
			return
		}
	}
}

// leaderLoop reconciles serf membership against the store while this
// broker is leader, and re-runs leader setup after each election win.
func (b *Broker) leaderLoop(stopCh chan struct{}) {
	var reconcileCh chan serf.Member
	establishedLeader := false

RECONCILE:
	reconcileCh = nil
	interval := time.After(b.config.ReconcileInterval)

	// Barrier so the FSM reflects every entry from past terms before we
	// act on its contents.
	barrier := b.raft.Barrier(barrierWriteTimeout)
	if err := barrier.Error(); err != nil {
		log.Error.Printf("broker/%d: wait for barrier error: %s", b.config.ID, err)
		goto WAIT
	}

	if !establishedLeader {
		if err := b.establishLeadership(); err != nil {
			log.Error.Printf("broker/%d: establish leadership error: %s", b.config.ID, err)
			b.revokeLeadership()
			goto WAIT
		}
		establishedLeader = true
		defer b.revokeLeadership()
	}

	if err := b.reconcile(); err != nil {
		log.Error.Printf("broker/%d: reconcile error: %s", b.config.ID, err)
		goto WAIT
	}

	// Initial reconcile worked, process member updates as they come.
	reconcileCh = b.reconcileCh

WAIT:
	select {
	case <-stopCh:
		return
	default:
	}

	for {
		select {
		case <-stopCh:
			return
		case <-b.shutdownCh:
			return
		case <-interval:
			goto RECONCILE
		case member := <-reconcileCh:
			b.reconcileMember(member)
		}
	}
}

func (b *Broker) establishLeadership() error {
	b.setConsistentReadReady()
	// Resume marker writes for transactions the previous coordinator
	// left mid-completion.
	go b.txns.recover(b.ctx)
	return nil
}

func (b *Broker) revokeLeadership() {
	b.resetConsistentReadReady()
}

// reconcile brings the raft-held node records in line with current serf
// membership.
func (b *Broker) reconcile() error {
	members := b.LANMembers()
	known := make(map[int32]struct{})
	for _, member := range members {
		if err := b.reconcileMember(member); err != nil {
			return err
		}
		meta, ok := metadata.IsBroker(member)
		if !ok {
			continue
		}
		known[meta.ID.Int32()] = struct{}{}
	}
	return b.reconcileReaped(known)
}

// reconcileReaped deregisters store nodes that serf no longer knows
// about, e.g. members reaped while this broker wasn't leader.
func (b *Broker) reconcileReaped(known map[int32]struct{}) error {
	_, nodes, err := b.fsm.State().GetNodes()
	if err != nil {
		return err
	}
	for _, node := range nodes {
		if _, ok := known[node.Node]; ok {
			continue
		}
		member := serf.Member{
			Name:   node.Name,
			Status: StatusReap,
			Tags: map[string]string{
				"role":        "brokkr",
				"id":          fmt.Sprintf("%d", node.Node),
				"raft_addr":   node.Meta["raft_addr"],
				"broker_addr": node.Meta["broker_addr"],
			},
		}
		if err := b.handleReapMember(member); err != nil {
			return err
		}
	}
	return nil
}

// reconcileMember routes one membership change to its handler. Errors
// are logged, not returned, so one bad member can't wedge the loop.
func (b *Broker) reconcileMember(member serf.Member) error {
	var err error
	switch member.Status {
	case serf.StatusAlive:
		err = b.handleAliveMember(member)
	case serf.StatusFailed:
		err = b.handleFailedMember(member)
	case serf.StatusLeft:
		err = b.handleLeftMember(member)
	case StatusReap:
		err = b.handleReapMember(member)
	}
	if err != nil {
		log.Error.Printf("broker/%d: reconcile member error: %s: %s", b.config.ID, member.Name, err)
	}
	return nil
}

func (b *Broker) handleAliveMember(member serf.Member) error {
	meta, ok := metadata.IsBroker(member)
	if !ok {
		return nil
	}
	if err := b.joinCluster(member, meta); err != nil {
		return err
	}
	_, node, err := b.fsm.State().GetNode(meta.ID.Int32())
	if err != nil {
		return err
	}
	if node != nil && node.Check.Status == structs.HealthPassing && node.Address == meta.RaftAddr {
		return nil
	}
	log.Info.Printf("broker/%d: member joined, marking health alive: %s", b.config.ID, member.Name)
	req := structs.RegisterNodeRequest{
		Node: structs.Node{
			Node:    meta.ID.Int32(),
			Name:    member.Name,
			Address: meta.RaftAddr,
			Meta: map[string]string{
				"raft_addr":   meta.RaftAddr,
				"broker_addr": meta.BrokerAddr,
			},
			Check: structs.Check{
				Name:   serfCheckName,
				Status: structs.HealthPassing,
			},
		},
	}
	_, err = b.raftApply(structs.RegisterNodeRequestType, &req)
	return err
}

func (b *Broker) handleFailedMember(member serf.Member) error {
	meta, ok := metadata.IsBroker(member)
	if !ok {
		return nil
	}
	_, node, err := b.fsm.State().GetNode(meta.ID.Int32())
	if err != nil {
		return err
	}
	if node != nil && node.Check.Status == structs.HealthCritical {
		return nil
	}
	log.Info.Printf("broker/%d: member failed, marking health critical: %s", b.config.ID, member.Name)
	req := structs.RegisterNodeRequest{
		Node: structs.Node{
			Node:    meta.ID.Int32(),
			Name:    member.Name,
			Address: meta.RaftAddr,
			Meta: map[string]string{
				"raft_addr":   meta.RaftAddr,
				"broker_addr": meta.BrokerAddr,
			},
			Check: structs.Check{
				Name:   serfCheckName,
				Status: structs.HealthCritical,
			},
		},
	}
	_, err = b.raftApply(structs.RegisterNodeRequestType, &req)
	return err
}

func (b *Broker) handleLeftMember(member serf.Member) error {
	return b.handleDeregisterMember("left", member)
}

func (b *Broker) handleReapMember(member serf.Member) error {
	return b.handleDeregisterMember("reaped", member)
}

// handleDeregisterMember drops the member from the raft configuration
// and deletes its node record.
func (b *Broker) handleDeregisterMember(reason string, member serf.Member) error {
	meta, ok := metadata.IsBroker(member)
	if !ok {
		return nil
	}
	// Deregistering ourselves is handled at leave time, after a new
	// leader took over.
	if meta.ID.Int32() == b.config.ID {
		log.Debug.Printf("broker/%d: deregistering self should be done by follower", b.config.ID)
		return nil
	}
	if err := b.removeServer(member, meta); err != nil {
		return err
	}
	_, node, err := b.fsm.State().GetNode(meta.ID.Int32())
	if err != nil {
		return err
	}
	if node == nil {
		return nil
	}
	log.Info.Printf("broker/%d: member is deregistering (%s): %s", b.config.ID, reason, member.Name)
	req := structs.DeregisterNodeRequest{
		Node: structs.Node{Node: meta.ID.Int32()},
	}
	_, err = b.raftApply(structs.DeregisterNodeRequestType, &req)
	return err
}

// joinCluster adds the broker to the raft configuration, clearing any
// stale server entry that holds its id or address first.
func (b *Broker) joinCluster(member serf.Member, meta *metadata.Broker) error {
	if meta.Bootstrap {
		for _, m := range b.LANMembers() {
			o, ok := metadata.IsBroker(m)
			if ok && m.Name != member.Name && o.Bootstrap {
				log.Error.Printf("broker/%d: multiple nodes in bootstrap mode; there can only be one", b.config.ID)
				return nil
			}
		}
	}

	configFuture := b.raft.GetConfiguration()
	if err := configFuture.Error(); err != nil {
		return errors.Wrap(err, "get raft configuration failed")
	}

	for _, server := range configFuture.Configuration().Servers {
		if server.Address != raft.ServerAddress(meta.RaftAddr) && server.ID != meta.RaftID() {
			continue
		}
		if server.Address == raft.ServerAddress(meta.RaftAddr) && server.ID == meta.RaftID() {
			// Already part of the cluster.
			return nil
		}
		// Same id or address under a different identity: remove the
		// stale entry before re-adding.
		future := b.raft.RemoveServer(server.ID, 0, 0)
		if err := future.Error(); err != nil {
			return errors.Wrapf(err, "remove stale server %q failed", server.ID)
		}
		log.Info.Printf("broker/%d: removed server with duplicate identity: %s", b.config.ID, server.ID)
	}

	if meta.NonVoter {
		addFuture := b.raft.AddNonvoter(meta.RaftID(), raft.ServerAddress(meta.RaftAddr), 0, 0)
		if err := addFuture.Error(); err != nil {
			return errors.Wrap(err, "add nonvoter failed")
		}
	} else {
		addFuture := b.raft.AddVoter(meta.RaftID(), raft.ServerAddress(meta.RaftAddr), 0, 0)
		if err := addFuture.Error(); err != nil {
			return errors.Wrap(err, "add voter failed")
		}
	}
	return nil
}

// removeServer drops the member from the raft configuration.
func (b *Broker) removeServer(member serf.Member, meta *metadata.Broker) error {
	configFuture := b.raft.GetConfiguration()
	if err := configFuture.Error(); err != nil {
		return errors.Wrap(err, "get raft configuration failed")
	}
	for _, server := range configFuture.Configuration().Servers {
		if server.ID != meta.RaftID() {
			continue
		}
		log.Info.Printf("broker/%d: removing server by id: %s", b.config.ID, server.ID)
		future := b.raft.RemoveServer(meta.RaftID(), 0, 0)
		if err := future.Error(); err != nil {
			log.Error.Printf("broker/%d: remove server error: %s", b.config.ID, err)
			return err
		}
	}
	return nil
}

package brokkr

import (
	"sync"

	"github.com/hashicorp/raft"
	"github.com/pkg/errors"

	"github.com/brokkr-mq/brokkr/brokkr/metadata"
)

// brokerLookup tracks the brokers gossiped into the cluster, keyed by raft
// id and raft address.
type brokerLookup struct {
	lock            sync.RWMutex
	addressToBroker map[raft.ServerAddress]*metadata.Broker
	idToBroker      map[raft.ServerID]*metadata.Broker
}

func NewBrokerLookup() *brokerLookup {
	return &brokerLookup{
		addressToBroker: make(map[raft.ServerAddress]*metadata.Broker),
		idToBroker:      make(map[raft.ServerID]*metadata.Broker),
	}
}

func (b *brokerLookup) AddBroker(broker *metadata.Broker) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.addressToBroker[raft.ServerAddress(broker.RaftAddr)] = broker
	b.idToBroker[broker.RaftID()] = broker
}

func (b *brokerLookup) BrokerByAddr(addr raft.ServerAddress) *metadata.Broker {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return b.addressToBroker[addr]
}

func (b *brokerLookup) BrokerByID(id raft.ServerID) *metadata.Broker {
	b.lock.RLock()
	defer b.lock.RUnlock()
	return b.idToBroker[id]
}

func (b *brokerLookup) BrokerAddr(id raft.ServerID) (raft.ServerAddress, error) {
	b.lock.RLock()
	defer b.lock.RUnlock()
	broker, ok := b.idToBroker[id]
	if !ok {
		return "", errors.Errorf("no broker for id %q", id)
	}
	return raft.ServerAddress(broker.RaftAddr), nil
}

func (b *brokerLookup) RemoveBroker(broker *metadata.Broker) {
	b.lock.Lock()
	defer b.lock.Unlock()
	delete(b.addressToBroker, raft.ServerAddress(broker.RaftAddr))
	delete(b.idToBroker, broker.RaftID())
}

func (b *brokerLookup) Brokers() []*metadata.Broker {
	b.lock.RLock()
	defer b.lock.RUnlock()
	ret := make([]*metadata.Broker, 0, len(b.idToBroker))
	for _, broker := range b.idToBroker {
		ret = append(ret, broker)
	}
	return ret
}

// partitionLookup tracks the partition logs this broker hosts.
type partitionLookup struct {
	lock       sync.RWMutex
	partitions map[string]map[int32]*PartitionLog
}

func NewPartitionLookup() *partitionLookup {
	return &partitionLookup{
		partitions: make(map[string]map[int32]*PartitionLog),
	}
}

func (pl *partitionLookup) AddPartition(p *PartitionLog) {
	pl.lock.Lock()
	defer pl.lock.Unlock()
	byID, ok := pl.partitions[p.Topic()]
	if !ok {
		byID = make(map[int32]*PartitionLog)
		pl.partitions[p.Topic()] = byID
	}
	byID[p.PartitionID()] = p
}

func (pl *partitionLookup) Partition(topic string, id int32) (*PartitionLog, error) {
	pl.lock.RLock()
	defer pl.lock.RUnlock()
	p, ok := pl.partitions[topic][id]
	if !ok {
		return nil, errors.Errorf("no partition log for %s-%d", topic, id)
	}
	return p, nil
}

func (pl *partitionLookup) RemovePartition(p *PartitionLog) {
	pl.lock.Lock()
	defer pl.lock.Unlock()
	byID, ok := pl.partitions[p.Topic()]
	if !ok {
		return
	}
	delete(byID, p.PartitionID())
	if len(byID) == 0 {
		delete(pl.partitions, p.Topic())
	}
}

// RemoveTopic drops every partition log under the topic and returns them
// so callers can close and delete the logs.
func (pl *partitionLookup) RemoveTopic(topic string) []*PartitionLog {
	pl.lock.Lock()
	defer pl.lock.Unlock()
	byID := pl.partitions[topic]
	delete(pl.partitions, topic)
	ret := make([]*PartitionLog, 0, len(byID))
	for _, p := range byID {
		ret = append(ret, p)
	}
	return ret
}

func (pl *partitionLookup) Partitions() []*PartitionLog {
	pl.lock.RLock()
	defer pl.lock.RUnlock()
	var ret []*PartitionLog
	for _, byID := range pl.partitions {
		for _, p := range byID {
			ret = append(ret, p)
		}
	}
	return ret
}

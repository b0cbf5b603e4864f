// Package metadata describes cluster members as gossiped over serf.
package metadata

import (
	"fmt"
	"net"
	"strconv"

	"github.com/hashicorp/raft"
	"github.com/hashicorp/serf/serf"
)

type NodeID int32

func (n NodeID) Int32() int32 {
	return int32(n)
}

func (n NodeID) String() string {
	return strconv.Itoa(int(n))
}

// Broker is a cluster member, assembled from its serf tags.
type Broker struct {
	ID          NodeID
	Name        string
	Bootstrap   bool
	Expect      int
	NonVoter    bool
	Status      serf.MemberStatus
	RaftAddr    string
	SerfLANAddr string
	BrokerAddr  string
}

// Host of the broker's client-facing listener.
func (b *Broker) Host() string {
	host, _, err := net.SplitHostPort(b.BrokerAddr)
	if err != nil {
		panic(err)
	}
	return host
}

// Port of the broker's client-facing listener.
func (b *Broker) Port() int32 {
	_, portStr, err := net.SplitHostPort(b.BrokerAddr)
	if err != nil {
		panic(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		panic(err)
	}
	return int32(port)
}

func (b *Broker) RaftID() raft.ServerID {
	return raft.ServerID(b.ID.String())
}

func (b *Broker) String() string {
	return fmt.Sprintf("broker/%d@%s", b.ID, b.BrokerAddr)
}

// IsBroker returns the member's broker record when the member is one of
// ours.
func IsBroker(m serf.Member) (*Broker, bool) {
	if m.Tags["role"] != "brokkr" {
		return nil, false
	}

	expect := 0
	if expectStr, ok := m.Tags["expect"]; ok {
		var err error
		if expect, err = strconv.Atoi(expectStr); err != nil {
			return nil, false
		}
	}
	_, bootstrap := m.Tags["bootstrap"]
	_, nonVoter := m.Tags["non_voter"]

	idStr, ok := m.Tags["id"]
	if !ok {
		return nil, false
	}
	id, err := strconv.Atoi(idStr)
	if err != nil {
		return nil, false
	}

	raftAddr, ok := m.Tags["raft_addr"]
	if !ok {
		return nil, false
	}
	brokerAddr, ok := m.Tags["broker_addr"]
	if !ok {
		return nil, false
	}

	return &Broker{
		ID:          NodeID(id),
		Name:        m.Name,
		Bootstrap:   bootstrap,
		Expect:      expect,
		NonVoter:    nonVoter,
		Status:      m.Status,
		RaftAddr:    raftAddr,
		SerfLANAddr: net.JoinHostPort(m.Addr.String(), strconv.Itoa(int(m.Port))),
		BrokerAddr:  brokerAddr,
	}, true
}

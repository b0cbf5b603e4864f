package brokkr

import (
	"sort"

	"github.com/brokkr-mq/brokkr/protocol"
)

// memberSubscription pairs a member id with its decoded subscription for
// assignment.
type memberSubscription struct {
	MemberID     string
	Subscription *protocol.Subscription
}

// Assignor distributes topic partitions over group members when the
// group leader syncs without supplying assignments. Implementations must
// be deterministic: the same members and partitions in, the same
// assignments out.
type Assignor interface {
	// Name matches the consumer embedded protocol name members vote on.
	Name() string
	Assign(members []memberSubscription, partitions map[string][]int32) map[string]*protocol.MemberAssignment
}

// assignors maps protocol names the coordinator can compute itself.
var assignors = map[string]Assignor{
	"range":      RangeAssignor{},
	"roundrobin": RoundRobinAssignor{},
}

// RangeAssignor divides each topic's partitions into contiguous runs,
// one per subscribed member in member-id order. Earlier members take the
// remainder, matching the Kafka range assignor.
type RangeAssignor struct{}

func (RangeAssignor) Name() string { return "range" }

func (RangeAssignor) Assign(members []memberSubscription, partitions map[string][]int32) map[string]*protocol.MemberAssignment {
	out := newAssignments(members)
	for _, topic := range sortedTopics(partitions) {
		parts := sortedPartitions(partitions[topic])
		subscribed := subscribedMembers(members, topic)
		if len(subscribed) == 0 {
			continue
		}
		per := len(parts) / len(subscribed)
		extra := len(parts) % len(subscribed)
		next := 0
		for i, member := range subscribed {
			n := per
			if i < extra {
				n++
			}
			if n == 0 {
				continue
			}
			a := out[member]
			a.Partitions[topic] = append(a.Partitions[topic], parts[next:next+n]...)
			next += n
		}
	}
	return out
}

// RoundRobinAssignor deals partitions one at a time over subscribed
// members in member-id order, cycling per topic.
type RoundRobinAssignor struct{}

func (RoundRobinAssignor) Name() string { return "roundrobin" }

func (RoundRobinAssignor) Assign(members []memberSubscription, partitions map[string][]int32) map[string]*protocol.MemberAssignment {
	out := newAssignments(members)
	for _, topic := range sortedTopics(partitions) {
		parts := sortedPartitions(partitions[topic])
		subscribed := subscribedMembers(members, topic)
		if len(subscribed) == 0 {
			continue
		}
		for i, p := range parts {
			member := subscribed[i%len(subscribed)]
			a := out[member]
			a.Partitions[topic] = append(a.Partitions[topic], p)
		}
	}
	return out
}

func newAssignments(members []memberSubscription) map[string]*protocol.MemberAssignment {
	out := make(map[string]*protocol.MemberAssignment, len(members))
	for _, m := range members {
		out[m.MemberID] = &protocol.MemberAssignment{
			Partitions: make(map[string][]int32),
		}
	}
	return out
}

func sortedTopics(partitions map[string][]int32) []string {
	topics := make([]string, 0, len(partitions))
	for topic := range partitions {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

func sortedPartitions(parts []int32) []int32 {
	out := append([]int32(nil), parts...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// subscribedMembers lists member ids subscribed to topic, sorted.
func subscribedMembers(members []memberSubscription, topic string) []string {
	var out []string
	for _, m := range members {
		for _, t := range m.Subscription.Topics {
			if t == topic {
				out = append(out, m.MemberID)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

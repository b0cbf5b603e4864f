package brokkr

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brokkr-mq/brokkr/protocol"
)

func subscriber(memberID string, topics ...string) memberSubscription {
	return memberSubscription{
		MemberID:     memberID,
		Subscription: &protocol.Subscription{Topics: topics},
	}
}

func TestRangeAssignor(t *testing.T) {
	a := RangeAssignor{}
	require.Equal(t, "range", a.Name())

	// Members ahead in id order take the remainder. Partition input
	// order must not matter.
	members := []memberSubscription{
		subscriber("consumer-b", "events"),
		subscriber("consumer-a", "events"),
	}
	got := a.Assign(members, map[string][]int32{"events": {2, 0, 1}})
	require.Equal(t, map[string][]int32{"events": {0, 1}}, got["consumer-a"].Partitions)
	require.Equal(t, map[string][]int32{"events": {2}}, got["consumer-b"].Partitions)

	// Each topic is ranged over its own subscribers.
	members = []memberSubscription{
		subscriber("consumer-a", "events", "audit"),
		subscriber("consumer-b", "events"),
	}
	got = a.Assign(members, map[string][]int32{
		"events": {0, 1, 2, 3},
		"audit":  {0},
	})
	require.Equal(t, map[string][]int32{"events": {0, 1}, "audit": {0}}, got["consumer-a"].Partitions)
	require.Equal(t, map[string][]int32{"events": {2, 3}}, got["consumer-b"].Partitions)

	// With more members than partitions the tail goes empty-handed but
	// still gets an assignment frame.
	members = []memberSubscription{
		subscriber("consumer-a", "events"),
		subscriber("consumer-b", "events"),
		subscriber("consumer-c", "events"),
	}
	got = a.Assign(members, map[string][]int32{"events": {0, 1}})
	require.Equal(t, map[string][]int32{"events": {0}}, got["consumer-a"].Partitions)
	require.Equal(t, map[string][]int32{"events": {1}}, got["consumer-b"].Partitions)
	require.Empty(t, got["consumer-c"].Partitions)
}

func TestRoundRobinAssignor(t *testing.T) {
	a := RoundRobinAssignor{}
	require.Equal(t, "roundrobin", a.Name())

	members := []memberSubscription{
		subscriber("consumer-a", "events"),
		subscriber("consumer-b", "events"),
	}
	got := a.Assign(members, map[string][]int32{"events": {0, 1, 2, 3, 4}})
	require.Equal(t, map[string][]int32{"events": {0, 2, 4}}, got["consumer-a"].Partitions)
	require.Equal(t, map[string][]int32{"events": {1, 3}}, got["consumer-b"].Partitions)

	// The deal restarts on each topic.
	got = a.Assign([]memberSubscription{
		subscriber("consumer-a", "events", "audit"),
		subscriber("consumer-b", "events", "audit"),
	}, map[string][]int32{
		"events": {0, 1, 2},
		"audit":  {0, 1},
	})
	require.Equal(t, map[string][]int32{"events": {0, 2}, "audit": {0}}, got["consumer-a"].Partitions)
	require.Equal(t, map[string][]int32{"events": {1}, "audit": {1}}, got["consumer-b"].Partitions)

	// Topics nobody subscribes to are skipped.
	got = a.Assign(members, map[string][]int32{
		"events": {0},
		"orphan": {0, 1},
	})
	require.Equal(t, map[string][]int32{"events": {0}}, got["consumer-a"].Partitions)
	require.Empty(t, got["consumer-b"].Partitions)
}

func TestAssignorDeterminism(t *testing.T) {
	members := []memberSubscription{
		subscriber("consumer-c", "events", "audit"),
		subscriber("consumer-a", "events"),
		subscriber("consumer-b", "audit", "events"),
	}
	partitions := map[string][]int32{
		"events": {3, 1, 4, 0, 2},
		"audit":  {1, 0},
	}
	for name, a := range assignors {
		first := a.Assign(members, partitions)
		for i := 0; i < 5; i++ {
			require.Equal(t, first, a.Assign(members, partitions), "assignor %s must be deterministic", name)
		}
	}
}

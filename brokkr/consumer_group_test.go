//go:build !race
// +build !race

package brokkr

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/brokkr-mq/brokkr/brokkr/structs"
	"github.com/brokkr-mq/brokkr/log"
	"github.com/brokkr-mq/brokkr/protocol"
)

func testRequestFrom(ctx context.Context, correlationID int32, clientID string, req protocol.VersionedDecoder) *Context {
	return &Context{
		header: &protocol.RequestHeader{
			CorrelationID: correlationID,
			ClientID:      clientID,
		},
		req:    req,
		parent: ctx,
	}
}

func joinRequest(groupID, memberID string) *protocol.JoinGroupRequest {
	return &protocol.JoinGroupRequest{
		GroupID:        groupID,
		MemberID:       memberID,
		SessionTimeout: 30 * time.Second,
		ProtocolType:   "consumer",
		GroupProtocols: []*protocol.GroupProtocol{{
			ProtocolName:     "range",
			ProtocolMetadata: []byte("metadata"),
		}},
	}
}

func TestHandleJoinGroup(t *testing.T) {
	log.SetPrefix("consumer_group_test: ")

	ctx, _, reqCh, resCh, teardown := setupTest(t)
	defer teardown()

	// A new group's first member becomes its leader.
	reqCh <- testRequest(ctx, 1, joinRequest("test-group", ""))
	act := <-resCh
	res := act.res.Body.(*protocol.JoinGroupResponse)
	require.Equal(t, protocol.ErrNone.Code(), res.ErrorCode)
	require.NotEmpty(t, res.MemberID)
	require.Equal(t, res.MemberID, res.LeaderID)
	require.Equal(t, int32(1), res.GenerationID)
	require.Equal(t, "range", res.GroupProtocol)
	require.Len(t, res.Members, 1)

	memberID := res.MemberID

	// Rejoining bumps the generation and keeps the member id.
	reqCh <- testRequest(ctx, 2, joinRequest("test-group", memberID))
	act = <-resCh
	res = act.res.Body.(*protocol.JoinGroupResponse)
	require.Equal(t, protocol.ErrNone.Code(), res.ErrorCode)
	require.Equal(t, memberID, res.MemberID)
	require.Equal(t, int32(2), res.GenerationID)

	// A member id the group has never seen is rejected.
	reqCh <- testRequest(ctx, 3, joinRequest("test-group", "invalid-member"))
	act = <-resCh
	res = act.res.Body.(*protocol.JoinGroupResponse)
	require.Equal(t, protocol.ErrUnknownMemberId.Code(), res.ErrorCode)

	// Session timeouts outside the broker's bounds are rejected.
	short := joinRequest("other-group", "")
	short.SessionTimeout = time.Second
	reqCh <- testRequest(ctx, 4, short)
	act = <-resCh
	res = act.res.Body.(*protocol.JoinGroupResponse)
	require.Equal(t, protocol.ErrInvalidSessionTimeout.Code(), res.ErrorCode)
}

func TestHandleSyncGroup(t *testing.T) {
	log.SetPrefix("consumer_group_test: ")

	ctx, s, reqCh, resCh, teardown := setupTest(t)
	defer teardown()

	reqCh <- testRequest(ctx, 1, joinRequest("test-group", ""))
	act := <-resCh
	joinRes := act.res.Body.(*protocol.JoinGroupResponse)
	require.Equal(t, protocol.ErrNone.Code(), joinRes.ErrorCode)
	memberID := joinRes.MemberID
	generationID := joinRes.GenerationID

	// The leader distributes assignments and the group stabilizes.
	reqCh <- testRequest(ctx, 2, &protocol.SyncGroupRequest{
		GroupID:      "test-group",
		GenerationID: generationID,
		MemberID:     memberID,
		GroupAssignments: []protocol.GroupAssignment{{
			MemberID:         memberID,
			MemberAssignment: []byte("assignment-data"),
		}},
	})
	act = <-resCh
	syncRes := act.res.Body.(*protocol.SyncGroupResponse)
	require.Equal(t, protocol.ErrNone.Code(), syncRes.ErrorCode)
	require.Equal(t, []byte("assignment-data"), syncRes.MemberAssignment)

	b := s.broker()
	_, group, err := b.fsm.State().GetGroup("test-group")
	require.NoError(t, err)
	require.NotNil(t, group)
	require.Equal(t, structs.GroupStateStable, group.State)

	// Syncing with a stale generation is rejected.
	reqCh <- testRequest(ctx, 3, &protocol.SyncGroupRequest{
		GroupID:      "test-group",
		GenerationID: generationID + 1,
		MemberID:     memberID,
	})
	act = <-resCh
	syncRes = act.res.Body.(*protocol.SyncGroupResponse)
	require.Equal(t, protocol.ErrIllegalGeneration.Code(), syncRes.ErrorCode)
}

func TestGroupRebalance(t *testing.T) {
	log.SetPrefix("consumer_group_test: ")

	ctx, _, reqCh, resCh, teardown := setupTest(t)
	defer teardown()

	// Two members race into a new group inside the initial join window.
	reqCh <- testRequestFrom(ctx, 1, "client-a", joinRequest("shared-group", ""))
	reqCh <- testRequestFrom(ctx, 2, "client-b", joinRequest("shared-group", ""))

	results := make([]*protocol.JoinGroupResponse, 0, 2)
	for i := 0; i < 2; i++ {
		act := <-resCh
		res := act.res.Body.(*protocol.JoinGroupResponse)
		require.Equal(t, protocol.ErrNone.Code(), res.ErrorCode)
		require.Equal(t, int32(1), res.GenerationID)
		results = append(results, res)
	}

	var leader, follower *protocol.JoinGroupResponse
	for _, r := range results {
		if r.MemberID == r.LeaderID {
			leader = r
		} else {
			follower = r
		}
	}
	require.NotNil(t, leader, "one member must lead")
	require.NotNil(t, follower, "one member must follow")
	require.Len(t, leader.Members, 2)
	require.Empty(t, follower.Members)

	// The follower's sync parks until the leader distributes.
	reqCh <- testRequestFrom(ctx, 3, "client-b", &protocol.SyncGroupRequest{
		GroupID:      "shared-group",
		GenerationID: follower.GenerationID,
		MemberID:     follower.MemberID,
	})
	time.Sleep(50 * time.Millisecond)
	reqCh <- testRequestFrom(ctx, 4, "client-a", &protocol.SyncGroupRequest{
		GroupID:      "shared-group",
		GenerationID: leader.GenerationID,
		MemberID:     leader.MemberID,
		GroupAssignments: []protocol.GroupAssignment{
			{MemberID: leader.MemberID, MemberAssignment: []byte("for-leader")},
			{MemberID: follower.MemberID, MemberAssignment: []byte("for-follower")},
		},
	})

	assignments := make(map[string][]byte)
	for i := 0; i < 2; i++ {
		act := <-resCh
		res := act.res.Body.(*protocol.SyncGroupResponse)
		require.Equal(t, protocol.ErrNone.Code(), res.ErrorCode)
		assignments[string(res.MemberAssignment)] = res.MemberAssignment
	}
	require.Contains(t, assignments, "for-leader")
	require.Contains(t, assignments, "for-follower")

	// A member leaving triggers the next generation for the rest.
	reqCh <- testRequestFrom(ctx, 5, "client-b", &protocol.LeaveGroupRequest{
		GroupID:  "shared-group",
		MemberID: follower.MemberID,
	})
	act := <-resCh
	leaveRes := act.res.Body.(*protocol.LeaveGroupResponse)
	require.Equal(t, protocol.ErrNone.Code(), leaveRes.ErrorCode)

	reqCh <- testRequestFrom(ctx, 6, "client-a", joinRequest("shared-group", leader.MemberID))
	act = <-resCh
	rejoin := act.res.Body.(*protocol.JoinGroupResponse)
	require.Equal(t, protocol.ErrNone.Code(), rejoin.ErrorCode)
	require.True(t, rejoin.GenerationID > leader.GenerationID)
	require.Equal(t, leader.MemberID, rejoin.LeaderID)
	require.Len(t, rejoin.Members, 1)
}

func TestHandleHeartbeat(t *testing.T) {
	log.SetPrefix("consumer_group_test: ")

	ctx, _, reqCh, resCh, teardown := setupTest(t)
	defer teardown()

	reqCh <- testRequest(ctx, 1, joinRequest("test-group", ""))
	act := <-resCh
	joinRes := act.res.Body.(*protocol.JoinGroupResponse)
	require.Equal(t, protocol.ErrNone.Code(), joinRes.ErrorCode)
	memberID := joinRes.MemberID
	generationID := joinRes.GenerationID

	// Heartbeats during the rebalance tell the member to rejoin.
	reqCh <- testRequest(ctx, 2, &protocol.HeartbeatRequest{
		GroupID:           "test-group",
		GroupGenerationID: generationID,
		MemberID:          memberID,
	})
	act = <-resCh
	hb := act.res.Body.(*protocol.HeartbeatResponse)
	require.Equal(t, protocol.ErrRebalanceInProgress.Code(), hb.ErrorCode)

	reqCh <- testRequest(ctx, 3, &protocol.SyncGroupRequest{
		GroupID:      "test-group",
		GenerationID: generationID,
		MemberID:     memberID,
		GroupAssignments: []protocol.GroupAssignment{{
			MemberID:         memberID,
			MemberAssignment: []byte("assignment"),
		}},
	})
	<-resCh

	reqCh <- testRequest(ctx, 4, &protocol.HeartbeatRequest{
		GroupID:           "test-group",
		GroupGenerationID: generationID,
		MemberID:          memberID,
	})
	act = <-resCh
	hb = act.res.Body.(*protocol.HeartbeatResponse)
	require.Equal(t, protocol.ErrNone.Code(), hb.ErrorCode)

	reqCh <- testRequest(ctx, 5, &protocol.HeartbeatRequest{
		GroupID:           "test-group",
		GroupGenerationID: generationID + 1,
		MemberID:          memberID,
	})
	act = <-resCh
	hb = act.res.Body.(*protocol.HeartbeatResponse)
	require.Equal(t, protocol.ErrIllegalGeneration.Code(), hb.ErrorCode)

	reqCh <- testRequest(ctx, 6, &protocol.HeartbeatRequest{
		GroupID:           "test-group",
		GroupGenerationID: generationID,
		MemberID:          "invalid-member",
	})
	act = <-resCh
	hb = act.res.Body.(*protocol.HeartbeatResponse)
	require.Equal(t, protocol.ErrUnknownMemberId.Code(), hb.ErrorCode)
}

func TestHandleOffsetCommitFetch(t *testing.T) {
	log.SetPrefix("consumer_group_test: ")

	ctx, _, reqCh, resCh, teardown := setupTest(t)
	defer teardown()

	createTestTopic(t, ctx, reqCh, resCh, "committed", 1)

	reqCh <- testRequest(ctx, 2, joinRequest("test-group", ""))
	act := <-resCh
	joinRes := act.res.Body.(*protocol.JoinGroupResponse)
	require.Equal(t, protocol.ErrNone.Code(), joinRes.ErrorCode)
	memberID := joinRes.MemberID
	generationID := joinRes.GenerationID

	metadata := "test-metadata"
	reqCh <- testRequest(ctx, 3, &protocol.OffsetCommitRequest{
		APIVersion:   1,
		GroupID:      "test-group",
		GenerationID: generationID,
		MemberID:     memberID,
		Topics: []protocol.OffsetCommitTopicRequest{{
			Topic: "committed",
			Partitions: []protocol.OffsetCommitPartitionRequest{{
				Partition: 0,
				Offset:    100,
				Metadata:  &metadata,
			}},
		}},
	})
	act = <-resCh
	commitRes := act.res.Body.(*protocol.OffsetCommitResponse)
	require.Equal(t, protocol.ErrNone.Code(), commitRes.Responses[0].PartitionResponses[0].ErrorCode)

	// The committed offset reads back; the uncommitted partition is -1.
	reqCh <- testRequest(ctx, 4, &protocol.OffsetFetchRequest{
		GroupID: "test-group",
		Topics: []protocol.OffsetFetchTopicRequest{{
			Topic:      "committed",
			Partitions: []int32{0, 1},
		}},
	})
	act = <-resCh
	fetchRes := act.res.Body.(*protocol.OffsetFetchResponse)
	require.Len(t, fetchRes.Responses, 1)
	require.Len(t, fetchRes.Responses[0].Partitions, 2)
	p0 := fetchRes.Responses[0].Partitions[0]
	require.Equal(t, protocol.ErrNone.Code(), p0.ErrorCode)
	require.Equal(t, int64(100), p0.Offset)
	require.NotNil(t, p0.Metadata)
	require.Equal(t, metadata, *p0.Metadata)
	require.Equal(t, int64(-1), fetchRes.Responses[0].Partitions[1].Offset)

	// Commits from an evicted or unknown member are refused.
	reqCh <- testRequest(ctx, 5, &protocol.OffsetCommitRequest{
		APIVersion:   1,
		GroupID:      "test-group",
		GenerationID: generationID,
		MemberID:     "stranger",
		Topics: []protocol.OffsetCommitTopicRequest{{
			Topic: "committed",
			Partitions: []protocol.OffsetCommitPartitionRequest{{
				Partition: 0,
				Offset:    200,
			}},
		}},
	})
	act = <-resCh
	commitRes = act.res.Body.(*protocol.OffsetCommitResponse)
	require.Equal(t, protocol.ErrUnknownMemberId.Code(), commitRes.Responses[0].PartitionResponses[0].ErrorCode)
}

func TestHandleDescribeGroups(t *testing.T) {
	log.SetPrefix("consumer_group_test: ")

	ctx, _, reqCh, resCh, teardown := setupTest(t)
	defer teardown()

	reqCh <- testRequest(ctx, 1, joinRequest("test-group", ""))
	<-resCh

	reqCh <- testRequest(ctx, 2, &protocol.DescribeGroupsRequest{
		GroupIDs: []string{"test-group"},
	})
	act := <-resCh
	describeRes := act.res.Body.(*protocol.DescribeGroupsResponse)
	require.Len(t, describeRes.Groups, 1)
	require.Equal(t, "test-group", describeRes.Groups[0].GroupID)
	require.Equal(t, protocol.ErrNone.Code(), describeRes.Groups[0].ErrorCode)
	require.Equal(t, "consumer", describeRes.Groups[0].ProtocolType)
	require.Len(t, describeRes.Groups[0].GroupMembers, 1)

	reqCh <- testRequest(ctx, 3, &protocol.DescribeGroupsRequest{
		GroupIDs: []string{"non-existent-group"},
	})
	act = <-resCh
	describeRes = act.res.Body.(*protocol.DescribeGroupsResponse)
	require.Len(t, describeRes.Groups, 1)
	require.Equal(t, protocol.ErrGroupIdNotFound.Code(), describeRes.Groups[0].ErrorCode)
}

func TestHandleListGroups(t *testing.T) {
	log.SetPrefix("consumer_group_test: ")

	ctx, _, reqCh, resCh, teardown := setupTest(t)
	defer teardown()

	groups := []string{"group-a", "group-b", "group-c"}
	for i, id := range groups {
		reqCh <- testRequest(ctx, int32(i+1), joinRequest(id, ""))
		act := <-resCh
		res := act.res.Body.(*protocol.JoinGroupResponse)
		require.Equal(t, protocol.ErrNone.Code(), res.ErrorCode)
	}

	reqCh <- testRequest(ctx, 10, &protocol.ListGroupsRequest{})
	act := <-resCh
	listRes := act.res.Body.(*protocol.ListGroupsResponse)
	require.Equal(t, protocol.ErrNone.Code(), listRes.ErrorCode)

	seen := make(map[string]string)
	for _, g := range listRes.Groups {
		seen[g.GroupID] = g.ProtocolType
	}
	for _, id := range groups {
		require.Contains(t, seen, id)
		require.Equal(t, "consumer", seen[id])
	}
}

func TestHandleFindCoordinator(t *testing.T) {
	log.SetPrefix("consumer_group_test: ")

	ctx, s, reqCh, resCh, teardown := setupTest(t)
	defer teardown()

	b := s.broker()
	var coordRes *protocol.FindCoordinatorResponse
	correlationID := int32(1)
	RetryFunc(t, func() error {
		reqCh <- testRequest(ctx, correlationID, &protocol.FindCoordinatorRequest{
			CoordinatorKey:  "test-group",
			CoordinatorType: protocol.CoordinatorGroup,
		})
		correlationID++
		act := <-resCh
		coordRes = act.res.Body.(*protocol.FindCoordinatorResponse)
		if coordRes.ErrorCode != protocol.ErrNone.Code() {
			return errors.Errorf("coordinator not available: %d", coordRes.ErrorCode)
		}
		return nil
	})

	require.Equal(t, b.config.ID, coordRes.Coordinator.NodeID)
	require.NotEmpty(t, coordRes.Coordinator.Host)
	require.NotZero(t, coordRes.Coordinator.Port)
}

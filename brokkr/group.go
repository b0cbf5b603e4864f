package brokkr

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/brokkr-mq/brokkr/brokkr/structs"
	"github.com/brokkr-mq/brokkr/log"
	"github.com/brokkr-mq/brokkr/protocol"
	"github.com/google/uuid"
)

// Session timeout bounds enforced at join.
const (
	minSessionTimeout = 6 * time.Second
	maxSessionTimeout = 5 * time.Minute
)

// groupCoordinator runs consumer group rebalances for the groups this
// broker coordinates. Durable state (membership, generation,
// assignments) is written through the raft FSM; the in-flight machinery
// (join windows, parked syncs, session timers) is coordinator-local.
type groupCoordinator struct {
	nodeID           int32
	initialJoinDelay time.Duration

	// save persists a group snapshot through raft.
	save func(group structs.Group) error
	// fetchGroup reads a group's durable record.
	fetchGroup func(id string) (*structs.Group, error)
	// topicPartitions lists partition ids per topic for computed
	// assignments.
	topicPartitions func(topics []string) (map[string][]int32, error)

	mu     sync.Mutex
	groups map[string]*group
}

func newGroupCoordinator(nodeID int32, initialJoinDelay time.Duration) *groupCoordinator {
	return &groupCoordinator{
		nodeID:           nodeID,
		initialJoinDelay: initialJoinDelay,
		groups:           make(map[string]*group),
	}
}

// joinResult releases a parked JoinGroup call when its generation forms.
type joinResult struct {
	err        protocol.Error
	generation int32
	protocol   string
	leaderID   string
	memberID   string
	// members is filled only for the leader.
	members []protocol.Member
}

// syncResult releases a parked SyncGroup call.
type syncResult struct {
	err        protocol.Error
	assignment []byte
}

// member is one consumer's runtime state.
type member struct {
	id               string
	clientID         string
	clientHost       string
	sessionTimeout   time.Duration
	rebalanceTimeout time.Duration
	protocols        []structs.MemberProtocol
	assignment       []byte

	// joined orders members; the earliest joiner still present leads.
	joined int64

	joinCh chan joinResult
	syncCh chan syncResult

	sessionTimer *time.Timer
	// hbEpoch invalidates stale session timer callbacks.
	hbEpoch uint64
}

func (m *member) metadata(proto string) []byte {
	for _, p := range m.protocols {
		if p.Name == proto {
			return p.Metadata
		}
	}
	return nil
}

// group is one consumer group's runtime.
type group struct {
	c *groupCoordinator

	mu           sync.Mutex
	id           string
	state        structs.GroupState
	generation   int32
	protocolType string
	protocol     string
	leaderID     string
	members      map[string]*member
	joinSeq      int64

	// Join window bookkeeping while PreparingRebalance.
	joinTimer *time.Timer
	// initialDelay marks a brand-new group's delayed first rebalance,
	// extended while members keep arriving.
	initialDelay   bool
	newMemberAdded bool
	// joinDeadline caps extensions at the members' rebalance timeout.
	joinDeadline time.Time
}

// group returns the runtime for id, lazily reloading the durable record
// after a coordinator restart. Missing groups are created only when
// create is set.
func (c *groupCoordinator) group(id string, create bool) (*group, protocol.Error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.groups[id]; ok {
		return g, protocol.ErrNone
	}
	row, err := c.fetchGroup(id)
	if err != nil {
		log.Error.Printf("group coordinator/%d: fetch group %s: %v", c.nodeID, id, err)
		return nil, protocol.ErrUnknown.WithErr(err)
	}
	if row == nil {
		if !create {
			return nil, protocol.ErrInvalidGroupId
		}
		g := &group{
			c:       c,
			id:      id,
			state:   structs.GroupStateEmpty,
			members: make(map[string]*member),
		}
		c.groups[id] = g
		return g, protocol.ErrNone
	}
	g := c.loadGroup(row)
	c.groups[id] = g
	return g, protocol.ErrNone
}

// loadGroup rebuilds a group from its durable record. Members must prove
// themselves again: the group reopens in PreparingRebalance and session
// timers start immediately.
func (c *groupCoordinator) loadGroup(row *structs.Group) *group {
	g := &group{
		c:            c,
		id:           row.Group,
		state:        structs.GroupStateEmpty,
		generation:   row.Generation,
		protocolType: row.ProtocolType,
		protocol:     row.Protocol,
		leaderID:     row.LeaderID,
		members:      make(map[string]*member),
	}
	ids := make([]string, 0, len(row.Members))
	for id := range row.Members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		rm := row.Members[id]
		m := &member{
			id:               rm.ID,
			clientID:         rm.ClientID,
			clientHost:       rm.ClientHost,
			sessionTimeout:   rm.SessionTimeout,
			rebalanceTimeout: rm.RebalanceTimeout,
			protocols:        rm.Protocols,
			assignment:       rm.Assignment,
			joined:           g.joinSeq,
		}
		g.joinSeq++
		g.members[id] = m
	}
	if len(g.members) > 0 {
		g.mu.Lock()
		// Reloaded members must rejoin within their rebalance timeout
		// (and heartbeat within their session timeout) to survive.
		g.state = structs.GroupStateStable
		g.prepareRebalance()
		for _, m := range g.members {
			g.scheduleSession(m)
		}
		g.mu.Unlock()
	}
	return g
}

// snapshot builds the durable record for the group. Callers hold g.mu.
func (g *group) snapshot() structs.Group {
	row := structs.Group{
		Group:        g.id,
		Coordinator:  g.c.nodeID,
		State:        g.state,
		Generation:   g.generation,
		ProtocolType: g.protocolType,
		Protocol:     g.protocol,
		LeaderID:     g.leaderID,
		Members:      make(map[string]structs.Member, len(g.members)),
	}
	for id, m := range g.members {
		row.Members[id] = structs.Member{
			ID:               m.id,
			ClientID:         m.clientID,
			ClientHost:       m.clientHost,
			SessionTimeout:   m.sessionTimeout,
			RebalanceTimeout: m.rebalanceTimeout,
			Protocols:        m.protocols,
			Assignment:       m.assignment,
		}
	}
	return row
}

func (g *group) persist() error {
	return g.c.save(g.snapshot())
}

// joinGroup handles one JoinGroup call, blocking until the join window
// closes and the new generation forms.
func (c *groupCoordinator) joinGroup(ctx context.Context, clientID, clientHost string, req *protocol.JoinGroupRequest) *protocol.JoinGroupResponse {
	res := &protocol.JoinGroupResponse{}
	res.APIVersion = req.APIVersion

	if req.GroupID == "" {
		res.ErrorCode = protocol.ErrInvalidGroupId.Code()
		return res
	}
	if req.SessionTimeout < minSessionTimeout || req.SessionTimeout > maxSessionTimeout {
		res.ErrorCode = protocol.ErrInvalidSessionTimeout.Code()
		return res
	}
	if len(req.GroupProtocols) == 0 {
		res.ErrorCode = protocol.ErrInconsistentGroupProtocol.Code()
		return res
	}

	g, perr := c.group(req.GroupID, req.MemberID == "")
	if perr != protocol.ErrNone {
		res.ErrorCode = perr.Code()
		return res
	}

	wait, perr := g.join(clientID, clientHost, req)
	if perr != protocol.ErrNone {
		res.ErrorCode = perr.Code()
		return res
	}

	// The result channel is buffered, so an abandoned caller never
	// blocks the rebalance.
	select {
	case r := <-wait:
		res.ErrorCode = r.err.Code()
		res.GenerationID = r.generation
		res.GroupProtocol = r.protocol
		res.LeaderID = r.leaderID
		res.MemberID = r.memberID
		res.Members = r.members
	case <-ctx.Done():
		res.ErrorCode = protocol.ErrRequestTimedOut.Code()
	}
	return res
}

// join registers the member and parks it for the current rebalance,
// starting or extending the join window as needed.
func (g *group) join(clientID, clientHost string, req *protocol.JoinGroupRequest) (<-chan joinResult, protocol.Error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == structs.GroupStateDead {
		return nil, protocol.ErrInvalidGroupId
	}
	if g.protocolType != "" && len(g.members) > 0 && g.protocolType != req.ProtocolType {
		return nil, protocol.ErrInconsistentGroupProtocol
	}
	if len(g.members) > 0 && len(g.commonProtocols(req.GroupProtocols)) == 0 {
		return nil, protocol.ErrInconsistentGroupProtocol
	}

	memberID := req.MemberID
	isNew := memberID == ""
	if isNew {
		memberID = clientID + "-" + uuid.New().String()
	} else if _, ok := g.members[memberID]; !ok {
		return nil, protocol.ErrUnknownMemberId
	}

	rebalanceTimeout := req.RebalanceTimeout
	if rebalanceTimeout <= 0 {
		rebalanceTimeout = req.SessionTimeout
	}

	m, ok := g.members[memberID]
	if !ok {
		m = &member{id: memberID, joined: g.joinSeq}
		g.joinSeq++
		g.members[memberID] = m
		g.newMemberAdded = true
	}
	m.clientID = clientID
	m.clientHost = clientHost
	m.sessionTimeout = req.SessionTimeout
	m.rebalanceTimeout = rebalanceTimeout
	m.protocols = make([]structs.MemberProtocol, 0, len(req.GroupProtocols))
	for _, gp := range req.GroupProtocols {
		m.protocols = append(m.protocols, structs.MemberProtocol{
			Name:     gp.ProtocolName,
			Metadata: gp.ProtocolMetadata,
		})
	}
	g.protocolType = req.ProtocolType
	g.scheduleSession(m)

	// A member rejoining over a parked join abandons the old call.
	if m.joinCh != nil {
		m.joinCh <- joinResult{err: protocol.ErrRebalanceInProgress, memberID: m.id}
	}
	m.joinCh = make(chan joinResult, 1)

	switch g.state {
	case structs.GroupStateEmpty:
		g.prepareRebalance()
	case structs.GroupStateStable, structs.GroupStateCompletingRebalance:
		g.prepareRebalance()
	case structs.GroupStatePreparingRebalance:
		if g.initialDelay && g.newMemberAdded {
			g.extendJoinWindow()
		}
	}
	g.tryEarlyComplete()
	return m.joinCh, protocol.ErrNone
}

// commonProtocols intersects the offered protocols with every current
// member's, preserving the offered order. Callers hold g.mu.
func (g *group) commonProtocols(offered []*protocol.GroupProtocol) []string {
	var out []string
	for _, gp := range offered {
		ok := true
		for _, m := range g.members {
			if !supportsProtocol(m, gp.ProtocolName) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, gp.ProtocolName)
		}
	}
	return out
}

func supportsProtocol(m *member, name string) bool {
	for _, p := range m.protocols {
		if p.Name == name {
			return true
		}
	}
	return false
}

// prepareRebalance moves the group into PreparingRebalance and opens the
// join window. Parked syncs are released with RebalanceInProgress.
// Callers hold g.mu.
func (g *group) prepareRebalance() {
	if g.state == structs.GroupStatePreparingRebalance {
		return
	}
	fromEmpty := g.state == structs.GroupStateEmpty
	g.state = structs.GroupStatePreparingRebalance
	g.failPendingSyncs(protocol.ErrRebalanceInProgress)

	cap := g.maxRebalanceTimeout()
	g.joinDeadline = time.Now().Add(cap)
	window := cap
	g.initialDelay = false
	if fromEmpty && g.c.initialJoinDelay > 0 {
		// A new group's first rebalance is delayed so the initial
		// members can all make the first generation.
		g.initialDelay = true
		g.newMemberAdded = false
		if g.c.initialJoinDelay < window {
			window = g.c.initialJoinDelay
		}
	}
	g.restartJoinTimer(window)
}

// extendJoinWindow pushes the join timer out one more delay while new
// members keep arriving, up to the rebalance timeout. Callers hold g.mu.
func (g *group) extendJoinWindow() {
	g.newMemberAdded = false
	window := g.c.initialJoinDelay
	if remaining := time.Until(g.joinDeadline); remaining < window {
		window = remaining
	}
	if window <= 0 {
		return
	}
	g.restartJoinTimer(window)
}

func (g *group) restartJoinTimer(window time.Duration) {
	if g.joinTimer != nil {
		g.joinTimer.Stop()
	}
	if window <= 0 {
		window = time.Millisecond
	}
	g.joinTimer = time.AfterFunc(window, g.onJoinWindow)
}

func (g *group) maxRebalanceTimeout() time.Duration {
	max := g.c.initialJoinDelay
	for _, m := range g.members {
		if m.rebalanceTimeout > max {
			max = m.rebalanceTimeout
		}
	}
	return max
}

// onJoinWindow fires when the join timer lapses.
func (g *group) onJoinWindow() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != structs.GroupStatePreparingRebalance {
		return
	}
	if g.initialDelay && g.newMemberAdded && time.Now().Before(g.joinDeadline) {
		g.extendJoinWindow()
		return
	}
	g.completeJoin()
}

// tryEarlyComplete closes a rejoin-driven window as soon as every known
// member is parked. The initial delayed window always runs out so late
// first members can make generation one. Callers hold g.mu.
func (g *group) tryEarlyComplete() {
	if g.state != structs.GroupStatePreparingRebalance || g.initialDelay {
		return
	}
	for _, m := range g.members {
		if m.joinCh == nil {
			return
		}
	}
	g.completeJoin()
}

// completeJoin forms the next generation from the members that made the
// window and releases every parked join. Callers hold g.mu.
func (g *group) completeJoin() {
	if g.joinTimer != nil {
		g.joinTimer.Stop()
		g.joinTimer = nil
	}
	g.initialDelay = false

	// Members that did not rejoin are dropped from the generation.
	for id, m := range g.members {
		if m.joinCh == nil {
			g.removeMember(id)
		}
	}

	g.generation++
	if len(g.members) == 0 {
		g.state = structs.GroupStateEmpty
		g.leaderID = ""
		g.protocol = ""
		if err := g.persist(); err != nil {
			log.Error.Printf("group coordinator/%d: persist group %s: %v", g.c.nodeID, g.id, err)
		}
		return
	}

	g.protocol = g.voteProtocol()
	if _, ok := g.members[g.leaderID]; !ok || g.leaderID == "" {
		g.leaderID = g.firstJoiner()
	}
	g.state = structs.GroupStateCompletingRebalance

	if err := g.persist(); err != nil {
		log.Error.Printf("group coordinator/%d: persist group %s: %v", g.c.nodeID, g.id, err)
		g.deliverJoin(joinResult{err: protocol.ErrUnknown})
		g.state = structs.GroupStateEmpty
		return
	}

	leaderMembers := make([]protocol.Member, 0, len(g.members))
	for _, id := range g.sortedMemberIDs() {
		m := g.members[id]
		leaderMembers = append(leaderMembers, protocol.Member{
			MemberID:       m.id,
			MemberMetadata: m.metadata(g.protocol),
		})
	}

	for _, m := range g.members {
		r := joinResult{
			err:        protocol.ErrNone,
			generation: g.generation,
			protocol:   g.protocol,
			leaderID:   g.leaderID,
			memberID:   m.id,
		}
		if m.id == g.leaderID {
			r.members = leaderMembers
		}
		m.joinCh <- r
		m.joinCh = nil
		g.scheduleSession(m)
	}
}

func (g *group) deliverJoin(r joinResult) {
	for _, m := range g.members {
		if m.joinCh == nil {
			continue
		}
		r.memberID = m.id
		m.joinCh <- r
		m.joinCh = nil
	}
}

// voteProtocol picks the first protocol in the earliest joiner's
// preference order supported by every member. Callers hold g.mu.
func (g *group) voteProtocol() string {
	first := g.members[g.firstJoiner()]
	for _, p := range first.protocols {
		ok := true
		for _, m := range g.members {
			if !supportsProtocol(m, p.Name) {
				ok = false
				break
			}
		}
		if ok {
			return p.Name
		}
	}
	return first.protocols[0].Name
}

func (g *group) firstJoiner() string {
	var id string
	min := int64(-1)
	for _, m := range g.members {
		if min < 0 || m.joined < min {
			min = m.joined
			id = m.id
		}
	}
	return id
}

func (g *group) sortedMemberIDs() []string {
	ids := make([]string, 0, len(g.members))
	for id := range g.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// syncGroup handles one SyncGroup call, blocking followers until the
// leader distributes assignments.
func (c *groupCoordinator) syncGroup(ctx context.Context, req *protocol.SyncGroupRequest) *protocol.SyncGroupResponse {
	res := &protocol.SyncGroupResponse{}
	res.APIVersion = req.APIVersion

	g, perr := c.group(req.GroupID, false)
	if perr != protocol.ErrNone {
		res.ErrorCode = perr.Code()
		return res
	}

	wait, r, perr := g.sync(req)
	if perr != protocol.ErrNone {
		res.ErrorCode = perr.Code()
		return res
	}
	if wait != nil {
		select {
		case got := <-wait:
			r = &got
		case <-ctx.Done():
			res.ErrorCode = protocol.ErrRequestTimedOut.Code()
			return res
		}
	}
	res.ErrorCode = r.err.Code()
	res.MemberAssignment = r.assignment
	return res
}

// sync either answers immediately (r set) or parks the caller (wait
// set).
func (g *group) sync(req *protocol.SyncGroupRequest) (wait <-chan syncResult, r *syncResult, perr protocol.Error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	m, ok := g.members[req.MemberID]
	if !ok {
		return nil, nil, protocol.ErrUnknownMemberId
	}
	if req.GenerationID != g.generation {
		return nil, nil, protocol.ErrIllegalGeneration
	}

	switch g.state {
	case structs.GroupStateEmpty, structs.GroupStateDead:
		return nil, nil, protocol.ErrUnknownMemberId
	case structs.GroupStatePreparingRebalance:
		return nil, nil, protocol.ErrRebalanceInProgress
	case structs.GroupStateStable:
		return nil, &syncResult{err: protocol.ErrNone, assignment: m.assignment}, protocol.ErrNone
	}

	// CompletingRebalance.
	if req.MemberID != g.leaderID {
		if m.syncCh != nil {
			m.syncCh <- syncResult{err: protocol.ErrRebalanceInProgress}
		}
		m.syncCh = make(chan syncResult, 1)
		return m.syncCh, nil, protocol.ErrNone
	}

	assignments := req.GroupAssignments
	if len(assignments) == 0 {
		computed, err := g.computeAssignments()
		if err != nil {
			log.Error.Printf("group coordinator/%d: compute assignments for %s: %v", g.c.nodeID, g.id, err)
			g.failPendingSyncs(protocol.ErrUnknown)
			return nil, nil, protocol.ErrUnknown.WithErr(err)
		}
		assignments = computed
	}
	for _, ga := range assignments {
		if mm, ok := g.members[ga.MemberID]; ok {
			mm.assignment = ga.MemberAssignment
		} else {
			log.Error.Printf("group coordinator/%d: sync group %s: unknown member in assignments: %s", g.c.nodeID, g.id, ga.MemberID)
		}
	}
	g.state = structs.GroupStateStable
	if err := g.persist(); err != nil {
		log.Error.Printf("group coordinator/%d: persist group %s: %v", g.c.nodeID, g.id, err)
		g.state = structs.GroupStateCompletingRebalance
		g.failPendingSyncs(protocol.ErrUnknown)
		return nil, nil, protocol.ErrUnknown.WithErr(err)
	}

	for _, mm := range g.members {
		if mm.syncCh == nil {
			continue
		}
		mm.syncCh <- syncResult{err: protocol.ErrNone, assignment: mm.assignment}
		mm.syncCh = nil
		g.scheduleSession(mm)
	}
	g.scheduleSession(m)
	return nil, &syncResult{err: protocol.ErrNone, assignment: m.assignment}, protocol.ErrNone
}

// computeAssignments runs the group's assignor when the leader syncs
// without supplying assignments. Callers hold g.mu.
func (g *group) computeAssignments() ([]protocol.GroupAssignment, error) {
	assignor, ok := assignors[g.protocol]
	if !ok {
		// Opaque embedded protocol; nothing to distribute.
		return nil, nil
	}

	subs := make([]memberSubscription, 0, len(g.members))
	topicSet := make(map[string]struct{})
	for _, id := range g.sortedMemberIDs() {
		m := g.members[id]
		sub := new(protocol.Subscription)
		if err := sub.Decode(protocol.NewDecoder(m.metadata(g.protocol))); err != nil {
			return nil, err
		}
		subs = append(subs, memberSubscription{MemberID: id, Subscription: sub})
		for _, t := range sub.Topics {
			topicSet[t] = struct{}{}
		}
	}
	topics := make([]string, 0, len(topicSet))
	for t := range topicSet {
		topics = append(topics, t)
	}
	sort.Strings(topics)

	partitions, err := g.c.topicPartitions(topics)
	if err != nil {
		return nil, err
	}
	assigned := assignor.Assign(subs, partitions)

	out := make([]protocol.GroupAssignment, 0, len(assigned))
	for _, id := range g.sortedMemberIDs() {
		a, ok := assigned[id]
		if !ok {
			continue
		}
		a.Version = 0
		raw, err := protocol.Encode(a)
		if err != nil {
			return nil, err
		}
		out = append(out, protocol.GroupAssignment{MemberID: id, MemberAssignment: raw})
	}
	return out, nil
}

func (g *group) failPendingSyncs(perr protocol.Error) {
	for _, m := range g.members {
		if m.syncCh == nil {
			continue
		}
		m.syncCh <- syncResult{err: perr}
		m.syncCh = nil
	}
}

// heartbeat keeps a member's session alive and reports rebalances.
func (c *groupCoordinator) heartbeat(req *protocol.HeartbeatRequest) *protocol.HeartbeatResponse {
	res := &protocol.HeartbeatResponse{}
	res.APIVersion = req.APIVersion

	g, perr := c.group(req.GroupID, false)
	if perr != protocol.ErrNone {
		res.ErrorCode = perr.Code()
		return res
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.members[req.MemberID]
	if !ok {
		res.ErrorCode = protocol.ErrUnknownMemberId.Code()
		return res
	}
	if req.GroupGenerationID != g.generation {
		res.ErrorCode = protocol.ErrIllegalGeneration.Code()
		return res
	}
	g.scheduleSession(m)
	switch g.state {
	case structs.GroupStatePreparingRebalance, structs.GroupStateCompletingRebalance:
		res.ErrorCode = protocol.ErrRebalanceInProgress.Code()
	case structs.GroupStateEmpty, structs.GroupStateDead:
		res.ErrorCode = protocol.ErrUnknownMemberId.Code()
	default:
		res.ErrorCode = protocol.ErrNone.Code()
	}
	return res
}

// leaveGroup evicts the member immediately, skipping the session
// timeout.
func (c *groupCoordinator) leaveGroup(req *protocol.LeaveGroupRequest) *protocol.LeaveGroupResponse {
	res := &protocol.LeaveGroupResponse{}
	res.APIVersion = req.APIVersion

	g, perr := c.group(req.GroupID, false)
	if perr != protocol.ErrNone {
		res.ErrorCode = perr.Code()
		return res
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.members[req.MemberID]; !ok {
		res.ErrorCode = protocol.ErrUnknownMemberId.Code()
		return res
	}
	g.evict(req.MemberID)
	return res
}

// scheduleSession (re)arms the member's session timer. Callers hold
// g.mu.
func (g *group) scheduleSession(m *member) {
	m.hbEpoch++
	epoch := m.hbEpoch
	if m.sessionTimer != nil {
		m.sessionTimer.Stop()
	}
	timeout := m.sessionTimeout
	if timeout <= 0 {
		timeout = minSessionTimeout
	}
	id := m.id
	m.sessionTimer = time.AfterFunc(timeout, func() {
		g.onSessionExpired(id, epoch)
	})
}

func (g *group) onSessionExpired(memberID string, epoch uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m, ok := g.members[memberID]
	if !ok || m.hbEpoch != epoch {
		return
	}
	log.Debug.Printf("group coordinator/%d: group %s: session expired for %s", g.c.nodeID, g.id, memberID)
	g.evict(memberID)
}

// evict removes a member, releases anything parked on it, and triggers
// the follow-up rebalance. Callers hold g.mu.
func (g *group) evict(memberID string) {
	g.removeMember(memberID)
	if len(g.members) == 0 {
		g.state = structs.GroupStateEmpty
		g.leaderID = ""
		g.protocol = ""
		if err := g.persist(); err != nil {
			log.Error.Printf("group coordinator/%d: persist group %s: %v", g.c.nodeID, g.id, err)
		}
		return
	}
	if g.leaderID == memberID {
		g.leaderID = g.firstJoiner()
	}
	switch g.state {
	case structs.GroupStateStable, structs.GroupStateCompletingRebalance:
		g.prepareRebalance()
		g.tryEarlyComplete()
	case structs.GroupStatePreparingRebalance:
		g.tryEarlyComplete()
	}
	if err := g.persist(); err != nil {
		log.Error.Printf("group coordinator/%d: persist group %s: %v", g.c.nodeID, g.id, err)
	}
}

// removeMember drops the member and releases its parked calls. Callers
// hold g.mu.
func (g *group) removeMember(memberID string) {
	m, ok := g.members[memberID]
	if !ok {
		return
	}
	if m.sessionTimer != nil {
		m.sessionTimer.Stop()
	}
	if m.joinCh != nil {
		m.joinCh <- joinResult{err: protocol.ErrUnknownMemberId, memberID: memberID}
		m.joinCh = nil
	}
	if m.syncCh != nil {
		m.syncCh <- syncResult{err: protocol.ErrUnknownMemberId}
		m.syncCh = nil
	}
	delete(g.members, memberID)
}

// validateCommit gates an offset commit on group membership. Standalone
// consumers commit with generation -1 and no member id.
func (c *groupCoordinator) validateCommit(groupID, memberID string, generation int32) protocol.Error {
	if generation < 0 && memberID == "" {
		return protocol.ErrNone
	}
	g, perr := c.group(groupID, false)
	if perr != protocol.ErrNone {
		return protocol.ErrIllegalGeneration
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.members[memberID]; !ok {
		return protocol.ErrUnknownMemberId
	}
	if generation != g.generation {
		return protocol.ErrIllegalGeneration
	}
	if g.state != structs.GroupStateStable && g.state != structs.GroupStateCompletingRebalance {
		return protocol.ErrRebalanceInProgress
	}
	return protocol.ErrNone
}

// describeGroup fills one DescribeGroups entry.
func (c *groupCoordinator) describeGroup(id string) protocol.Group {
	out := protocol.Group{
		GroupID:      id,
		GroupMembers: make(map[string]*protocol.GroupMember),
	}
	g, perr := c.group(id, false)
	if perr != protocol.ErrNone {
		if perr.Code() == protocol.ErrInvalidGroupId.Code() {
			out.ErrorCode = protocol.ErrGroupIdNotFound.Code()
			out.State = string(structs.GroupStateDead)
		} else {
			out.ErrorCode = perr.Code()
		}
		return out
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	out.State = string(g.state)
	out.ProtocolType = g.protocolType
	out.Protocol = g.protocol
	for mid, m := range g.members {
		out.GroupMembers[mid] = &protocol.GroupMember{
			ClientID:              m.clientID,
			ClientHost:            m.clientHost,
			GroupMemberMetadata:   m.metadata(g.protocol),
			GroupMemberAssignment: m.assignment,
		}
	}
	return out
}

// listGroups snapshots every group this coordinator knows, durable rows
// included.
func (c *groupCoordinator) listGroups(rows []*structs.Group) []protocol.ListGroup {
	c.mu.Lock()
	seen := make(map[string]string, len(c.groups))
	for id, g := range c.groups {
		g.mu.Lock()
		seen[id] = g.protocolType
		g.mu.Unlock()
	}
	c.mu.Unlock()

	for _, row := range rows {
		if _, ok := seen[row.Group]; !ok {
			seen[row.Group] = row.ProtocolType
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]protocol.ListGroup, 0, len(ids))
	for _, id := range ids {
		out = append(out, protocol.ListGroup{GroupID: id, ProtocolType: seen[id]})
	}
	return out
}

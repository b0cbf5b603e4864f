package protocol

import (
	"sort"
	"time"
)

type GroupMember struct {
	ClientID              string
	ClientHost            string
	GroupMemberMetadata   []byte
	GroupMemberAssignment []byte
}

type Group struct {
	ErrorCode    int16
	GroupID      string
	State        string
	ProtocolType string
	Protocol     string
	// GroupMembers is keyed by member id.
	GroupMembers map[string]*GroupMember
}

type DescribeGroupsResponse struct {
	APIVersion int16

	// ThrottleTime is added in v1+.
	ThrottleTime time.Duration
	Groups       []Group
}

func (r *DescribeGroupsResponse) Encode(e PacketEncoder) (err error) {
	if r.APIVersion >= 1 {
		e.PutInt32(int32(r.ThrottleTime / time.Millisecond))
	}
	if err = e.PutArrayLength(len(r.Groups)); err != nil {
		return err
	}
	for _, g := range r.Groups {
		e.PutInt16(g.ErrorCode)
		if err = e.PutString(g.GroupID); err != nil {
			return err
		}
		if err = e.PutString(g.State); err != nil {
			return err
		}
		if err = e.PutString(g.ProtocolType); err != nil {
			return err
		}
		if err = e.PutString(g.Protocol); err != nil {
			return err
		}
		if err = e.PutArrayLength(len(g.GroupMembers)); err != nil {
			return err
		}
		memberIDs := make([]string, 0, len(g.GroupMembers))
		for id := range g.GroupMembers {
			memberIDs = append(memberIDs, id)
		}
		sort.Strings(memberIDs)
		for _, id := range memberIDs {
			m := g.GroupMembers[id]
			if err = e.PutString(id); err != nil {
				return err
			}
			if err = e.PutString(m.ClientID); err != nil {
				return err
			}
			if err = e.PutString(m.ClientHost); err != nil {
				return err
			}
			if err = e.PutBytes(m.GroupMemberMetadata); err != nil {
				return err
			}
			if err = e.PutBytes(m.GroupMemberAssignment); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *DescribeGroupsResponse) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	if version >= 1 {
		var ms int32
		if ms, err = d.Int32(); err != nil {
			return err
		}
		r.ThrottleTime = time.Duration(ms) * time.Millisecond
	}
	var groupCount int
	if groupCount, err = d.ArrayLength(); err != nil {
		return err
	}
	r.Groups = make([]Group, groupCount)
	for i := range r.Groups {
		if r.Groups[i].ErrorCode, err = d.Int16(); err != nil {
			return err
		}
		if r.Groups[i].GroupID, err = d.String(); err != nil {
			return err
		}
		if r.Groups[i].State, err = d.String(); err != nil {
			return err
		}
		if r.Groups[i].ProtocolType, err = d.String(); err != nil {
			return err
		}
		if r.Groups[i].Protocol, err = d.String(); err != nil {
			return err
		}
		var memberCount int
		if memberCount, err = d.ArrayLength(); err != nil {
			return err
		}
		r.Groups[i].GroupMembers = make(map[string]*GroupMember, memberCount)
		for j := 0; j < memberCount; j++ {
			var id string
			if id, err = d.String(); err != nil {
				return err
			}
			m := new(GroupMember)
			if m.ClientID, err = d.String(); err != nil {
				return err
			}
			if m.ClientHost, err = d.String(); err != nil {
				return err
			}
			if m.GroupMemberMetadata, err = d.Bytes(); err != nil {
				return err
			}
			if m.GroupMemberAssignment, err = d.Bytes(); err != nil {
				return err
			}
			r.Groups[i].GroupMembers[id] = m
		}
	}
	return nil
}

func (r *DescribeGroupsResponse) Key() int16 {
	return DescribeGroupsKey
}

func (r *DescribeGroupsResponse) Version() int16 {
	return r.APIVersion
}

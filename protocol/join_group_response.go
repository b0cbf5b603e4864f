package protocol

import "time"

type Member struct {
	MemberID string
	// GroupInstanceID is added in v5+.
	GroupInstanceID *string
	MemberMetadata  []byte
}

type JoinGroupResponse struct {
	APIVersion int16

	// ThrottleTime is added in v2+.
	ThrottleTime  time.Duration
	ErrorCode     int16
	GenerationID  int32
	GroupProtocol string
	LeaderID      string
	MemberID      string
	Members       []Member
}

func (r *JoinGroupResponse) Encode(e PacketEncoder) (err error) {
	if r.APIVersion >= 2 {
		e.PutInt32(int32(r.ThrottleTime / time.Millisecond))
	}
	e.PutInt16(r.ErrorCode)
	e.PutInt32(r.GenerationID)
	if err = e.PutString(r.GroupProtocol); err != nil {
		return err
	}
	if err = e.PutString(r.LeaderID); err != nil {
		return err
	}
	if err = e.PutString(r.MemberID); err != nil {
		return err
	}
	if err = e.PutArrayLength(len(r.Members)); err != nil {
		return err
	}
	for _, m := range r.Members {
		if err = e.PutString(m.MemberID); err != nil {
			return err
		}
		if r.APIVersion >= 5 {
			if err = e.PutNullableString(m.GroupInstanceID); err != nil {
				return err
			}
		}
		if err = e.PutBytes(m.MemberMetadata); err != nil {
			return err
		}
	}
	return nil
}

func (r *JoinGroupResponse) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	if version >= 2 {
		var ms int32
		if ms, err = d.Int32(); err != nil {
			return err
		}
		r.ThrottleTime = time.Duration(ms) * time.Millisecond
	}
	if r.ErrorCode, err = d.Int16(); err != nil {
		return err
	}
	if r.GenerationID, err = d.Int32(); err != nil {
		return err
	}
	if r.GroupProtocol, err = d.String(); err != nil {
		return err
	}
	if r.LeaderID, err = d.String(); err != nil {
		return err
	}
	if r.MemberID, err = d.String(); err != nil {
		return err
	}
	var memberCount int
	if memberCount, err = d.ArrayLength(); err != nil {
		return err
	}
	r.Members = make([]Member, memberCount)
	for i := range r.Members {
		if r.Members[i].MemberID, err = d.String(); err != nil {
			return err
		}
		if version >= 5 {
			if r.Members[i].GroupInstanceID, err = d.NullableString(); err != nil {
				return err
			}
		}
		if r.Members[i].MemberMetadata, err = d.Bytes(); err != nil {
			return err
		}
	}
	return nil
}

func (r *JoinGroupResponse) Key() int16 {
	return JoinGroupKey
}

func (r *JoinGroupResponse) Version() int16 {
	return r.APIVersion
}

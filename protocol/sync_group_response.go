package protocol

import "time"

type SyncGroupResponse struct {
	APIVersion int16

	// ThrottleTime is added in v1+.
	ThrottleTime     time.Duration
	ErrorCode        int16
	MemberAssignment []byte
}

func (r *SyncGroupResponse) Encode(e PacketEncoder) (err error) {
	if r.APIVersion >= 1 {
		e.PutInt32(int32(r.ThrottleTime / time.Millisecond))
	}
	e.PutInt16(r.ErrorCode)
	if err = e.PutBytes(r.MemberAssignment); err != nil {
		return err
	}
	return nil
}

func (r *SyncGroupResponse) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	if version >= 1 {
		var ms int32
		if ms, err = d.Int32(); err != nil {
			return err
		}
		r.ThrottleTime = time.Duration(ms) * time.Millisecond
	}
	if r.ErrorCode, err = d.Int16(); err != nil {
		return err
	}
	if r.MemberAssignment, err = d.Bytes(); err != nil {
		return err
	}
	return nil
}

func (r *SyncGroupResponse) Key() int16 {
	return SyncGroupKey
}

func (r *SyncGroupResponse) Version() int16 {
	return r.APIVersion
}

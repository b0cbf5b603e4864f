package protocol

import "time"

type LeaveGroupResponse struct {
	APIVersion int16

	// ThrottleTime is added in v1+.
	ThrottleTime time.Duration
	ErrorCode    int16
}

func (r *LeaveGroupResponse) Encode(e PacketEncoder) (err error) {
	if r.APIVersion >= 1 {
		e.PutInt32(int32(r.ThrottleTime / time.Millisecond))
	}
	e.PutInt16(r.ErrorCode)
	return nil
}

func (r *LeaveGroupResponse) Decode(d PacketDecoder, version int16) (err error) {
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
	return nil
}

func (r *LeaveGroupResponse) Key() int16 {
	return LeaveGroupKey
}

func (r *LeaveGroupResponse) Version() int16 {
	return r.APIVersion
}

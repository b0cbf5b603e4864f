package protocol

type LeaveGroupRequest struct {
	APIVersion int16

	GroupID  string
	MemberID string
}

func (r *LeaveGroupRequest) Encode(e PacketEncoder) (err error) {
	if err = e.PutString(r.GroupID); err != nil {
		return err
	}
	if err = e.PutString(r.MemberID); err != nil {
		return err
	}
	return nil
}

func (r *LeaveGroupRequest) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	if r.GroupID, err = d.String(); err != nil {
		return err
	}
	if r.MemberID, err = d.String(); err != nil {
		return err
	}
	return nil
}

func (r *LeaveGroupRequest) Key() int16 {
	return LeaveGroupKey
}

func (r *LeaveGroupRequest) Version() int16 {
	return r.APIVersion
}

package protocol

type HeartbeatRequest struct {
	APIVersion int16

	GroupID           string
	GroupGenerationID int32
	MemberID          string
	// GroupInstanceID is added in v3+.
	GroupInstanceID *string
}

func (r *HeartbeatRequest) Encode(e PacketEncoder) (err error) {
	if err = e.PutString(r.GroupID); err != nil {
		return err
	}
	e.PutInt32(r.GroupGenerationID)
	if err = e.PutString(r.MemberID); err != nil {
		return err
	}
	if r.APIVersion >= 3 {
		if err = e.PutNullableString(r.GroupInstanceID); err != nil {
			return err
		}
	}
	return nil
}

func (r *HeartbeatRequest) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	if r.GroupID, err = d.String(); err != nil {
		return err
	}
	if r.GroupGenerationID, err = d.Int32(); err != nil {
		return err
	}
	if r.MemberID, err = d.String(); err != nil {
		return err
	}
	if version >= 3 {
		if r.GroupInstanceID, err = d.NullableString(); err != nil {
			return err
		}
	}
	return nil
}

func (r *HeartbeatRequest) Key() int16 {
	return HeartbeatKey
}

func (r *HeartbeatRequest) Version() int16 {
	return r.APIVersion
}

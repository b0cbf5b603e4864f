package protocol

type GroupAssignment struct {
	MemberID         string
	MemberAssignment []byte
}

type SyncGroupRequest struct {
	APIVersion int16

	GroupID      string
	GenerationID int32
	MemberID     string
	// GroupInstanceID is added in v3+.
	GroupInstanceID *string
	// GroupAssignments is only set by the group leader.
	GroupAssignments []GroupAssignment
}

func (r *SyncGroupRequest) Encode(e PacketEncoder) (err error) {
	if err = e.PutString(r.GroupID); err != nil {
		return err
	}
	e.PutInt32(r.GenerationID)
	if err = e.PutString(r.MemberID); err != nil {
		return err
	}
	if r.APIVersion >= 3 {
		if err = e.PutNullableString(r.GroupInstanceID); err != nil {
			return err
		}
	}
	if err = e.PutArrayLength(len(r.GroupAssignments)); err != nil {
		return err
	}
	for _, ga := range r.GroupAssignments {
		if err = e.PutString(ga.MemberID); err != nil {
			return err
		}
		if err = e.PutBytes(ga.MemberAssignment); err != nil {
			return err
		}
	}
	return nil
}

func (r *SyncGroupRequest) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	if r.GroupID, err = d.String(); err != nil {
		return err
	}
	if r.GenerationID, err = d.Int32(); err != nil {
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
	var assignmentCount int
	if assignmentCount, err = d.ArrayLength(); err != nil {
		return err
	}
	r.GroupAssignments = make([]GroupAssignment, assignmentCount)
	for i := range r.GroupAssignments {
		if r.GroupAssignments[i].MemberID, err = d.String(); err != nil {
			return err
		}
		if r.GroupAssignments[i].MemberAssignment, err = d.Bytes(); err != nil {
			return err
		}
	}
	return nil
}

func (r *SyncGroupRequest) Key() int16 {
	return SyncGroupKey
}

func (r *SyncGroupRequest) Version() int16 {
	return r.APIVersion
}

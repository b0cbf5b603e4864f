package protocol

import "time"

type ListGroup struct {
	GroupID      string
	ProtocolType string
}

type ListGroupsResponse struct {
	APIVersion int16

	// ThrottleTime is added in v1+.
	ThrottleTime time.Duration
	ErrorCode    int16
	Groups       []ListGroup
}

func (r *ListGroupsResponse) Encode(e PacketEncoder) (err error) {
	if r.APIVersion >= 1 {
		e.PutInt32(int32(r.ThrottleTime / time.Millisecond))
	}
	e.PutInt16(r.ErrorCode)
	if err = e.PutArrayLength(len(r.Groups)); err != nil {
		return err
	}
	for _, g := range r.Groups {
		if err = e.PutString(g.GroupID); err != nil {
			return err
		}
		if err = e.PutString(g.ProtocolType); err != nil {
			return err
		}
	}
	return nil
}

func (r *ListGroupsResponse) Decode(d PacketDecoder, version int16) (err error) {
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
	var groupCount int
	if groupCount, err = d.ArrayLength(); err != nil {
		return err
	}
	r.Groups = make([]ListGroup, groupCount)
	for i := range r.Groups {
		if r.Groups[i].GroupID, err = d.String(); err != nil {
			return err
		}
		if r.Groups[i].ProtocolType, err = d.String(); err != nil {
			return err
		}
	}
	return nil
}

func (r *ListGroupsResponse) Key() int16 {
	return ListGroupsKey
}

func (r *ListGroupsResponse) Version() int16 {
	return r.APIVersion
}

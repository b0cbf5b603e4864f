package protocol

import "time"

type GroupProtocol struct {
	ProtocolName     string
	ProtocolMetadata []byte
}

type JoinGroupRequest struct {
	APIVersion int16

	GroupID        string
	SessionTimeout time.Duration
	// RebalanceTimeout is added in v1+. Earlier versions reuse the
	// session timeout.
	RebalanceTimeout time.Duration
	MemberID         string
	// GroupInstanceID is added in v5+.
	GroupInstanceID *string
	ProtocolType    string
	GroupProtocols  []*GroupProtocol
}

func (r *JoinGroupRequest) Encode(e PacketEncoder) (err error) {
	if err = e.PutString(r.GroupID); err != nil {
		return err
	}
	e.PutInt32(int32(r.SessionTimeout / time.Millisecond))
	if r.APIVersion >= 1 {
		e.PutInt32(int32(r.RebalanceTimeout / time.Millisecond))
	}
	if err = e.PutString(r.MemberID); err != nil {
		return err
	}
	if r.APIVersion >= 5 {
		if err = e.PutNullableString(r.GroupInstanceID); err != nil {
			return err
		}
	}
	if err = e.PutString(r.ProtocolType); err != nil {
		return err
	}
	if err = e.PutArrayLength(len(r.GroupProtocols)); err != nil {
		return err
	}
	for _, gp := range r.GroupProtocols {
		if err = e.PutString(gp.ProtocolName); err != nil {
			return err
		}
		if err = e.PutBytes(gp.ProtocolMetadata); err != nil {
			return err
		}
	}
	return nil
}

func (r *JoinGroupRequest) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	if r.GroupID, err = d.String(); err != nil {
		return err
	}
	var sessionTimeout int32
	if sessionTimeout, err = d.Int32(); err != nil {
		return err
	}
	r.SessionTimeout = time.Duration(sessionTimeout) * time.Millisecond
	if version >= 1 {
		var rebalanceTimeout int32
		if rebalanceTimeout, err = d.Int32(); err != nil {
			return err
		}
		r.RebalanceTimeout = time.Duration(rebalanceTimeout) * time.Millisecond
	}
	if r.MemberID, err = d.String(); err != nil {
		return err
	}
	if version >= 5 {
		if r.GroupInstanceID, err = d.NullableString(); err != nil {
			return err
		}
	}
	if r.ProtocolType, err = d.String(); err != nil {
		return err
	}
	var protocolCount int
	if protocolCount, err = d.ArrayLength(); err != nil {
		return err
	}
	r.GroupProtocols = make([]*GroupProtocol, protocolCount)
	for i := range r.GroupProtocols {
		gp := new(GroupProtocol)
		if gp.ProtocolName, err = d.String(); err != nil {
			return err
		}
		if gp.ProtocolMetadata, err = d.Bytes(); err != nil {
			return err
		}
		r.GroupProtocols[i] = gp
	}
	return nil
}

func (r *JoinGroupRequest) Key() int16 {
	return JoinGroupKey
}

func (r *JoinGroupRequest) Version() int16 {
	return r.APIVersion
}

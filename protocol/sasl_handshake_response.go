package protocol

type SaslHandshakeResponse struct {
	APIVersion int16

	ErrorCode         int16
	EnabledMechanisms []string
}

func (r *SaslHandshakeResponse) Encode(e PacketEncoder) (err error) {
	e.PutInt16(r.ErrorCode)
	if err = e.PutStringArray(r.EnabledMechanisms); err != nil {
		return err
	}
	return nil
}

func (r *SaslHandshakeResponse) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	if r.ErrorCode, err = d.Int16(); err != nil {
		return err
	}
	if r.EnabledMechanisms, err = d.StringArray(); err != nil {
		return err
	}
	return nil
}

func (r *SaslHandshakeResponse) Key() int16 {
	return SaslHandshakeKey
}

func (r *SaslHandshakeResponse) Version() int16 {
	return r.APIVersion
}

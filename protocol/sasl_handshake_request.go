package protocol

type SaslHandshakeRequest struct {
	APIVersion int16

	Mechanism string
}

func (r *SaslHandshakeRequest) Encode(e PacketEncoder) (err error) {
	if err = e.PutString(r.Mechanism); err != nil {
		return err
	}
	return nil
}

func (r *SaslHandshakeRequest) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	if r.Mechanism, err = d.String(); err != nil {
		return err
	}
	return nil
}

func (r *SaslHandshakeRequest) Key() int16 {
	return SaslHandshakeKey
}

func (r *SaslHandshakeRequest) Version() int16 {
	return r.APIVersion
}

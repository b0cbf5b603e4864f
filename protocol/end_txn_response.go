package protocol

import "time"

type EndTxnResponse struct {
	APIVersion int16

	ThrottleTime time.Duration
	ErrorCode    int16
}

func (r *EndTxnResponse) Encode(e PacketEncoder) (err error) {
	e.PutInt32(int32(r.ThrottleTime / time.Millisecond))
	e.PutInt16(r.ErrorCode)
	return nil
}

func (r *EndTxnResponse) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	var ms int32
	if ms, err = d.Int32(); err != nil {
		return err
	}
	r.ThrottleTime = time.Duration(ms) * time.Millisecond
	if r.ErrorCode, err = d.Int16(); err != nil {
		return err
	}
	return nil
}

func (r *EndTxnResponse) Key() int16 {
	return EndTxnKey
}

func (r *EndTxnResponse) Version() int16 {
	return r.APIVersion
}

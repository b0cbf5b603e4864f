package protocol

import "time"

type InitProducerIDResponse struct {
	APIVersion int16

	ThrottleTime  time.Duration
	ErrorCode     int16
	ProducerID    int64
	ProducerEpoch int16
}

func (r *InitProducerIDResponse) Encode(e PacketEncoder) (err error) {
	e.PutInt32(int32(r.ThrottleTime / time.Millisecond))
	e.PutInt16(r.ErrorCode)
	e.PutInt64(r.ProducerID)
	e.PutInt16(r.ProducerEpoch)
	if r.APIVersion >= 2 {
		e.PutEmptyTaggedFieldArray()
	}
	return nil
}

func (r *InitProducerIDResponse) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	var ms int32
	if ms, err = d.Int32(); err != nil {
		return err
	}
	r.ThrottleTime = time.Duration(ms) * time.Millisecond
	if r.ErrorCode, err = d.Int16(); err != nil {
		return err
	}
	if r.ProducerID, err = d.Int64(); err != nil {
		return err
	}
	if r.ProducerEpoch, err = d.Int16(); err != nil {
		return err
	}
	if version >= 2 {
		if err = d.TaggedFields(); err != nil {
			return err
		}
	}
	return nil
}

func (r *InitProducerIDResponse) Key() int16 {
	return InitProducerIDKey
}

func (r *InitProducerIDResponse) Version() int16 {
	return r.APIVersion
}

package protocol

import "time"

type DeleteTopicsResponse struct {
	APIVersion int16

	// ThrottleTime is added in v1+.
	ThrottleTime    time.Duration
	TopicErrorCodes []*TopicErrorCode
}

func (r *DeleteTopicsResponse) Encode(e PacketEncoder) (err error) {
	if r.APIVersion >= 1 {
		e.PutInt32(int32(r.ThrottleTime / time.Millisecond))
	}
	if err = e.PutArrayLength(len(r.TopicErrorCodes)); err != nil {
		return err
	}
	for _, t := range r.TopicErrorCodes {
		if err = e.PutString(t.Topic); err != nil {
			return err
		}
		e.PutInt16(t.ErrorCode)
	}
	return nil
}

func (r *DeleteTopicsResponse) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	if version >= 1 {
		var ms int32
		if ms, err = d.Int32(); err != nil {
			return err
		}
		r.ThrottleTime = time.Duration(ms) * time.Millisecond
	}
	var topicCount int
	if topicCount, err = d.ArrayLength(); err != nil {
		return err
	}
	r.TopicErrorCodes = make([]*TopicErrorCode, topicCount)
	for i := range r.TopicErrorCodes {
		t := new(TopicErrorCode)
		if t.Topic, err = d.String(); err != nil {
			return err
		}
		if t.ErrorCode, err = d.Int16(); err != nil {
			return err
		}
		r.TopicErrorCodes[i] = t
	}
	return nil
}

func (r *DeleteTopicsResponse) Key() int16 {
	return DeleteTopicsKey
}

func (r *DeleteTopicsResponse) Version() int16 {
	return r.APIVersion
}

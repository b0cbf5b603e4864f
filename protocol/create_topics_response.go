package protocol

import "time"

type TopicErrorCode struct {
	Topic     string
	ErrorCode int16
	// ErrorMessage is added in v1+.
	ErrorMessage *string
}

type CreateTopicsResponse struct {
	APIVersion int16

	// ThrottleTime is added in v2+.
	ThrottleTime    time.Duration
	TopicErrorCodes []*TopicErrorCode
}

func (r *CreateTopicsResponse) Encode(e PacketEncoder) (err error) {
	if r.APIVersion >= 2 {
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
		if r.APIVersion >= 1 {
			if err = e.PutNullableString(t.ErrorMessage); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *CreateTopicsResponse) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	if version >= 2 {
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
		if version >= 1 {
			if t.ErrorMessage, err = d.NullableString(); err != nil {
				return err
			}
		}
		r.TopicErrorCodes[i] = t
	}
	return nil
}

func (r *CreateTopicsResponse) Key() int16 {
	return CreateTopicsKey
}

func (r *CreateTopicsResponse) Version() int16 {
	return r.APIVersion
}

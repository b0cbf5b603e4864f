package protocol

type OffsetFetchTopicRequest struct {
	Topic      string
	Partitions []int32
}

type OffsetFetchRequest struct {
	APIVersion int16

	GroupID string
	// Topics of nil means all topics the group has offsets for (v2+).
	Topics []OffsetFetchTopicRequest
}

func (r *OffsetFetchRequest) Encode(e PacketEncoder) (err error) {
	if err = e.PutString(r.GroupID); err != nil {
		return err
	}
	if r.Topics == nil && r.APIVersion >= 2 {
		if err = e.PutArrayLength(-1); err != nil {
			return err
		}
		return nil
	}
	if err = e.PutArrayLength(len(r.Topics)); err != nil {
		return err
	}
	for _, t := range r.Topics {
		if err = e.PutString(t.Topic); err != nil {
			return err
		}
		if err = e.PutInt32Array(t.Partitions); err != nil {
			return err
		}
	}
	return nil
}

func (r *OffsetFetchRequest) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	if r.GroupID, err = d.String(); err != nil {
		return err
	}
	var topicCount int
	if topicCount, err = d.ArrayLength(); err != nil {
		return err
	}
	if topicCount == -1 {
		return nil
	}
	r.Topics = make([]OffsetFetchTopicRequest, topicCount)
	for i := range r.Topics {
		if r.Topics[i].Topic, err = d.String(); err != nil {
			return err
		}
		if r.Topics[i].Partitions, err = d.Int32Array(); err != nil {
			return err
		}
	}
	return nil
}

func (r *OffsetFetchRequest) Key() int16 {
	return OffsetFetchKey
}

func (r *OffsetFetchRequest) Version() int16 {
	return r.APIVersion
}

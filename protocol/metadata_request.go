package protocol

type MetadataRequest struct {
	APIVersion int16

	// Topics of nil means all topics. In v0 an empty list also means
	// all topics; from v1 an empty list means none.
	Topics []string
	// AllowAutoTopicCreation is added in v4+.
	AllowAutoTopicCreation bool
}

func (r *MetadataRequest) Encode(e PacketEncoder) (err error) {
	if r.Topics == nil && r.APIVersion >= 1 {
		if err = e.PutArrayLength(-1); err != nil {
			return err
		}
	} else {
		if err = e.PutArrayLength(len(r.Topics)); err != nil {
			return err
		}
		for _, topic := range r.Topics {
			if err = e.PutString(topic); err != nil {
				return err
			}
		}
	}
	if r.APIVersion >= 4 {
		e.PutBool(r.AllowAutoTopicCreation)
	}
	return nil
}

func (r *MetadataRequest) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	var topicCount int
	if topicCount, err = d.ArrayLength(); err != nil {
		return err
	}
	if topicCount != -1 {
		r.Topics = make([]string, topicCount)
		for i := range r.Topics {
			if r.Topics[i], err = d.String(); err != nil {
				return err
			}
		}
	}
	if version >= 4 {
		if r.AllowAutoTopicCreation, err = d.Bool(); err != nil {
			return err
		}
	}
	return nil
}

func (r *MetadataRequest) Key() int16 {
	return MetadataKey
}

func (r *MetadataRequest) Version() int16 {
	return r.APIVersion
}

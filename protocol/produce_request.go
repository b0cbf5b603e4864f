package protocol

import "time"

type ProducePartitionData struct {
	Partition int32
	RecordSet []byte
}

type ProduceTopicData struct {
	Topic string
	Data  []*ProducePartitionData
}

type ProduceRequest struct {
	APIVersion int16

	// TransactionalID is added in v3+.
	TransactionalID *string
	Acks            int16
	Timeout         time.Duration
	TopicData       []*ProduceTopicData
}

func (r *ProduceRequest) Encode(e PacketEncoder) (err error) {
	if r.APIVersion >= 3 {
		if err = e.PutNullableString(r.TransactionalID); err != nil {
			return err
		}
	}
	e.PutInt16(r.Acks)
	e.PutInt32(int32(r.Timeout / time.Millisecond))
	if err = e.PutArrayLength(len(r.TopicData)); err != nil {
		return err
	}
	for _, td := range r.TopicData {
		if err = e.PutString(td.Topic); err != nil {
			return err
		}
		if err = e.PutArrayLength(len(td.Data)); err != nil {
			return err
		}
		for _, d := range td.Data {
			e.PutInt32(d.Partition)
			if err = e.PutNullableBytes(d.RecordSet); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *ProduceRequest) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	if version >= 3 {
		if r.TransactionalID, err = d.NullableString(); err != nil {
			return err
		}
	}
	if r.Acks, err = d.Int16(); err != nil {
		return err
	}
	var timeout int32
	if timeout, err = d.Int32(); err != nil {
		return err
	}
	r.Timeout = time.Duration(timeout) * time.Millisecond
	var topicCount int
	if topicCount, err = d.ArrayLength(); err != nil {
		return err
	}
	r.TopicData = make([]*ProduceTopicData, topicCount)
	for i := range r.TopicData {
		td := new(ProduceTopicData)
		if td.Topic, err = d.String(); err != nil {
			return err
		}
		var dataCount int
		if dataCount, err = d.ArrayLength(); err != nil {
			return err
		}
		td.Data = make([]*ProducePartitionData, dataCount)
		for j := range td.Data {
			data := new(ProducePartitionData)
			if data.Partition, err = d.Int32(); err != nil {
				return err
			}
			if data.RecordSet, err = d.NullableBytes(); err != nil {
				return err
			}
			td.Data[j] = data
		}
		r.TopicData[i] = td
	}
	return nil
}

func (r *ProduceRequest) Key() int16 {
	return ProduceKey
}

func (r *ProduceRequest) Version() int16 {
	return r.APIVersion
}

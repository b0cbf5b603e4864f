package protocol

type TxnOffsetCommitPartition struct {
	Partition int32
	Offset    int64
	// LeaderEpoch is added in v2+.
	LeaderEpoch int32
	Metadata    *string
}

type TxnOffsetCommitTopic struct {
	Topic      string
	Partitions []TxnOffsetCommitPartition
}

type TxnOffsetCommitRequest struct {
	APIVersion int16

	TransactionalID string
	GroupID         string
	ProducerID      int64
	ProducerEpoch   int16
	Topics          []TxnOffsetCommitTopic
}

func (r *TxnOffsetCommitRequest) Encode(e PacketEncoder) (err error) {
	if err = e.PutString(r.TransactionalID); err != nil {
		return err
	}
	if err = e.PutString(r.GroupID); err != nil {
		return err
	}
	e.PutInt64(r.ProducerID)
	e.PutInt16(r.ProducerEpoch)
	if err = e.PutArrayLength(len(r.Topics)); err != nil {
		return err
	}
	for _, t := range r.Topics {
		if err = e.PutString(t.Topic); err != nil {
			return err
		}
		if err = e.PutArrayLength(len(t.Partitions)); err != nil {
			return err
		}
		for _, p := range t.Partitions {
			e.PutInt32(p.Partition)
			e.PutInt64(p.Offset)
			if r.APIVersion >= 2 {
				e.PutInt32(p.LeaderEpoch)
			}
			if err = e.PutNullableString(p.Metadata); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *TxnOffsetCommitRequest) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	if r.TransactionalID, err = d.String(); err != nil {
		return err
	}
	if r.GroupID, err = d.String(); err != nil {
		return err
	}
	if r.ProducerID, err = d.Int64(); err != nil {
		return err
	}
	if r.ProducerEpoch, err = d.Int16(); err != nil {
		return err
	}
	var topicCount int
	if topicCount, err = d.ArrayLength(); err != nil {
		return err
	}
	r.Topics = make([]TxnOffsetCommitTopic, topicCount)
	for i := range r.Topics {
		if r.Topics[i].Topic, err = d.String(); err != nil {
			return err
		}
		var partitionCount int
		if partitionCount, err = d.ArrayLength(); err != nil {
			return err
		}
		r.Topics[i].Partitions = make([]TxnOffsetCommitPartition, partitionCount)
		for j := range r.Topics[i].Partitions {
			if r.Topics[i].Partitions[j].Partition, err = d.Int32(); err != nil {
				return err
			}
			if r.Topics[i].Partitions[j].Offset, err = d.Int64(); err != nil {
				return err
			}
			if version >= 2 {
				if r.Topics[i].Partitions[j].LeaderEpoch, err = d.Int32(); err != nil {
					return err
				}
			}
			if r.Topics[i].Partitions[j].Metadata, err = d.NullableString(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *TxnOffsetCommitRequest) Key() int16 {
	return TxnOffsetCommitKey
}

func (r *TxnOffsetCommitRequest) Version() int16 {
	return r.APIVersion
}

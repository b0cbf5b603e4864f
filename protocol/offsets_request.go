package protocol

type OffsetsPartition struct {
	Partition int32
	// CurrentLeaderEpoch is added in v4+. -1 skips the epoch fence.
	CurrentLeaderEpoch int32
	// Timestamp of -1 queries the latest offset, -2 the earliest.
	Timestamp int64
}

type OffsetsTopic struct {
	Topic      string
	Partitions []*OffsetsPartition
}

type OffsetsRequest struct {
	APIVersion int16

	ReplicaID int32
	// IsolationLevel is added in v2+.
	IsolationLevel int8
	Topics         []*OffsetsTopic
}

func (r *OffsetsRequest) Encode(e PacketEncoder) (err error) {
	e.PutInt32(r.ReplicaID)
	if r.APIVersion >= 2 {
		e.PutInt8(r.IsolationLevel)
	}
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
			if r.APIVersion >= 4 {
				e.PutInt32(p.CurrentLeaderEpoch)
			}
			e.PutInt64(p.Timestamp)
		}
	}
	return nil
}

func (r *OffsetsRequest) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	if r.ReplicaID, err = d.Int32(); err != nil {
		return err
	}
	if version >= 2 {
		if r.IsolationLevel, err = d.Int8(); err != nil {
			return err
		}
	}
	var topicCount int
	if topicCount, err = d.ArrayLength(); err != nil {
		return err
	}
	r.Topics = make([]*OffsetsTopic, topicCount)
	for i := range r.Topics {
		t := new(OffsetsTopic)
		if t.Topic, err = d.String(); err != nil {
			return err
		}
		var partitionCount int
		if partitionCount, err = d.ArrayLength(); err != nil {
			return err
		}
		t.Partitions = make([]*OffsetsPartition, partitionCount)
		for j := range t.Partitions {
			p := new(OffsetsPartition)
			if p.Partition, err = d.Int32(); err != nil {
				return err
			}
			if version >= 4 {
				if p.CurrentLeaderEpoch, err = d.Int32(); err != nil {
					return err
				}
			}
			if p.Timestamp, err = d.Int64(); err != nil {
				return err
			}
			t.Partitions[j] = p
		}
		r.Topics[i] = t
	}
	return nil
}

func (r *OffsetsRequest) Key() int16 {
	return OffsetsKey
}

func (r *OffsetsRequest) Version() int16 {
	return r.APIVersion
}

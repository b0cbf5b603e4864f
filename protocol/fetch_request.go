package protocol

import "time"

type FetchPartition struct {
	Partition   int32
	FetchOffset int64
	// LogStartOffset is added in v5+. Only used by follower fetches.
	LogStartOffset int64
	MaxBytes       int32
}

type FetchTopic struct {
	Topic      string
	Partitions []*FetchPartition
}

type FetchRequest struct {
	APIVersion int16

	ReplicaID   int32
	MaxWaitTime time.Duration
	MinBytes    int32
	// MaxBytes is added in v3+. Caps the total response size.
	MaxBytes int32
	// IsolationLevel is added in v4+.
	IsolationLevel int8
	Topics         []*FetchTopic
}

func (r *FetchRequest) Encode(e PacketEncoder) (err error) {
	e.PutInt32(r.ReplicaID)
	e.PutInt32(int32(r.MaxWaitTime / time.Millisecond))
	e.PutInt32(r.MinBytes)
	if r.APIVersion >= 3 {
		e.PutInt32(r.MaxBytes)
	}
	if r.APIVersion >= 4 {
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
			e.PutInt64(p.FetchOffset)
			if r.APIVersion >= 5 {
				e.PutInt64(p.LogStartOffset)
			}
			e.PutInt32(p.MaxBytes)
		}
	}
	return nil
}

func (r *FetchRequest) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	if r.ReplicaID, err = d.Int32(); err != nil {
		return err
	}
	var waitTime int32
	if waitTime, err = d.Int32(); err != nil {
		return err
	}
	r.MaxWaitTime = time.Duration(waitTime) * time.Millisecond
	if r.MinBytes, err = d.Int32(); err != nil {
		return err
	}
	if version >= 3 {
		if r.MaxBytes, err = d.Int32(); err != nil {
			return err
		}
	}
	if version >= 4 {
		if r.IsolationLevel, err = d.Int8(); err != nil {
			return err
		}
	}
	var topicCount int
	if topicCount, err = d.ArrayLength(); err != nil {
		return err
	}
	r.Topics = make([]*FetchTopic, topicCount)
	for i := range r.Topics {
		t := new(FetchTopic)
		if t.Topic, err = d.String(); err != nil {
			return err
		}
		var partitionCount int
		if partitionCount, err = d.ArrayLength(); err != nil {
			return err
		}
		t.Partitions = make([]*FetchPartition, partitionCount)
		for j := range t.Partitions {
			p := new(FetchPartition)
			if p.Partition, err = d.Int32(); err != nil {
				return err
			}
			if p.FetchOffset, err = d.Int64(); err != nil {
				return err
			}
			if version >= 5 {
				if p.LogStartOffset, err = d.Int64(); err != nil {
					return err
				}
			}
			if p.MaxBytes, err = d.Int32(); err != nil {
				return err
			}
			t.Partitions[j] = p
		}
		r.Topics[i] = t
	}
	return nil
}

func (r *FetchRequest) Key() int16 {
	return FetchKey
}

func (r *FetchRequest) Version() int16 {
	return r.APIVersion
}

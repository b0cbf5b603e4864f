package protocol

import "time"

type Broker struct {
	NodeID int32
	Host   string
	Port   int32
	// Rack is added in v1+.
	Rack *string
}

type PartitionMetadata struct {
	PartitionErrorCode int16
	PartitionID        int32
	Leader             int32
	Replicas           []int32
	ISR                []int32
}

type TopicMetadata struct {
	TopicErrorCode int16
	Topic          string
	// IsInternal is added in v1+.
	IsInternal        bool
	PartitionMetadata []*PartitionMetadata
}

type MetadataResponse struct {
	APIVersion int16

	// ThrottleTime is added in v3+.
	ThrottleTime time.Duration
	Brokers      []*Broker
	// ClusterID is added in v2+.
	ClusterID *string
	// ControllerID is added in v1+.
	ControllerID  int32
	TopicMetadata []*TopicMetadata
}

func (r *MetadataResponse) Encode(e PacketEncoder) (err error) {
	if r.APIVersion >= 3 {
		e.PutInt32(int32(r.ThrottleTime / time.Millisecond))
	}
	if err = e.PutArrayLength(len(r.Brokers)); err != nil {
		return err
	}
	for _, b := range r.Brokers {
		e.PutInt32(b.NodeID)
		if err = e.PutString(b.Host); err != nil {
			return err
		}
		e.PutInt32(b.Port)
		if r.APIVersion >= 1 {
			if err = e.PutNullableString(b.Rack); err != nil {
				return err
			}
		}
	}
	if r.APIVersion >= 2 {
		if err = e.PutNullableString(r.ClusterID); err != nil {
			return err
		}
	}
	if r.APIVersion >= 1 {
		e.PutInt32(r.ControllerID)
	}
	if err = e.PutArrayLength(len(r.TopicMetadata)); err != nil {
		return err
	}
	for _, t := range r.TopicMetadata {
		e.PutInt16(t.TopicErrorCode)
		if err = e.PutString(t.Topic); err != nil {
			return err
		}
		if r.APIVersion >= 1 {
			e.PutBool(t.IsInternal)
		}
		if err = e.PutArrayLength(len(t.PartitionMetadata)); err != nil {
			return err
		}
		for _, p := range t.PartitionMetadata {
			e.PutInt16(p.PartitionErrorCode)
			e.PutInt32(p.PartitionID)
			e.PutInt32(p.Leader)
			if err = e.PutInt32Array(p.Replicas); err != nil {
				return err
			}
			if err = e.PutInt32Array(p.ISR); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *MetadataResponse) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	if version >= 3 {
		var ms int32
		if ms, err = d.Int32(); err != nil {
			return err
		}
		r.ThrottleTime = time.Duration(ms) * time.Millisecond
	}
	var brokerCount int
	if brokerCount, err = d.ArrayLength(); err != nil {
		return err
	}
	r.Brokers = make([]*Broker, brokerCount)
	for i := range r.Brokers {
		b := new(Broker)
		if b.NodeID, err = d.Int32(); err != nil {
			return err
		}
		if b.Host, err = d.String(); err != nil {
			return err
		}
		if b.Port, err = d.Int32(); err != nil {
			return err
		}
		if version >= 1 {
			if b.Rack, err = d.NullableString(); err != nil {
				return err
			}
		}
		r.Brokers[i] = b
	}
	if version >= 2 {
		if r.ClusterID, err = d.NullableString(); err != nil {
			return err
		}
	}
	if version >= 1 {
		if r.ControllerID, err = d.Int32(); err != nil {
			return err
		}
	}
	var topicCount int
	if topicCount, err = d.ArrayLength(); err != nil {
		return err
	}
	r.TopicMetadata = make([]*TopicMetadata, topicCount)
	for i := range r.TopicMetadata {
		t := new(TopicMetadata)
		if t.TopicErrorCode, err = d.Int16(); err != nil {
			return err
		}
		if t.Topic, err = d.String(); err != nil {
			return err
		}
		if version >= 1 {
			if t.IsInternal, err = d.Bool(); err != nil {
				return err
			}
		}
		var partitionCount int
		if partitionCount, err = d.ArrayLength(); err != nil {
			return err
		}
		t.PartitionMetadata = make([]*PartitionMetadata, partitionCount)
		for j := range t.PartitionMetadata {
			p := new(PartitionMetadata)
			if p.PartitionErrorCode, err = d.Int16(); err != nil {
				return err
			}
			if p.PartitionID, err = d.Int32(); err != nil {
				return err
			}
			if p.Leader, err = d.Int32(); err != nil {
				return err
			}
			if p.Replicas, err = d.Int32Array(); err != nil {
				return err
			}
			if p.ISR, err = d.Int32Array(); err != nil {
				return err
			}
			t.PartitionMetadata[j] = p
		}
		r.TopicMetadata[i] = t
	}
	return nil
}

func (r *MetadataResponse) Key() int16 {
	return MetadataKey
}

func (r *MetadataResponse) Version() int16 {
	return r.APIVersion
}

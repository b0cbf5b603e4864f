package protocol

import "time"

type PartitionResponse struct {
	Partition int32
	ErrorCode int16
	Timestamp int64
	Offset    int64
	// LeaderEpoch is added in v4+.
	LeaderEpoch int32
}

type OffsetResponse struct {
	Topic              string
	PartitionResponses []*PartitionResponse
}

type OffsetsResponse struct {
	APIVersion int16

	// ThrottleTime is added in v2+.
	ThrottleTime time.Duration
	Responses    []*OffsetResponse
}

func (r *OffsetsResponse) Encode(e PacketEncoder) (err error) {
	if r.APIVersion >= 2 {
		e.PutInt32(int32(r.ThrottleTime / time.Millisecond))
	}
	if err = e.PutArrayLength(len(r.Responses)); err != nil {
		return err
	}
	for _, resp := range r.Responses {
		if err = e.PutString(resp.Topic); err != nil {
			return err
		}
		if err = e.PutArrayLength(len(resp.PartitionResponses)); err != nil {
			return err
		}
		for _, p := range resp.PartitionResponses {
			e.PutInt32(p.Partition)
			e.PutInt16(p.ErrorCode)
			e.PutInt64(p.Timestamp)
			e.PutInt64(p.Offset)
			if r.APIVersion >= 4 {
				e.PutInt32(p.LeaderEpoch)
			}
		}
	}
	return nil
}

func (r *OffsetsResponse) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	if version >= 2 {
		var ms int32
		if ms, err = d.Int32(); err != nil {
			return err
		}
		r.ThrottleTime = time.Duration(ms) * time.Millisecond
	}
	var respCount int
	if respCount, err = d.ArrayLength(); err != nil {
		return err
	}
	r.Responses = make([]*OffsetResponse, respCount)
	for i := range r.Responses {
		resp := new(OffsetResponse)
		if resp.Topic, err = d.String(); err != nil {
			return err
		}
		var partitionCount int
		if partitionCount, err = d.ArrayLength(); err != nil {
			return err
		}
		resp.PartitionResponses = make([]*PartitionResponse, partitionCount)
		for j := range resp.PartitionResponses {
			p := new(PartitionResponse)
			if p.Partition, err = d.Int32(); err != nil {
				return err
			}
			if p.ErrorCode, err = d.Int16(); err != nil {
				return err
			}
			if p.Timestamp, err = d.Int64(); err != nil {
				return err
			}
			if p.Offset, err = d.Int64(); err != nil {
				return err
			}
			if version >= 4 {
				if p.LeaderEpoch, err = d.Int32(); err != nil {
					return err
				}
			}
			resp.PartitionResponses[j] = p
		}
		r.Responses[i] = resp
	}
	return nil
}

func (r *OffsetsResponse) Key() int16 {
	return OffsetsKey
}

func (r *OffsetsResponse) Version() int16 {
	return r.APIVersion
}

package protocol

import "time"

type OffsetCommitPartitionResponse struct {
	Partition int32
	ErrorCode int16
}

type OffsetCommitTopicResponse struct {
	Topic              string
	PartitionResponses []OffsetCommitPartitionResponse
}

type OffsetCommitResponse struct {
	APIVersion int16

	// ThrottleTime is added in v3+.
	ThrottleTime time.Duration
	Responses    []OffsetCommitTopicResponse
}

func (r *OffsetCommitResponse) Encode(e PacketEncoder) (err error) {
	if r.APIVersion >= 3 {
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
		}
	}
	return nil
}

func (r *OffsetCommitResponse) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	if version >= 3 {
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
	r.Responses = make([]OffsetCommitTopicResponse, respCount)
	for i := range r.Responses {
		if r.Responses[i].Topic, err = d.String(); err != nil {
			return err
		}
		var partitionCount int
		if partitionCount, err = d.ArrayLength(); err != nil {
			return err
		}
		r.Responses[i].PartitionResponses = make([]OffsetCommitPartitionResponse, partitionCount)
		for j := range r.Responses[i].PartitionResponses {
			if r.Responses[i].PartitionResponses[j].Partition, err = d.Int32(); err != nil {
				return err
			}
			if r.Responses[i].PartitionResponses[j].ErrorCode, err = d.Int16(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *OffsetCommitResponse) Key() int16 {
	return OffsetCommitKey
}

func (r *OffsetCommitResponse) Version() int16 {
	return r.APIVersion
}

package protocol

import "time"

type ProducePartitionResponse struct {
	Partition  int32
	ErrorCode  int16
	BaseOffset int64
	// LogAppendTime is added in v2+. The zero value encodes as -1,
	// meaning the batches kept their client-supplied create times.
	LogAppendTime time.Time
	// LogStartOffset is added in v5+.
	LogStartOffset int64
}

type ProduceTopicResponse struct {
	Topic              string
	PartitionResponses []*ProducePartitionResponse
}

type ProduceResponse struct {
	APIVersion int16

	Responses []*ProduceTopicResponse
	// ThrottleTime is added in v1+.
	ThrottleTime time.Duration
}

func (r *ProduceResponse) Encode(e PacketEncoder) (err error) {
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
			e.PutInt64(p.BaseOffset)
			if r.APIVersion >= 2 {
				if p.LogAppendTime.IsZero() {
					e.PutInt64(-1)
				} else {
					e.PutInt64(p.LogAppendTime.UnixNano() / int64(time.Millisecond))
				}
			}
			if r.APIVersion >= 5 {
				e.PutInt64(p.LogStartOffset)
			}
		}
	}
	if r.APIVersion >= 1 {
		e.PutInt32(int32(r.ThrottleTime / time.Millisecond))
	}
	return nil
}

func (r *ProduceResponse) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	var respCount int
	if respCount, err = d.ArrayLength(); err != nil {
		return err
	}
	r.Responses = make([]*ProduceTopicResponse, respCount)
	for i := range r.Responses {
		resp := new(ProduceTopicResponse)
		if resp.Topic, err = d.String(); err != nil {
			return err
		}
		var partCount int
		if partCount, err = d.ArrayLength(); err != nil {
			return err
		}
		resp.PartitionResponses = make([]*ProducePartitionResponse, partCount)
		for j := range resp.PartitionResponses {
			p := new(ProducePartitionResponse)
			if p.Partition, err = d.Int32(); err != nil {
				return err
			}
			if p.ErrorCode, err = d.Int16(); err != nil {
				return err
			}
			if p.BaseOffset, err = d.Int64(); err != nil {
				return err
			}
			if version >= 2 {
				var ms int64
				if ms, err = d.Int64(); err != nil {
					return err
				}
				if ms != -1 {
					p.LogAppendTime = time.Unix(ms/1000, (ms%1000)*int64(time.Millisecond)).UTC()
				}
			}
			if version >= 5 {
				if p.LogStartOffset, err = d.Int64(); err != nil {
					return err
				}
			}
			resp.PartitionResponses[j] = p
		}
		r.Responses[i] = resp
	}
	if version >= 1 {
		var ms int32
		if ms, err = d.Int32(); err != nil {
			return err
		}
		r.ThrottleTime = time.Duration(ms) * time.Millisecond
	}
	return nil
}

func (r *ProduceResponse) Key() int16 {
	return ProduceKey
}

func (r *ProduceResponse) Version() int16 {
	return r.APIVersion
}

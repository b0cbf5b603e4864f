package protocol

import "time"

// AbortedTransaction marks a producer whose aborted records fall inside
// the fetched range so read_committed consumers can filter them.
type AbortedTransaction struct {
	ProducerID  int64
	FirstOffset int64
}

type FetchPartitionResponse struct {
	Partition     int32
	ErrorCode     int16
	HighWatermark int64
	// LastStableOffset is added in v4+.
	LastStableOffset int64
	// LogStartOffset is added in v5+.
	LogStartOffset int64
	// AbortedTransactions is added in v4+.
	AbortedTransactions []*AbortedTransaction
	RecordSet           []byte
}

type FetchTopicResponse struct {
	Topic              string
	PartitionResponses []*FetchPartitionResponse
}

type FetchTopicResponses []*FetchTopicResponse

type FetchResponse struct {
	APIVersion int16

	// ThrottleTime is added in v1+.
	ThrottleTime time.Duration
	Responses    FetchTopicResponses
}

func (r *FetchResponse) Encode(e PacketEncoder) (err error) {
	if r.APIVersion >= 1 {
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
			e.PutInt64(p.HighWatermark)
			if r.APIVersion >= 4 {
				e.PutInt64(p.LastStableOffset)
				if r.APIVersion >= 5 {
					e.PutInt64(p.LogStartOffset)
				}
				if p.AbortedTransactions == nil {
					if err = e.PutArrayLength(-1); err != nil {
						return err
					}
				} else {
					if err = e.PutArrayLength(len(p.AbortedTransactions)); err != nil {
						return err
					}
					for _, t := range p.AbortedTransactions {
						e.PutInt64(t.ProducerID)
						e.PutInt64(t.FirstOffset)
					}
				}
			}
			if err = e.PutNullableBytes(p.RecordSet); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *FetchResponse) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	if version >= 1 {
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
	r.Responses = make(FetchTopicResponses, respCount)
	for i := range r.Responses {
		resp := new(FetchTopicResponse)
		if resp.Topic, err = d.String(); err != nil {
			return err
		}
		var partitionCount int
		if partitionCount, err = d.ArrayLength(); err != nil {
			return err
		}
		resp.PartitionResponses = make([]*FetchPartitionResponse, partitionCount)
		for j := range resp.PartitionResponses {
			p := new(FetchPartitionResponse)
			if p.Partition, err = d.Int32(); err != nil {
				return err
			}
			if p.ErrorCode, err = d.Int16(); err != nil {
				return err
			}
			if p.HighWatermark, err = d.Int64(); err != nil {
				return err
			}
			if version >= 4 {
				if p.LastStableOffset, err = d.Int64(); err != nil {
					return err
				}
				if version >= 5 {
					if p.LogStartOffset, err = d.Int64(); err != nil {
						return err
					}
				}
				var txnCount int
				if txnCount, err = d.ArrayLength(); err != nil {
					return err
				}
				if txnCount != -1 {
					p.AbortedTransactions = make([]*AbortedTransaction, txnCount)
					for k := range p.AbortedTransactions {
						t := new(AbortedTransaction)
						if t.ProducerID, err = d.Int64(); err != nil {
							return err
						}
						if t.FirstOffset, err = d.Int64(); err != nil {
							return err
						}
						p.AbortedTransactions[k] = t
					}
				}
			}
			if p.RecordSet, err = d.NullableBytes(); err != nil {
				return err
			}
			resp.PartitionResponses[j] = p
		}
		r.Responses[i] = resp
	}
	return nil
}

func (r *FetchResponse) Key() int16 {
	return FetchKey
}

func (r *FetchResponse) Version() int16 {
	return r.APIVersion
}

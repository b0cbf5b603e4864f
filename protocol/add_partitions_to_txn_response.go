package protocol

import "time"

type AddPartitionsToTxnPartitionResult struct {
	Partition int32
	ErrorCode int16
}

type AddPartitionsToTxnTopicResult struct {
	Topic            string
	PartitionResults []AddPartitionsToTxnPartitionResult
}

type AddPartitionsToTxnResponse struct {
	APIVersion int16

	ThrottleTime time.Duration
	Results      []AddPartitionsToTxnTopicResult
}

func (r *AddPartitionsToTxnResponse) Encode(e PacketEncoder) (err error) {
	e.PutInt32(int32(r.ThrottleTime / time.Millisecond))
	if err = e.PutArrayLength(len(r.Results)); err != nil {
		return err
	}
	for _, t := range r.Results {
		if err = e.PutString(t.Topic); err != nil {
			return err
		}
		if err = e.PutArrayLength(len(t.PartitionResults)); err != nil {
			return err
		}
		for _, p := range t.PartitionResults {
			e.PutInt32(p.Partition)
			e.PutInt16(p.ErrorCode)
		}
	}
	return nil
}

func (r *AddPartitionsToTxnResponse) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	var ms int32
	if ms, err = d.Int32(); err != nil {
		return err
	}
	r.ThrottleTime = time.Duration(ms) * time.Millisecond
	var topicCount int
	if topicCount, err = d.ArrayLength(); err != nil {
		return err
	}
	r.Results = make([]AddPartitionsToTxnTopicResult, topicCount)
	for i := range r.Results {
		if r.Results[i].Topic, err = d.String(); err != nil {
			return err
		}
		var partitionCount int
		if partitionCount, err = d.ArrayLength(); err != nil {
			return err
		}
		r.Results[i].PartitionResults = make([]AddPartitionsToTxnPartitionResult, partitionCount)
		for j := range r.Results[i].PartitionResults {
			if r.Results[i].PartitionResults[j].Partition, err = d.Int32(); err != nil {
				return err
			}
			if r.Results[i].PartitionResults[j].ErrorCode, err = d.Int16(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *AddPartitionsToTxnResponse) Key() int16 {
	return AddPartitionsToTxnKey
}

func (r *AddPartitionsToTxnResponse) Version() int16 {
	return r.APIVersion
}

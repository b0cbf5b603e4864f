package protocol

import "time"

type TxnOffsetCommitPartitionResult struct {
	Partition int32
	ErrorCode int16
}

type TxnOffsetCommitTopicResult struct {
	Topic      string
	Partitions []TxnOffsetCommitPartitionResult
}

type TxnOffsetCommitResponse struct {
	APIVersion int16

	ThrottleTime time.Duration
	Topics       []TxnOffsetCommitTopicResult
}

func (r *TxnOffsetCommitResponse) Encode(e PacketEncoder) (err error) {
	e.PutInt32(int32(r.ThrottleTime / time.Millisecond))
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
			e.PutInt16(p.ErrorCode)
		}
	}
	return nil
}

func (r *TxnOffsetCommitResponse) Decode(d PacketDecoder, version int16) (err error) {
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
	r.Topics = make([]TxnOffsetCommitTopicResult, topicCount)
	for i := range r.Topics {
		if r.Topics[i].Topic, err = d.String(); err != nil {
			return err
		}
		var partitionCount int
		if partitionCount, err = d.ArrayLength(); err != nil {
			return err
		}
		r.Topics[i].Partitions = make([]TxnOffsetCommitPartitionResult, partitionCount)
		for j := range r.Topics[i].Partitions {
			if r.Topics[i].Partitions[j].Partition, err = d.Int32(); err != nil {
				return err
			}
			if r.Topics[i].Partitions[j].ErrorCode, err = d.Int16(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *TxnOffsetCommitResponse) Key() int16 {
	return TxnOffsetCommitKey
}

func (r *TxnOffsetCommitResponse) Version() int16 {
	return r.APIVersion
}

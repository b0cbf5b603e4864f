package protocol

type AddPartitionsToTxnTopic struct {
	Topic      string
	Partitions []int32
}

type AddPartitionsToTxnRequest struct {
	APIVersion int16

	TransactionalID string
	ProducerID      int64
	ProducerEpoch   int16
	Topics          []AddPartitionsToTxnTopic
}

func (r *AddPartitionsToTxnRequest) Encode(e PacketEncoder) (err error) {
	if err = e.PutString(r.TransactionalID); err != nil {
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
		if err = e.PutInt32Array(t.Partitions); err != nil {
			return err
		}
	}
	return nil
}

func (r *AddPartitionsToTxnRequest) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	if r.TransactionalID, err = d.String(); err != nil {
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
	r.Topics = make([]AddPartitionsToTxnTopic, topicCount)
	for i := range r.Topics {
		if r.Topics[i].Topic, err = d.String(); err != nil {
			return err
		}
		if r.Topics[i].Partitions, err = d.Int32Array(); err != nil {
			return err
		}
	}
	return nil
}

func (r *AddPartitionsToTxnRequest) Key() int16 {
	return AddPartitionsToTxnKey
}

func (r *AddPartitionsToTxnRequest) Version() int16 {
	return r.APIVersion
}

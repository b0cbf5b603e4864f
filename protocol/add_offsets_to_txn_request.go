package protocol

type AddOffsetsToTxnRequest struct {
	APIVersion int16

	TransactionalID string
	ProducerID      int64
	ProducerEpoch   int16
	GroupID         string
}

func (r *AddOffsetsToTxnRequest) Encode(e PacketEncoder) (err error) {
	if err = e.PutString(r.TransactionalID); err != nil {
		return err
	}
	e.PutInt64(r.ProducerID)
	e.PutInt16(r.ProducerEpoch)
	if err = e.PutString(r.GroupID); err != nil {
		return err
	}
	return nil
}

func (r *AddOffsetsToTxnRequest) Decode(d PacketDecoder, version int16) (err error) {
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
	if r.GroupID, err = d.String(); err != nil {
		return err
	}
	return nil
}

func (r *AddOffsetsToTxnRequest) Key() int16 {
	return AddOffsetsToTxnKey
}

func (r *AddOffsetsToTxnRequest) Version() int16 {
	return r.APIVersion
}

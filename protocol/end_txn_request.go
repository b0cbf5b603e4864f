package protocol

type EndTxnRequest struct {
	APIVersion int16

	TransactionalID string
	ProducerID      int64
	ProducerEpoch   int16
	// Committed is true to commit the transaction, false to abort.
	Committed bool
}

func (r *EndTxnRequest) Encode(e PacketEncoder) (err error) {
	if err = e.PutString(r.TransactionalID); err != nil {
		return err
	}
	e.PutInt64(r.ProducerID)
	e.PutInt16(r.ProducerEpoch)
	e.PutBool(r.Committed)
	return nil
}

func (r *EndTxnRequest) Decode(d PacketDecoder, version int16) (err error) {
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
	if r.Committed, err = d.Bool(); err != nil {
		return err
	}
	return nil
}

func (r *EndTxnRequest) Key() int16 {
	return EndTxnKey
}

func (r *EndTxnRequest) Version() int16 {
	return r.APIVersion
}

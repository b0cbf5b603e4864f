package protocol

import "time"

type InitProducerIDRequest struct {
	APIVersion int16

	// TransactionalID of nil requests an idempotent-only producer id.
	TransactionalID    *string
	TransactionTimeout time.Duration
	// ProducerID is added in v3+. Set with ProducerEpoch when a fenced
	// producer wants its epoch bumped instead of a fresh id.
	ProducerID int64
	// ProducerEpoch is added in v3+.
	ProducerEpoch int16
}

func (r *InitProducerIDRequest) Encode(e PacketEncoder) (err error) {
	if r.APIVersion >= 2 {
		if err = e.PutCompactNullableString(r.TransactionalID); err != nil {
			return err
		}
	} else {
		if err = e.PutNullableString(r.TransactionalID); err != nil {
			return err
		}
	}
	e.PutInt32(int32(r.TransactionTimeout / time.Millisecond))
	if r.APIVersion >= 3 {
		e.PutInt64(r.ProducerID)
		e.PutInt16(r.ProducerEpoch)
	}
	if r.APIVersion >= 2 {
		e.PutEmptyTaggedFieldArray()
	}
	return nil
}

func (r *InitProducerIDRequest) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	if version >= 2 {
		if r.TransactionalID, err = d.CompactNullableString(); err != nil {
			return err
		}
	} else {
		if r.TransactionalID, err = d.NullableString(); err != nil {
			return err
		}
	}
	var timeout int32
	if timeout, err = d.Int32(); err != nil {
		return err
	}
	r.TransactionTimeout = time.Duration(timeout) * time.Millisecond
	if version >= 3 {
		if r.ProducerID, err = d.Int64(); err != nil {
			return err
		}
		if r.ProducerEpoch, err = d.Int16(); err != nil {
			return err
		}
	}
	if version >= 2 {
		if err = d.TaggedFields(); err != nil {
			return err
		}
	}
	return nil
}

func (r *InitProducerIDRequest) Key() int16 {
	return InitProducerIDKey
}

func (r *InitProducerIDRequest) Version() int16 {
	return r.APIVersion
}

package protocol

const (
	CoordinatorGroup int8 = 0
	CoordinatorTxn   int8 = 1
)

type FindCoordinatorRequest struct {
	APIVersion int16

	// CoordinatorKey is the group id or, for CoordinatorTxn lookups,
	// the transactional id.
	CoordinatorKey string
	// CoordinatorType is added in v1+.
	CoordinatorType int8
}

func (r *FindCoordinatorRequest) Encode(e PacketEncoder) (err error) {
	if err = e.PutString(r.CoordinatorKey); err != nil {
		return err
	}
	if r.APIVersion >= 1 {
		e.PutInt8(r.CoordinatorType)
	}
	return nil
}

func (r *FindCoordinatorRequest) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	if r.CoordinatorKey, err = d.String(); err != nil {
		return err
	}
	if version >= 1 {
		if r.CoordinatorType, err = d.Int8(); err != nil {
			return err
		}
	}
	return nil
}

func (r *FindCoordinatorRequest) Key() int16 {
	return FindCoordinatorKey
}

func (r *FindCoordinatorRequest) Version() int16 {
	return r.APIVersion
}

package protocol

import "time"

type APIVersionsResponse struct {
	APIVersion int16

	ErrorCode   int16
	APIVersions []APIVersion
	// ThrottleTime is added in v1+.
	ThrottleTime time.Duration
}

func (r *APIVersionsResponse) Encode(e PacketEncoder) (err error) {
	e.PutInt16(r.ErrorCode)
	if r.APIVersion >= 3 {
		e.PutCompactArrayLength(len(r.APIVersions))
	} else {
		if err = e.PutArrayLength(len(r.APIVersions)); err != nil {
			return err
		}
	}
	for _, v := range r.APIVersions {
		e.PutInt16(v.APIKey)
		e.PutInt16(v.MinVersion)
		e.PutInt16(v.MaxVersion)
		if r.APIVersion >= 3 {
			e.PutEmptyTaggedFieldArray()
		}
	}
	if r.APIVersion >= 1 {
		e.PutInt32(int32(r.ThrottleTime / time.Millisecond))
	}
	if r.APIVersion >= 3 {
		e.PutEmptyTaggedFieldArray()
	}
	return nil
}

func (r *APIVersionsResponse) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	if r.ErrorCode, err = d.Int16(); err != nil {
		return err
	}
	var n int
	if version >= 3 {
		n, err = d.CompactArrayLength()
	} else {
		n, err = d.ArrayLength()
	}
	if err != nil {
		return err
	}
	if n == -1 {
		n = 0
	}
	r.APIVersions = make([]APIVersion, n)
	for i := range r.APIVersions {
		if r.APIVersions[i].APIKey, err = d.Int16(); err != nil {
			return err
		}
		if r.APIVersions[i].MinVersion, err = d.Int16(); err != nil {
			return err
		}
		if r.APIVersions[i].MaxVersion, err = d.Int16(); err != nil {
			return err
		}
		if version >= 3 {
			if err = d.TaggedFields(); err != nil {
				return err
			}
		}
	}
	if version >= 1 {
		var ms int32
		if ms, err = d.Int32(); err != nil {
			return err
		}
		r.ThrottleTime = time.Duration(ms) * time.Millisecond
	}
	if version >= 3 {
		if err = d.TaggedFields(); err != nil {
			return err
		}
	}
	return nil
}

func (r *APIVersionsResponse) Key() int16 {
	return APIVersionsKey
}

func (r *APIVersionsResponse) Version() int16 {
	return r.APIVersion
}

package protocol

type APIVersionsRequest struct {
	APIVersion int16

	// ClientSoftwareName is added in v3+.
	ClientSoftwareName string
	// ClientSoftwareVersion is added in v3+.
	ClientSoftwareVersion string
}

func (r *APIVersionsRequest) Encode(e PacketEncoder) (err error) {
	if r.APIVersion >= 3 {
		if err = e.PutCompactString(r.ClientSoftwareName); err != nil {
			return err
		}
		if err = e.PutCompactString(r.ClientSoftwareVersion); err != nil {
			return err
		}
		e.PutEmptyTaggedFieldArray()
	}
	return nil
}

func (r *APIVersionsRequest) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	if version >= 3 {
		if r.ClientSoftwareName, err = d.CompactString(); err != nil {
			return err
		}
		if r.ClientSoftwareVersion, err = d.CompactString(); err != nil {
			return err
		}
		if err = d.TaggedFields(); err != nil {
			return err
		}
	}
	return nil
}

func (r *APIVersionsRequest) Key() int16 {
	return APIVersionsKey
}

func (r *APIVersionsRequest) Version() int16 {
	return r.APIVersion
}

package protocol

type DescribeGroupsRequest struct {
	APIVersion int16

	GroupIDs []string
}

func (r *DescribeGroupsRequest) Encode(e PacketEncoder) (err error) {
	if err = e.PutStringArray(r.GroupIDs); err != nil {
		return err
	}
	return nil
}

func (r *DescribeGroupsRequest) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	if r.GroupIDs, err = d.StringArray(); err != nil {
		return err
	}
	return nil
}

func (r *DescribeGroupsRequest) Key() int16 {
	return DescribeGroupsKey
}

func (r *DescribeGroupsRequest) Version() int16 {
	return r.APIVersion
}

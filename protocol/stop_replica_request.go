package protocol

type StopReplicaPartition struct {
	Topic     string
	Partition int32
}

type StopReplicaRequest struct {
	APIVersion int16

	ControllerID     int32
	ControllerEpoch  int32
	DeletePartitions bool
	Partitions       []*StopReplicaPartition
}

func (r *StopReplicaRequest) Encode(e PacketEncoder) (err error) {
	e.PutInt32(r.ControllerID)
	e.PutInt32(r.ControllerEpoch)
	e.PutBool(r.DeletePartitions)
	if err = e.PutArrayLength(len(r.Partitions)); err != nil {
		return err
	}
	for _, p := range r.Partitions {
		if err = e.PutString(p.Topic); err != nil {
			return err
		}
		e.PutInt32(p.Partition)
	}
	return nil
}

func (r *StopReplicaRequest) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	if r.ControllerID, err = d.Int32(); err != nil {
		return err
	}
	if r.ControllerEpoch, err = d.Int32(); err != nil {
		return err
	}
	if r.DeletePartitions, err = d.Bool(); err != nil {
		return err
	}
	var partitionCount int
	if partitionCount, err = d.ArrayLength(); err != nil {
		return err
	}
	r.Partitions = make([]*StopReplicaPartition, partitionCount)
	for i := range r.Partitions {
		p := new(StopReplicaPartition)
		if p.Topic, err = d.String(); err != nil {
			return err
		}
		if p.Partition, err = d.Int32(); err != nil {
			return err
		}
		r.Partitions[i] = p
	}
	return nil
}

func (r *StopReplicaRequest) Key() int16 {
	return StopReplicaKey
}

func (r *StopReplicaRequest) Version() int16 {
	return r.APIVersion
}

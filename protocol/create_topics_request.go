package protocol

import (
	"sort"
	"time"
)

type CreateTopicRequest struct {
	Topic string
	// NumPartitions of -1 means the assignment below is authoritative.
	NumPartitions int32
	// ReplicationFactor of -1 means the assignment below is authoritative.
	ReplicationFactor int16
	// ReplicaAssignment maps partition id to assigned replicas.
	ReplicaAssignment map[int32][]int32
	Configs           map[string]*string
}

type CreateTopicRequests struct {
	APIVersion int16

	Requests []*CreateTopicRequest
	Timeout  time.Duration
	// ValidateOnly is added in v1+.
	ValidateOnly bool
}

func (r *CreateTopicRequests) Encode(e PacketEncoder) (err error) {
	if err = e.PutArrayLength(len(r.Requests)); err != nil {
		return err
	}
	for _, req := range r.Requests {
		if err = e.PutString(req.Topic); err != nil {
			return err
		}
		e.PutInt32(req.NumPartitions)
		e.PutInt16(req.ReplicationFactor)
		if err = e.PutArrayLength(len(req.ReplicaAssignment)); err != nil {
			return err
		}
		partitions := make([]int32, 0, len(req.ReplicaAssignment))
		for partition := range req.ReplicaAssignment {
			partitions = append(partitions, partition)
		}
		sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
		for _, partition := range partitions {
			e.PutInt32(partition)
			if err = e.PutInt32Array(req.ReplicaAssignment[partition]); err != nil {
				return err
			}
		}
		if err = e.PutArrayLength(len(req.Configs)); err != nil {
			return err
		}
		keys := make([]string, 0, len(req.Configs))
		for k := range req.Configs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err = e.PutString(k); err != nil {
				return err
			}
			if err = e.PutNullableString(req.Configs[k]); err != nil {
				return err
			}
		}
	}
	e.PutInt32(int32(r.Timeout / time.Millisecond))
	if r.APIVersion >= 1 {
		e.PutBool(r.ValidateOnly)
	}
	return nil
}

func (r *CreateTopicRequests) Decode(d PacketDecoder, version int16) (err error) {
	r.APIVersion = version
	var requestCount int
	if requestCount, err = d.ArrayLength(); err != nil {
		return err
	}
	r.Requests = make([]*CreateTopicRequest, requestCount)
	for i := range r.Requests {
		req := new(CreateTopicRequest)
		if req.Topic, err = d.String(); err != nil {
			return err
		}
		if req.NumPartitions, err = d.Int32(); err != nil {
			return err
		}
		if req.ReplicationFactor, err = d.Int16(); err != nil {
			return err
		}
		var assignmentCount int
		if assignmentCount, err = d.ArrayLength(); err != nil {
			return err
		}
		req.ReplicaAssignment = make(map[int32][]int32, assignmentCount)
		for j := 0; j < assignmentCount; j++ {
			var partition int32
			if partition, err = d.Int32(); err != nil {
				return err
			}
			if req.ReplicaAssignment[partition], err = d.Int32Array(); err != nil {
				return err
			}
		}
		var configCount int
		if configCount, err = d.ArrayLength(); err != nil {
			return err
		}
		req.Configs = make(map[string]*string, configCount)
		for j := 0; j < configCount; j++ {
			var k string
			if k, err = d.String(); err != nil {
				return err
			}
			if req.Configs[k], err = d.NullableString(); err != nil {
				return err
			}
		}
		r.Requests[i] = req
	}
	var timeout int32
	if timeout, err = d.Int32(); err != nil {
		return err
	}
	r.Timeout = time.Duration(timeout) * time.Millisecond
	if version >= 1 {
		if r.ValidateOnly, err = d.Bool(); err != nil {
			return err
		}
	}
	return nil
}

func (r *CreateTopicRequests) Key() int16 {
	return CreateTopicsKey
}

func (r *CreateTopicRequests) Version() int16 {
	return r.APIVersion
}

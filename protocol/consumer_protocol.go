package protocol

import "sort"

// The consumer embedded protocol: opaque-to-the-broker payloads carried in
// JoinGroup metadata and SyncGroup assignments. The broker only parses them
// when it has to compute assignments itself, i.e. when the group leader
// syncs without providing any.

// Subscription is the member metadata consumers attach to JoinGroup: the
// topics the member wants plus client userdata the broker passes through.
type Subscription struct {
	Version  int16
	Topics   []string
	UserData []byte
}

func (s *Subscription) Encode(e PacketEncoder) (err error) {
	e.PutInt16(s.Version)
	if err = e.PutStringArray(s.Topics); err != nil {
		return err
	}
	return e.PutNullableBytes(s.UserData)
}

// Decode tolerates trailing fields from subscription versions newer than it
// understands; clients gate content on the version they wrote.
func (s *Subscription) Decode(d PacketDecoder) (err error) {
	if s.Version, err = d.Int16(); err != nil {
		return err
	}
	if s.Topics, err = d.StringArray(); err != nil {
		return err
	}
	if s.UserData, err = d.NullableBytes(); err != nil {
		return err
	}
	return nil
}

// MemberAssignment is the payload handed back to each member from
// SyncGroup: partitions keyed by topic, plus leader userdata.
type MemberAssignment struct {
	Version    int16
	Partitions map[string][]int32
	UserData   []byte
}

func (a *MemberAssignment) Encode(e PacketEncoder) (err error) {
	e.PutInt16(a.Version)
	if err = e.PutArrayLength(len(a.Partitions)); err != nil {
		return err
	}
	topics := make([]string, 0, len(a.Partitions))
	for topic := range a.Partitions {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	for _, topic := range topics {
		if err = e.PutString(topic); err != nil {
			return err
		}
		if err = e.PutInt32Array(a.Partitions[topic]); err != nil {
			return err
		}
	}
	return e.PutNullableBytes(a.UserData)
}

func (a *MemberAssignment) Decode(d PacketDecoder) (err error) {
	if a.Version, err = d.Int16(); err != nil {
		return err
	}
	topicCount, err := d.ArrayLength()
	if err != nil {
		return err
	}
	a.Partitions = make(map[string][]int32, topicCount)
	for i := 0; i < topicCount; i++ {
		topic, err := d.String()
		if err != nil {
			return err
		}
		if a.Partitions[topic], err = d.Int32Array(); err != nil {
			return err
		}
	}
	if a.UserData, err = d.NullableBytes(); err != nil {
		return err
	}
	return nil
}

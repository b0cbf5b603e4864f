package protocol

import "sort"

// API keys.
const (
	ProduceKey            int16 = 0
	FetchKey              int16 = 1
	OffsetsKey            int16 = 2
	MetadataKey           int16 = 3
	LeaderAndISRKey       int16 = 4
	StopReplicaKey        int16 = 5
	OffsetCommitKey       int16 = 8
	OffsetFetchKey        int16 = 9
	FindCoordinatorKey    int16 = 10
	JoinGroupKey          int16 = 11
	HeartbeatKey          int16 = 12
	LeaveGroupKey         int16 = 13
	SyncGroupKey          int16 = 14
	DescribeGroupsKey     int16 = 15
	ListGroupsKey         int16 = 16
	SaslHandshakeKey      int16 = 17
	APIVersionsKey        int16 = 18
	CreateTopicsKey       int16 = 19
	DeleteTopicsKey       int16 = 20
	InitProducerIDKey     int16 = 22
	AddPartitionsToTxnKey int16 = 24
	AddOffsetsToTxnKey    int16 = 25
	EndTxnKey             int16 = 26
	TxnOffsetCommitKey    int16 = 28
)

// Body is a typed request or response payload.
type Body interface {
	Encoder
	VersionedDecoder
	Key() int16
	Version() int16
}

// ResponseBody is what handlers hang off a Response frame.
type ResponseBody = Body

// APIVersion advertises the supported version range for one api key.
type APIVersion struct {
	APIKey     int16
	MinVersion int16
	MaxVersion int16
}

type apiSupport struct {
	min      int16
	max      int16
	flexible int16 // first flexible version, -1 when none in range
	make     func() Body
}

var apiSupportTable = map[int16]apiSupport{
	ProduceKey:            {min: 3, max: 7, flexible: -1, make: func() Body { return new(ProduceRequest) }},
	FetchKey:              {min: 4, max: 6, flexible: -1, make: func() Body { return new(FetchRequest) }},
	OffsetsKey:            {min: 1, max: 4, flexible: -1, make: func() Body { return new(OffsetsRequest) }},
	MetadataKey:           {min: 0, max: 4, flexible: -1, make: func() Body { return new(MetadataRequest) }},
	LeaderAndISRKey:       {min: 0, max: 1, flexible: -1, make: func() Body { return new(LeaderAndISRRequest) }},
	StopReplicaKey:        {min: 0, max: 0, flexible: -1, make: func() Body { return new(StopReplicaRequest) }},
	OffsetCommitKey:       {min: 0, max: 4, flexible: -1, make: func() Body { return new(OffsetCommitRequest) }},
	OffsetFetchKey:        {min: 0, max: 4, flexible: -1, make: func() Body { return new(OffsetFetchRequest) }},
	FindCoordinatorKey:    {min: 0, max: 2, flexible: -1, make: func() Body { return new(FindCoordinatorRequest) }},
	JoinGroupKey:          {min: 0, max: 5, flexible: -1, make: func() Body { return new(JoinGroupRequest) }},
	HeartbeatKey:          {min: 0, max: 3, flexible: -1, make: func() Body { return new(HeartbeatRequest) }},
	LeaveGroupKey:         {min: 0, max: 2, flexible: -1, make: func() Body { return new(LeaveGroupRequest) }},
	SyncGroupKey:          {min: 0, max: 3, flexible: -1, make: func() Body { return new(SyncGroupRequest) }},
	DescribeGroupsKey:     {min: 0, max: 2, flexible: -1, make: func() Body { return new(DescribeGroupsRequest) }},
	ListGroupsKey:         {min: 0, max: 2, flexible: -1, make: func() Body { return new(ListGroupsRequest) }},
	SaslHandshakeKey:      {min: 0, max: 1, flexible: -1, make: func() Body { return new(SaslHandshakeRequest) }},
	APIVersionsKey:        {min: 0, max: 3, flexible: 3, make: func() Body { return new(APIVersionsRequest) }},
	CreateTopicsKey:       {min: 0, max: 3, flexible: -1, make: func() Body { return new(CreateTopicRequests) }},
	DeleteTopicsKey:       {min: 0, max: 3, flexible: -1, make: func() Body { return new(DeleteTopicsRequest) }},
	InitProducerIDKey:     {min: 0, max: 4, flexible: 2, make: func() Body { return new(InitProducerIDRequest) }},
	AddPartitionsToTxnKey: {min: 0, max: 1, flexible: -1, make: func() Body { return new(AddPartitionsToTxnRequest) }},
	AddOffsetsToTxnKey:    {min: 0, max: 1, flexible: -1, make: func() Body { return new(AddOffsetsToTxnRequest) }},
	EndTxnKey:             {min: 0, max: 1, flexible: -1, make: func() Body { return new(EndTxnRequest) }},
	TxnOffsetCommitKey:    {min: 0, max: 2, flexible: -1, make: func() Body { return new(TxnOffsetCommitRequest) }},
}

// APIVersions is the advertised support table, sorted by api key.
var APIVersions []APIVersion

func init() {
	for key, s := range apiSupportTable {
		APIVersions = append(APIVersions, APIVersion{APIKey: key, MinVersion: s.min, MaxVersion: s.max})
	}
	sort.Slice(APIVersions, func(i, j int) bool { return APIVersions[i].APIKey < APIVersions[j].APIKey })
}

// Supported reports whether (key, version) is decodable: ErrInvalidRequest
// for an unknown key, ErrUnsupportedVersion for a version outside the range.
func Supported(key, version int16) Error {
	s, ok := apiSupportTable[key]
	if !ok {
		return ErrInvalidRequest
	}
	if version < s.min || version > s.max {
		return ErrUnsupportedVersion
	}
	return ErrNone
}

// NewRequestBody returns an empty request of the right type for decoding.
func NewRequestBody(key int16) (Body, bool) {
	s, ok := apiSupportTable[key]
	if !ok {
		return nil, false
	}
	return s.make(), true
}

// flexible reports whether (key, version) uses compact encodings and tagged
// fields.
func flexible(key, version int16) bool {
	s, ok := apiSupportTable[key]
	if !ok || s.flexible < 0 {
		return false
	}
	return version >= s.flexible
}

// FlexibleRequestHeader reports whether the request header carries a
// tagged-field section for this (key, version).
func FlexibleRequestHeader(key, version int16) bool {
	return flexible(key, version)
}

// FlexibleResponseHeader reports whether the response header carries a
// tagged-field section. ApiVersions responses always use the v0 header so
// clients can decode the error before knowing the negotiated version.
func FlexibleResponseHeader(key, version int16) bool {
	if key == APIVersionsKey {
		return false
	}
	return flexible(key, version)
}

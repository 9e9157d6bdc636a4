package kafka

// Header keys set on every notification message
const (
	HeaderEventKind = "event_kind"
	HeaderEngine    = "engine"
	HeaderEncoding  = "content_encoding"
)

// EncodingProtobufStruct marks values encoded as google.protobuf.Struct
const EncodingProtobufStruct = "application/x-protobuf; type=google.protobuf.Struct"

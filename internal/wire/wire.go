package wire

import (
	"bytes"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Version is the envelope schema version written by Marshal.
const Version = 1

// Op identifies the operation carried by a Message.
type Op int32

const (
	// OpPeerRequestsImport is sent by one RM to ask a peer for a partition's data.
	OpPeerRequestsImport Op = 0
	// OpFrontEndReportsFailure reports that a replica answered a front end incorrectly.
	OpFrontEndReportsFailure Op = 3
	// OpFrontEndReportsSuccess reports that a replica answered a front end correctly.
	OpFrontEndReportsSuccess Op = 4
	// OpReplicaRequestsImport is sent by a local replica that needs remote partition data.
	OpReplicaRequestsImport Op = 7
	// OpReplicaRequestsExport asks a replica to hand over its partition data.
	OpReplicaRequestsExport Op = 8
)

// String returns the string representation of Op.
func (o Op) String() string {
	switch o {
	case OpPeerRequestsImport:
		return "PEER_REQUESTS_IMPORT"
	case OpFrontEndReportsFailure:
		return "FE_REPORTS_FAILURE"
	case OpFrontEndReportsSuccess:
		return "FE_REPORTS_SUCCESS"
	case OpReplicaRequestsImport:
		return "REPLICA_REQUESTS_IMPORT"
	case OpReplicaRequestsExport:
		return "REPLICA_REQUESTS_EXPORT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(o))
	}
}


// Body keys.
const (
	KeyCode    = "c"
	KeyRecords = "rr"
)

// Body carries the operation arguments. Values are limited to the types that
// decode back unchanged: nil, bool, float64, string, []any and map[string]any
// nested of the same. Marshal rejects anything else.
type Body map[string]any

// Code returns the partition code stored under KeyCode.
func (b Body) Code() (string, bool) {
	code, ok := b[KeyCode].(string)
	return code, ok && code != ""
}

// Records returns the record payload stored under KeyRecords.
func (b Body) Records() (any, bool) {
	rr, ok := b[KeyRecords]
	return rr, ok
}

// Message is the datagram envelope.
//
// FrontEndPort and Sequence are reserved: they are carried on the wire but
// no component interprets them.
type Message struct {
	Op           Op
	Body         Body
	FrontEndPort int32
	Sequence     int64
}

// ErrorReply is the literal reply sent for operations the manager does not
// understand. It lets callers tell "rejected" apart from "no answer".
var ErrorReply = []byte("Error")

// IsErrorReply reports whether b is the error sentinel.
func IsErrorReply(b []byte) bool {
	return bytes.Equal(b, ErrorReply)
}

var (
	// ErrVersion is returned when the envelope version is missing or unsupported.
	ErrVersion = errors.New("wire: unsupported envelope version")
	// ErrTruncated is returned for malformed or truncated datagrams.
	ErrTruncated = errors.New("wire: malformed envelope")
	// ErrUnsupportedValue is returned by Marshal for body values that would not
	// decode back to the same value.
	ErrUnsupportedValue = errors.New("wire: unsupported body value")
)

const (
	fieldVersion  protowire.Number = 1
	fieldOp       protowire.Number = 2
	fieldBody     protowire.Number = 3
	fieldFEPort   protowire.Number = 4
	fieldSequence protowire.Number = 5
)

// Marshal encodes m.
func Marshal(m *Message) ([]byte, error) {
	for k, v := range m.Body {
		if err := checkValue(v); err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrUnsupportedValue, k, err)
		}
	}
	st, err := structpb.NewStruct(m.Body)
	if err != nil {
		return nil, fmt.Errorf("wire: encode body: %w", err)
	}
	body, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("wire: encode body: %w", err)
	}

	b := make([]byte, 0, len(body)+16)
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, Version)
	b = protowire.AppendTag(b, fieldOp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(m.Op)))
	b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
	b = protowire.AppendBytes(b, body)
	if m.FrontEndPort != 0 {
		b = protowire.AppendTag(b, fieldFEPort, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(int64(m.FrontEndPort)))
	}
	if m.Sequence != 0 {
		b = protowire.AppendTag(b, fieldSequence, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Sequence))
	}
	return b, nil
}

// checkValue accepts exactly the Go types structpb.Value.AsInterface produces.
func checkValue(v any) error {
	switch v := v.(type) {
	case nil, bool, float64, string:
		return nil
	case []any:
		for i, e := range v {
			if err := checkValue(e); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		return nil
	case map[string]any:
		for k, e := range v {
			if err := checkValue(e); err != nil {
				return fmt.Errorf("%q: %w", k, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("type %T", v)
	}
}

// Unmarshal decodes a datagram produced by Marshal. Unknown fields are skipped.
func Unmarshal(b []byte) (*Message, error) {
	var (
		m       = &Message{}
		version uint64
		body    []byte
	)

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrTruncated, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: version: %v", ErrTruncated, protowire.ParseError(n))
			}
			version, b = v, b[n:]
		case num == fieldOp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: op: %v", ErrTruncated, protowire.ParseError(n))
			}
			m.Op, b = Op(int64(v)), b[n:]
		case num == fieldBody && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: body: %v", ErrTruncated, protowire.ParseError(n))
			}
			body, b = v, b[n:]
		case num == fieldFEPort && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: fe_port: %v", ErrTruncated, protowire.ParseError(n))
			}
			m.FrontEndPort, b = int32(int64(v)), b[n:]
		case num == fieldSequence && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: sequence: %v", ErrTruncated, protowire.ParseError(n))
			}
			m.Sequence, b = int64(v), b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrTruncated, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if version != Version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersion, version, Version)
	}

	st := &structpb.Struct{}
	if err := proto.Unmarshal(body, st); err != nil {
		return nil, fmt.Errorf("wire: decode body: %w", err)
	}
	m.Body = Body(st.AsMap())
	return m, nil
}

// NewRequest builds a message for op addressed at a partition code.
func NewRequest(op Op, code string) *Message {
	return &Message{Op: op, Body: Body{KeyCode: code}}
}

// NewReply builds the data reply for a request. records is omitted from the
// body when nil, which is how an empty result is represented.
func NewReply(op Op, code string, records any) *Message {
	body := Body{}
	if code != "" {
		body[KeyCode] = code
	}
	if records != nil {
		body[KeyRecords] = records
	}
	return &Message{Op: op, Body: body}
}

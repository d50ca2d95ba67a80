// Package wire defines the datagram envelope exchanged between replica
// managers, replicas and front ends. Messages are encoded with an explicit,
// versioned protobuf wire schema whose body is a google.protobuf.Struct, so
// any language with a protobuf runtime can speak the protocol.
package wire

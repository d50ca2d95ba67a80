// Package admin exposes the replica manager's state over gRPC: the standard
// health service (one service name per partition plus "" for the manager as
// a whole) and server reflection for grpcurl.
package admin

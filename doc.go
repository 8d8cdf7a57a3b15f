// Package tether is a secure transport and authentication layer
// for master/minion fleets: an RSA handshake that seals a
// rotating symmetric session key to each approved minion, a
// request/reply channel whose loads are sealed, signed, and
// nonce-checked end to end, and a publish fanout that pushes
// sealed broadcasts to announced subscribers.
//
// The wire format is streaming msgpack: each message is one
// self-delimited {head, body} map, so frames reassemble
// identically however the stream is chunked. See Transport and
// FrameScanner for the plumbing, AuthSession and Authority for
// the two ends of the handshake, RequestChannel and ReqServer
// for request traffic, and PublishClient and PubServer for the
// broadcast path.
package tether

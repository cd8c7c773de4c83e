// Package proto centralizes the mDNS service tag and libp2p stream
// protocol IDs the transport uses.
package proto

const (
	MdnsTag = "meshrelay-mdns"

	// HelloProtoID exchanges local name and service ID immediately after
	// mDNS peer discovery, so the adapter can filter peers by service
	// before ever surfacing them to the engine as an EndpointFound.
	HelloProtoID = "/meshrelay/hello/1.0.0"

	// ConnectProtoID carries a connection request: the initiator opens a
	// stream and writes its local name; the acceptor reads it and later
	// calls AcceptConnection to complete the handshake.
	ConnectProtoID = "/meshrelay/connect/1.0.0"

	// PayloadProtoID carries one relay payload per stream.
	PayloadProtoID = "/meshrelay/payload/1.0.0"
)

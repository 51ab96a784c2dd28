// Package rpce implements the connection-oriented DCE/RPC client core used
// to tunnel RDP through a Remote Desktop Gateway (RPC over HTTP v2).
//
// This covers the secure bind handshake ([C706] Section 12.6, [MS-RPCE]
// Section 3.3.1.5.2): PDU codec, call tracking, and the three-leg
// bind/bind_ack/rpc_auth_3 engine driving an external authentication
// oracle over the virtual connection's IN and OUT channels.
package rpce

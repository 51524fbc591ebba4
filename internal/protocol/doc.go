// Package protocol owns the agent line protocol.
//
// Ownership boundary:
// - command/response tokens and literal parsing
// - the client handshake state machine
// - a minimal agent-side responder for the same dialect
//
// Handshake (client -> agent / agent -> client):
//
//	auth <code>      +OK ack auth
//	export master    +OK ack master <literal>
//	get version      +OK ack version <string>
//	exit             +OK bye!
//
// States: Init -> AwaitAuthAck -> AwaitMaster -> AwaitVersion -> Done.
// Any unexpected line moves straight to Done and keeps whatever fields were
// already populated. Client never returns an error; failures are folded into
// the returned StatusVector.
package protocol

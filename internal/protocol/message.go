// ABOUTME: Wire message shapes exchanged between the C2 server and agents.
// ABOUTME: All messages are JSON objects; inbound frames are dispatched by their "type" field.

package protocol

// Message type values carried in the "type" field of typed frames.
// The agent's auth reply and registration payload carry no type field;
// they are expected positionally during the handshake.
const (
	TypeAuth      = "auth"
	TypeRegister  = "register"
	TypeHeartbeat = "heartbeat"
	TypeResult    = "result"
	TypeStatus    = "status"
	TypeError     = "error"
	TypeCommand   = "command"
)

// Status values used in handshake acknowledgements.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// AuthChallenge is sent by the server immediately after accept.
type AuthChallenge struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
}

// AuthReply is the agent's answer to an AuthChallenge: a keyed MAC of the
// challenge under the shared server password.
type AuthReply struct {
	Response string `json:"response"`
}

// AuthResult reports the outcome of authentication to the agent.
type AuthResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Registration carries the agent's self-reported identity. All fields are
// advisory; the server never trusts them for anything but display.
type Registration struct {
	Hostname string `json:"hostname"`
	OS       string `json:"os"`
	Username string `json:"username"`
}

// RegisterAck confirms registration and assigns the agent its bot ID.
type RegisterAck struct {
	Type   string `json:"type"`
	BotID  string `json:"bot_id"`
	Status string `json:"status"`
}

// Heartbeat is sent in both directions: agents send it to prove liveness,
// the server sends it as a probe when a connection has been quiet.
type Heartbeat struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
}

// Result carries the output of a previously dispatched command.
type Result struct {
	Type   string `json:"type"`
	CmdID  string `json:"cmd_id"`
	Result string `json:"result"`
}

// StatusUpdate is an arbitrary key/value refresh of the agent's record.
type StatusUpdate struct {
	Type string            `json:"type"`
	Data map[string]string `json:"data"`
}

// ErrorReport is a non-fatal error notice from the agent.
type ErrorReport struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Command instructs the agent to execute a named command. CmdID correlates
// the asynchronous Result back to the issuing request.
type Command struct {
	Type      string  `json:"type"`
	CmdID     string  `json:"cmd_id"`
	Command   string  `json:"command"`
	Data      any     `json:"data"`
	Timestamp float64 `json:"timestamp"`
}

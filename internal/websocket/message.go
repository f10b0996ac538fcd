package websocket

type OutgoingMessage struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// IncomingMessage From is filled by the hub with the authenticated user id.
type IncomingMessage struct {
	From  string `json:"from"`
	Event string `json:"event"`
	Data  any    `json:"data"`
}

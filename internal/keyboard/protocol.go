package keyboard

// Messages written by the listener helper, one JSON object per line on
// stdout. The helper never reports which key was pressed.
const (
	MsgReady = "ready"
	MsgKey   = "key"
	MsgError = "error"
)

// Error codes carried by MsgError
const (
	CodePermission = "permission"
	CodeDevice     = "device"
)

// Message is one line of the helper protocol
type Message struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

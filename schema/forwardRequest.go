package schema

// ForwardEventType is the literal sent in ForwardRequest.Type.
const ForwardEventType = "sms_received"

// ForwardPath is appended to the owner's endpoint base URL.
const ForwardPath = "/sms/forward"

// ForwardRequest is the JSON body POSTed to the owner's endpoint.
type ForwardRequest struct {
	Sender    string `json:"sender"`
	Body      string `json:"body"`
	Timestamp int64  `json:"timestamp"` // epoch milliseconds of capture
	DeviceID  string `json:"deviceId"`
	ParentID  string `json:"parentId"`
	Type      string `json:"type"`
}

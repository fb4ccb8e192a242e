package upstream

import "encoding/json"

// ErrorFrame renders the single terminal SSE error event emitted when an
// upstream call fails after streaming has begun.
func ErrorFrame(status int, message string) []byte {
	payload, _ := json.Marshal(struct {
		Status  int    `json:"status"`
		Message string `json:"message"`
	}{status, message})
	frame := append([]byte("event: error\ndata: "), payload...)
	return append(frame, '\n', '\n')
}

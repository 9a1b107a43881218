package transport

import "github.com/gorilla/websocket"

var closeReasons = map[int]string{
	websocket.CloseNormalClosure:           "Normal closure, meaning that the purpose for which the connection was established has been fulfilled.",
	websocket.CloseGoingAway:               "An endpoint is \"going away\", such as a server going down or a browser having navigated away from a page.",
	websocket.CloseProtocolError:           "An endpoint is terminating the connection due to a protocol error.",
	websocket.CloseUnsupportedData:         "An endpoint is terminating the connection because it has received a type of data it cannot accept.",
	1004:                                   "Reserved. The specific meaning might be defined in the future.",
	websocket.CloseNoStatusReceived:        "No status code was actually present.",
	websocket.CloseAbnormalClosure:         "The connection was closed abnormally, e.g., without sending or receiving a Close control frame.",
	websocket.CloseInvalidFramePayloadData: "An endpoint is terminating the connection because it has received data within a message that was not consistent with the type of the message.",
	websocket.ClosePolicyViolation:         "An endpoint is terminating the connection because it has received a message that violates its policy.",
	websocket.CloseMessageTooBig:           "An endpoint is terminating the connection because it has received a message that is too big for it to process.",
	websocket.CloseMandatoryExtension:      "An endpoint (client) is terminating the connection because it has expected the server to negotiate one or more extension, but the server didn't return them in the response message of the WebSocket handshake.",
	websocket.CloseInternalServerErr:       "A server is terminating the connection because it encountered an unexpected condition that prevented it from fulfilling the request.",
	websocket.CloseTLSHandshake:            "The connection was closed due to a failure to perform a TLS handshake (e.g., the server certificate can't be verified).",
}

// UnknownCloseReason describes close codes outside the table.
const UnknownCloseReason = "Unknown reason."

// CloseReason returns a human-readable description of a close code.
func CloseReason(code int) string {
	if reason, ok := closeReasons[code]; ok {
		return reason
	}
	return UnknownCloseReason
}

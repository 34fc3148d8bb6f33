// Package codec frames messages on the client connection.
//
// Inbound, a client sends a command envelope as a text message:
//
//	{"command": "ls -l /var/log"}
//
// Outbound, the bridge sends one line per text message, terminated by "\n".
// Ambient log lines are sent as they are.
// Lines from other sources are prefixed with their source:
//
//	[command:3] total 0
//	[command:3] exit 0
//	[bridge] log stream is lost, reconnecting
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/opst/logbridge/pkg/domain/errors/bridgeerrors"
	"github.com/opst/logbridge/pkg/domain/frame"
)

type envelope struct {
	Command *string `json:"command"`
}

// DecodeInbound reads a command envelope.
//
// # Args
//
// - messageType: websocket message type. Only websocket.TextMessage is acceptable.
//
// - raw: payload
//
// # Returns
//
// - string: the command text, as sent (not trimmed).
//
// - error: ErrDecode, when the message is not an object with only one string field "command".
func DecodeInbound(messageType int, raw []byte) (string, error) {
	if messageType != websocket.TextMessage {
		return "", bridgeerrors.NewDecode("not a text message")
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	// reject non-objects up front: json.Decoder accepts `null` for a struct.
	if trimmed := bytes.TrimSpace(raw); len(trimmed) == 0 || trimmed[0] != '{' {
		return "", bridgeerrors.NewDecode("envelope should be a JSON object")
	}

	var env envelope
	if err := dec.Decode(&env); err != nil {
		return "", bridgeerrors.NewDecodeCausedBy("malformed envelope", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return "", bridgeerrors.NewDecode("trailing data after envelope")
	}
	if env.Command == nil {
		return "", bridgeerrors.NewDecode(`field "command" is required as a string`)
	}
	return *env.Command, nil
}

var lineBreaks = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// EncodeOutbound formats a frame as a text message.
//
// A message is always one line: line breaks inside the text are replaced with spaces.
func EncodeOutbound(f frame.LogFrame) []byte {
	text := lineBreaks.Replace(strings.TrimRight(f.Text(), "\r\n"))

	buf := new(bytes.Buffer)
	if f.Source().Kind() != frame.Upstream {
		buf.WriteByte('[')
		buf.WriteString(f.Source().String())
		buf.WriteString("] ")
	}
	buf.WriteString(text)
	buf.WriteByte('\n')
	return buf.Bytes()
}

// Blank tells a text has nothing to show. Blank lines are not framed.
func Blank(text string) bool {
	return strings.TrimSpace(text) == ""
}

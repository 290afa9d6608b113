// Package frame implements the text wire protocol: newline-delimited frames
// terminated by a single NUL byte. A frame is a command line, header lines,
// a blank line and an optional body.
package frame

import (
	"bytes"
	"strings"
)

// Terminator is the frame termination sentinel. The codec never appends it on
// encode; transports do, right before the bytes hit the socket.
const Terminator byte = 0x00

// Command is the closed set of frame commands. Client commands are validated
// against this set; everything else is rejected as an unknown command.
type Command string

const (
	CmdConnect     Command = "CONNECT"
	CmdSend        Command = "SEND"
	CmdSubscribe   Command = "SUBSCRIBE"
	CmdUnsubscribe Command = "UNSUBSCRIBE"
	CmdDisconnect  Command = "DISCONNECT"

	// Server generated commands.
	CmdConnected Command = "CONNECTED"
	CmdMessage   Command = "MESSAGE"
	CmdReceipt   Command = "RECEIPT"
	CmdError     Command = "ERROR"
)

// Header names used by the protocol.
const (
	HeaderAcceptVersion = "accept-version"
	HeaderHost          = "host"
	HeaderLogin         = "login"
	HeaderPasscode      = "passcode"
	HeaderDestination   = "destination"
	HeaderID            = "id"
	HeaderReceipt       = "receipt"
	HeaderReceiptID     = "receipt-id"
	HeaderFilename      = "filename"
	HeaderSubscription  = "subscription"
	HeaderMessageID     = "message-id"
	HeaderVersion       = "version"
	HeaderMessage       = "message"
)

// Frame is one parsed protocol message. A Frame is either well formed or
// carries a non-empty validation error; invalid frames must never reach the
// protocol engine.
type Frame struct {
	Command Command
	Headers map[string]string
	Body    string

	terminated    bool
	validationErr string
}

// New builds a server-generated frame. Such frames are well formed by
// construction.
func New(command Command, headers map[string]string, body string) *Frame {
	if headers == nil {
		headers = make(map[string]string)
	}
	return &Frame{
		Command:    command,
		Headers:    headers,
		Body:       body,
		terminated: true,
	}
}

// Parse splits a raw message into command, headers and body. Line 0 is the
// command, header lines run up to the first empty line and split on the first
// colon, the remainder is the body. The trailing NUL sentinel, if present, is
// stripped and remembered for Validate.
func Parse(raw string) *Frame {
	f := &Frame{Headers: make(map[string]string)}

	if raw == "" {
		f.validationErr = "empty message"
		return f
	}

	if raw[len(raw)-1] == Terminator {
		f.terminated = true
		raw = raw[:len(raw)-1]
	}

	lines := strings.Split(raw, "\n")
	f.Command = Command(strings.TrimSpace(lines[0]))

	i := 1
	for i < len(lines) && lines[i] != "" {
		if key, value, found := strings.Cut(lines[i], ":"); found {
			f.Headers[key] = value
		}
		i++
	}

	if i+1 < len(lines) {
		// One trailing newline belongs to the frame layout, not the body.
		f.Body = strings.TrimSuffix(strings.Join(lines[i+1:], "\n"), "\n")
	}

	return f
}

// Validate checks the frame against the grammar: sentinel present, command
// recognized, required headers present. On failure the validation error names
// the missing header or the unknown command.
func (f *Frame) Validate() bool {
	if f.validationErr != "" {
		return false
	}

	if !f.terminated {
		f.validationErr = "frame did not end with the null terminator"
		return false
	}

	if f.Command == "" {
		f.validationErr = "missing command"
		return false
	}

	switch f.Command {
	case CmdConnect:
		return f.requireHeaders(HeaderAcceptVersion, HeaderHost, HeaderLogin, HeaderPasscode)
	case CmdSend:
		return f.requireHeaders(HeaderDestination)
	case CmdSubscribe:
		return f.requireHeaders(HeaderDestination, HeaderID)
	case CmdUnsubscribe:
		return f.requireHeaders(HeaderID)
	case CmdDisconnect:
		return true
	default:
		f.validationErr = "unknown command"
		return false
	}
}

func (f *Frame) requireHeaders(keys ...string) bool {
	for _, key := range keys {
		if _, ok := f.Headers[key]; !ok {
			f.validationErr = "missing required header: " + key
			return false
		}
	}
	return true
}

// ValidationError returns the diagnostic recorded by Parse or Validate, empty
// for a well-formed frame.
func (f *Frame) ValidationError() string {
	return f.validationErr
}

// Header returns the value for key, empty if absent.
func (f *Frame) Header(key string) string {
	return f.Headers[key]
}

// ReceiptRequested reports whether the client asked for a RECEIPT reply.
func (f *Frame) ReceiptRequested() bool {
	_, ok := f.Headers[HeaderReceipt]
	return ok
}

// Encode serializes the frame: command line, one line per header, a blank
// line and the body. The terminator byte is not appended here so a frame can
// never be truncated mid-stream by an embedded sentinel.
func (f *Frame) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteString(string(f.Command))
	buf.WriteByte('\n')
	for key, value := range f.Headers {
		buf.WriteString(key)
		buf.WriteByte(':')
		buf.WriteString(value)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	if f.Body != "" {
		buf.WriteString(f.Body)
		if !strings.HasSuffix(f.Body, "\n") {
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes()
}

// NewErrorFrame wraps the offending frame verbatim plus a diagnostic into an
// ERROR frame. Embedded NULs are stripped so the error frame is not
// terminated early on the wire.
func NewErrorFrame(offending *Frame, diagnostic string) *Frame {
	original := strings.ReplaceAll(string(offending.Encode()), string(Terminator), "")
	body := "The message:\n-----\n" + original + "\n-----\n" + diagnostic
	return New(CmdError, map[string]string{HeaderMessage: "malformed frame received"}, body)
}

// NewReceiptFrame builds the RECEIPT reply for a frame carrying a receipt
// header. Callers must check ReceiptRequested first.
func NewReceiptFrame(request *Frame) *Frame {
	return New(CmdReceipt, map[string]string{HeaderReceiptID: request.Header(HeaderReceipt)}, "")
}

// NewConnectedFrame builds the CONNECTED reply for a successful login.
func NewConnectedFrame(version string) *Frame {
	return New(CmdConnected, map[string]string{HeaderVersion: version}, "")
}

// NewMessageFrame builds the per-subscriber broadcast frame. The message id is
// shared by every recipient of one broadcast; the subscription id is the
// recipient's own.
func NewMessageFrame(subscriptionID string, messageID string, destination string, body string) *Frame {
	return New(CmdMessage, map[string]string{
		HeaderSubscription: subscriptionID,
		HeaderMessageID:    messageID,
		HeaderDestination:  destination,
	}, body)
}

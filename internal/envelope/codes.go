package envelope

import "errors"

// Code is the machine-readable error identifier carried by error frames and
// close reasons. Clients only ever see a Code and a fixed detail string.
type Code string

const (
	CodeInvalidToken      Code = "InvalidToken"
	CodeExpiredToken      Code = "ExpiredToken"
	CodeMalformedToken    Code = "MalformedToken"
	CodeInvalidEnvelope   Code = "InvalidEnvelope"
	CodeRateExceeded      Code = "RateExceeded"
	CodeBrokerUnavailable Code = "BrokerUnavailable"
	CodeSocketError       Code = "SocketError"
)

var details = map[Code]string{
	CodeInvalidToken:      "authentication failed",
	CodeExpiredToken:      "token expired",
	CodeMalformedToken:    "token could not be parsed",
	CodeInvalidEnvelope:   "envelope rejected",
	CodeRateExceeded:      "too many messages, slow down",
	CodeBrokerUnavailable: "delivery temporarily degraded",
	CodeSocketError:       "connection error",
}

// Detail returns the fixed, client-safe description for c.
func (c Code) Detail() string {
	if d, ok := details[c]; ok {
		return d
	}
	return "error"
}

// ErrorFrame builds an error envelope. detail must never carry internal state;
// pass an empty string to use the code's fixed description.
func ErrorFrame(code Code, detail string) Envelope {
	if detail == "" {
		detail = code.Detail()
	}
	return Envelope{Type: TypeError, Code: code, Detail: detail}
}

// Error is a sentinel error that carries its wire code. Packages declare their
// sentinels with NewError so callers can classify any wrapped error with CodeFor.
type Error struct {
	code Code
	msg  string
}

// NewError returns a sentinel error tagged with code.
func NewError(code Code, msg string) *Error {
	return &Error{code: code, msg: msg}
}

func (e *Error) Error() string { return e.msg }

// Code returns the wire code of e.
func (e *Error) Code() Code { return e.code }

// CodeFor maps err to the code sent to clients. Errors that carry no code are
// reported as SocketError.
func CodeFor(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.code
	}
	return CodeSocketError
}

package message

import (
	"crypto/rand"
	"fmt"
	"math"
	"strings"
	"time"

	"amf-rpc/amf"
)

// Flex message class aliases.
const (
	RemotingMessageClass    = "flex.messaging.messages.RemotingMessage"
	AcknowledgeMessageClass = "flex.messaging.messages.AcknowledgeMessage"
	ErrorMessageClass       = "flex.messaging.messages.ErrorMessage"
)

// SplitServicePath splits "a.b.method" into source "a.b" and operation
// "method". A path without a dot has an empty source.
func SplitServicePath(servicePath string) (source, operation string) {
	i := strings.LastIndexByte(servicePath, '.')
	if i < 0 {
		return "", servicePath
	}
	return servicePath[:i], servicePath[i+1:]
}

// NewMessageID returns a random identifier in the upper-case UUID form Flex
// clients use.
func NewMessageID() string {
	b := make([]byte, 16)
	// crypto/rand.Read never returns an error as of Go 1.24; it crashes the
	// program instead.
	rand.Read(b)
	return fmt.Sprintf("%X-%X-%X-%X-%X", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}

// RemotingMessage addresses a call by source and operation instead of by
// envelope target. It is sent as the value of a body whose target is "null".
type RemotingMessage struct {
	Body        any
	Operation   string
	Source      string
	Destination string
	MessageID   string
	ClientID    string
	Timestamp   int64 // milliseconds since the epoch
	TimeToLive  int64
	Headers     *amf.Object
}

// NewRemotingMessage wraps body in a RemotingMessage addressed by servicePath.
func NewRemotingMessage(servicePath string, body any) *RemotingMessage {
	source, operation := SplitServicePath(servicePath)
	return &RemotingMessage{
		Body:      body,
		Operation: operation,
		Source:    source,
		MessageID: NewMessageID(),
		Timestamp: time.Now().UnixNano() / int64(time.Millisecond),
		Headers:   amf.NewObject(""),
	}
}

// MarshalAMF implements amf.Marshaler.
func (m *RemotingMessage) MarshalAMF() *amf.Object {
	o := amf.NewObject(RemotingMessageClass)
	o.Set("body", m.Body)
	o.Set("clientId", nullable(m.ClientID))
	o.Set("destination", m.Destination)
	o.Set("headers", headersOrEmpty(m.Headers))
	o.Set("messageId", m.MessageID)
	o.Set("operation", m.Operation)
	o.Set("source", m.Source)
	o.Set("timeToLive", m.TimeToLive)
	o.Set("timestamp", m.Timestamp)
	return o
}

// ParseRemotingMessage converts a decoded value back into a RemotingMessage.
func ParseRemotingMessage(v any) (*RemotingMessage, bool) {
	o, ok := v.(*amf.Object)
	if !ok || o.Class != RemotingMessageClass {
		return nil, false
	}
	m := &RemotingMessage{
		Operation:   o.String("operation"),
		Source:      o.String("source"),
		Destination: o.String("destination"),
		MessageID:   o.String("messageId"),
		ClientID:    o.String("clientId"),
		Timestamp:   Int64(o.Values["timestamp"]),
		TimeToLive:  Int64(o.Values["timeToLive"]),
	}
	m.Body, _ = o.Get("body")
	m.Headers, _ = o.Values["headers"].(*amf.Object)
	return m, true
}

// AcknowledgeMessage is the Flex reply to a successful RemotingMessage.
type AcknowledgeMessage struct {
	Body          any
	CorrelationID string
	MessageID     string
	ClientID      string
	Destination   string
	Timestamp     int64
	TimeToLive    int64
	Headers       *amf.Object
}

// NewAcknowledgeMessage answers req with body.
func NewAcknowledgeMessage(req *RemotingMessage, body any) *AcknowledgeMessage {
	return &AcknowledgeMessage{
		Body:          body,
		CorrelationID: req.MessageID,
		MessageID:     NewMessageID(),
		ClientID:      req.ClientID,
		Destination:   req.Destination,
		Timestamp:     time.Now().UnixNano() / int64(time.Millisecond),
		Headers:       amf.NewObject(""),
	}
}

func (m *AcknowledgeMessage) fields(o *amf.Object) *amf.Object {
	o.Set("body", m.Body)
	o.Set("clientId", nullable(m.ClientID))
	o.Set("correlationId", m.CorrelationID)
	o.Set("destination", m.Destination)
	o.Set("headers", headersOrEmpty(m.Headers))
	o.Set("messageId", m.MessageID)
	o.Set("timeToLive", m.TimeToLive)
	o.Set("timestamp", m.Timestamp)
	return o
}

// MarshalAMF implements amf.Marshaler.
func (m *AcknowledgeMessage) MarshalAMF() *amf.Object {
	return m.fields(amf.NewObject(AcknowledgeMessageClass))
}

func parseAcknowledge(o *amf.Object) *AcknowledgeMessage {
	m := &AcknowledgeMessage{
		CorrelationID: o.String("correlationId"),
		MessageID:     o.String("messageId"),
		ClientID:      o.String("clientId"),
		Destination:   o.String("destination"),
		Timestamp:     Int64(o.Values["timestamp"]),
		TimeToLive:    Int64(o.Values["timeToLive"]),
	}
	m.Body, _ = o.Get("body")
	m.Headers, _ = o.Values["headers"].(*amf.Object)
	return m
}

// ParseAcknowledgeMessage converts a decoded value into an AcknowledgeMessage.
func ParseAcknowledgeMessage(v any) (*AcknowledgeMessage, bool) {
	o, ok := v.(*amf.Object)
	if !ok || o.Class != AcknowledgeMessageClass {
		return nil, false
	}
	return parseAcknowledge(o), true
}

// ErrorMessage is the Flex reply to a RemotingMessage that failed.
type ErrorMessage struct {
	AcknowledgeMessage
	FaultCode    string
	FaultString  string
	FaultDetail  string
	RootCause    any
	ExtendedData any
}

// NewErrorMessage answers req with a fault.
func NewErrorMessage(req *RemotingMessage, code, text string) *ErrorMessage {
	return &ErrorMessage{
		AcknowledgeMessage: *NewAcknowledgeMessage(req, nil),
		FaultCode:          code,
		FaultString:        text,
	}
}

func (m *ErrorMessage) Error() string {
	return fmt.Sprintf("%s: %s", m.FaultCode, m.FaultString)
}

// MarshalAMF implements amf.Marshaler.
func (m *ErrorMessage) MarshalAMF() *amf.Object {
	o := m.AcknowledgeMessage.fields(amf.NewObject(ErrorMessageClass))
	o.Set("extendedData", m.ExtendedData)
	o.Set("faultCode", m.FaultCode)
	o.Set("faultDetail", m.FaultDetail)
	o.Set("faultString", m.FaultString)
	o.Set("rootCause", m.RootCause)
	return o
}

// ParseErrorMessage converts a decoded value into an ErrorMessage.
func ParseErrorMessage(v any) (*ErrorMessage, bool) {
	o, ok := v.(*amf.Object)
	if !ok || o.Class != ErrorMessageClass {
		return nil, false
	}
	m := &ErrorMessage{
		AcknowledgeMessage: *parseAcknowledge(o),
		FaultCode:          o.String("faultCode"),
		FaultString:        o.String("faultString"),
		FaultDetail:        o.String("faultDetail"),
	}
	m.RootCause, _ = o.Get("rootCause")
	m.ExtendedData, _ = o.Get("extendedData")
	return m, true
}

// Fault is the status object an AMF0 gateway returns on "/onStatus".
type Fault struct {
	Code        string
	Description string
	Details     string
	Level       string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Description)
}

// MarshalAMF implements amf.Marshaler.
func (f *Fault) MarshalAMF() *amf.Object {
	o := amf.NewObject("")
	o.Set("code", f.Code)
	o.Set("description", f.Description)
	o.Set("details", f.Details)
	o.Set("level", f.Level)
	return o
}

// ParseFault converts a decoded status object into a Fault.
func ParseFault(v any) (*Fault, bool) {
	o, ok := v.(*amf.Object)
	if !ok {
		return nil, false
	}
	if _, ok := o.Get("code"); !ok {
		return nil, false
	}
	return &Fault{
		Code:        o.String("code"),
		Description: o.String("description"),
		Details:     o.String("details"),
		Level:       o.String("level"),
	}, true
}

// Int64 converts a decoded AMF number to int64. Non-numbers yield 0.
func Int64(v any) int64 {
	switch n := v.(type) {
	case int:
		return int64(n)
	case int64:
		return n
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0
		}
		return int64(n)
	}
	return 0
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func headersOrEmpty(h *amf.Object) *amf.Object {
	if h == nil {
		return amf.NewObject("")
	}
	return h
}

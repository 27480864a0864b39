package message

import (
	"fmt"
	"strings"
)

// Encoding selects the AMF sub-mode and whether calls are wrapped in a Flex
// RemotingMessage. The values are bit flags: AMF3|FlexMessaging is the usual
// setting for Flex/BlazeDS style endpoints.
type Encoding byte

const (
	AMF0          Encoding = 0
	AMF3          Encoding = 3
	FlexMessaging Encoding = 16
)

// Version returns the AMF sub-mode, which is also the packet version.
func (e Encoding) Version() uint16 {
	return uint16(e & AMF3)
}

// Remoting reports whether the RemotingMessage wrapper is active.
func (e Encoding) Remoting() bool {
	return e&FlexMessaging != 0
}

func (e Encoding) String() string {
	s := "amf0"
	if e&AMF3 == AMF3 {
		s = "amf3"
	}
	if e.Remoting() {
		s += "+flex"
	}
	return s
}

// ParseEncoding parses "amf0", "amf3" or "flex" (AMF3 with the remoting
// wrapper). "amf0+flex" and "amf3+flex" are accepted as well.
func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "amf0", "legacy":
		return AMF0, nil
	case "amf3", "modern":
		return AMF3, nil
	case "flex", "amf3+flex":
		return AMF3 | FlexMessaging, nil
	case "amf0+flex":
		return AMF0 | FlexMessaging, nil
	}
	return AMF0, fmt.Errorf("unknown encoding %q", s)
}

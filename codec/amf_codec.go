package codec

import (
	"bytes"

	"amf-rpc/message"
	"amf-rpc/protocol"
)

// AMF0Codec writes version 0 packets with AMF0 values.
type AMF0Codec struct{}

func (c *AMF0Codec) Encode(env *message.Envelope) ([]byte, error) {
	return encode(env, protocol.Version0)
}

func (c *AMF0Codec) Decode(data []byte, env *message.Envelope) error {
	return decode(data, env)
}

func (c *AMF0Codec) Type() CodecType {
	return CodecTypeAMF0
}

// AMF3Codec writes version 3 packets whose bodies switch to AMF3.
type AMF3Codec struct{}

func (c *AMF3Codec) Encode(env *message.Envelope) ([]byte, error) {
	return encode(env, protocol.Version3)
}

func (c *AMF3Codec) Decode(data []byte, env *message.Envelope) error {
	return decode(data, env)
}

func (c *AMF3Codec) Type() CodecType {
	return CodecTypeAMF3
}

func encode(env *message.Envelope, version uint16) ([]byte, error) {
	out := *env
	out.Version = version
	var buf bytes.Buffer
	if err := protocol.Encode(&buf, &out); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decode accepts any supported packet version: a gateway may answer an AMF3
// request with an AMF0 packet and the values are self-describing anyway.
func decode(data []byte, env *message.Envelope) error {
	decoded, err := protocol.Decode(bytes.NewReader(data))
	if err != nil {
		return err
	}
	*env = *decoded
	return nil
}

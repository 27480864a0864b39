// Package codec turns envelopes into bytes and back. The codec type is the
// AMF sub-mode: it decides the packet version and whether body values are
// written as AMF0 or AMF3.
package codec

import "amf-rpc/message"

type CodecType byte

const (
	CodecTypeAMF0 CodecType = 0
	CodecTypeAMF3 CodecType = 3
)

type Codec interface {
	Encode(env *message.Envelope) ([]byte, error)
	Decode(data []byte, env *message.Envelope) error
	Type() CodecType // 0=AMF0, 3=AMF3
}

// GetCodec returns the codec for codecType. Anything that is not AMF3 is
// treated as AMF0.
func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeAMF3 {
		return &AMF3Codec{}
	}

	return &AMF0Codec{}
}

// ForEncoding returns the codec for the AMF sub-mode of enc. The remoting
// flag has no influence on the byte format.
func ForEncoding(enc message.Encoding) Codec {
	return GetCodec(CodecType(enc.Version()))
}

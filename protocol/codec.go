package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec turns envelopes into transport frames and back.
type Codec interface {
	Marshal(e *Envelope) ([]byte, error)
	Unmarshal(data []byte, e *Envelope) error
	// IsBinary reports whether frames must be sent as binary messages.
	IsBinary() bool
}

type JSONCodec struct{}

func (JSONCodec) Marshal(e *Envelope) ([]byte, error) { return json.Marshal(e) }

func (JSONCodec) Unmarshal(data []byte, e *Envelope) error { return json.Unmarshal(data, e) }

func (JSONCodec) IsBinary() bool { return false }

// MsgpackCodec uses the msgpack struct tags. The payload stays JSON encoded
// inside the frame so both codecs agree on DecodePayload.
type MsgpackCodec struct{}

func (MsgpackCodec) Marshal(e *Envelope) ([]byte, error) { return msgpack.Marshal(e) }

func (MsgpackCodec) Unmarshal(data []byte, e *Envelope) error { return msgpack.Unmarshal(data, e) }

func (MsgpackCodec) IsBinary() bool { return true }

// CodecByName resolves "json" (or empty) and "msgpack".
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec: %s", name)
	}
}

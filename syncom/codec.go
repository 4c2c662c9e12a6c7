package syncom

import (
	"bytes"
	"encoding/gob"
)

// Codec is the Opaque Serialiser contract: Send/Get never interpret message
// contents, only hand raw bytes to and from Marshal/Unmarshal.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// gobCodec is the default Codec. encoding/gob is used because no third-party
// serialisation library appears anywhere in the retrieved reference corpus;
// every other marshalling concern those repos have is JSON-shaped structured
// logging, not a general object codec.
type gobCodec struct{}

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// DefaultCodec is used when a Link is constructed without WithCodec.
var DefaultCodec Codec = gobCodec{}

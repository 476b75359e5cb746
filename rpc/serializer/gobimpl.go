package serializer

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/accord-kv/accord/rpc/common"
)

// NewGOBSerializer creates a new serializer using Go's binary gob format
func NewGOBSerializer() IRPCSerializer {
	return &gobSerializerImpl{}
}

// gobSerializerImpl implements the IRPCSerializer interface using gob
// encoding. The buffer is pre-sized from the message's payload-carrying
// fields (the value, a replication batch, a snapshot packet) so large
// frames encode without repeated growth.
type gobSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (g gobSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	if msg.MsgType == common.MsgTUnknown {
		return nil, fmt.Errorf("refusing to serialize untyped message")
	}

	size := 256 + len(msg.Key) + len(msg.Value) + len(msg.OldValue)
	for _, entry := range msg.Entries {
		size += 64 + len(entry.Key) + len(entry.Value) + len(entry.User)
	}
	for _, item := range msg.Items {
		size += 16 + len(item.Key) + len(item.Val)
	}
	for _, item := range msg.ScanItems {
		size += 16 + len(item.Key) + len(item.Value)
	}

	var buf bytes.Buffer
	buf.Grow(size)
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (g gobSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	buf := bytes.NewBuffer(b)
	dec := gob.NewDecoder(buf)
	if err := dec.Decode(msg); err != nil {
		return err
	}
	// a frame without a discriminator cannot be dispatched
	if msg.MsgType == common.MsgTUnknown {
		return fmt.Errorf("message carries no type")
	}
	return nil
}

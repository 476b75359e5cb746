package serializer

import (
	"encoding/json"
	"fmt"

	"github.com/accord-kv/accord/rpc/common"
)

// NewJSONSerializer creates a new serializer using json encoding
func NewJSONSerializer() IRPCSerializer {
	return &jsonSerializerImpl{}
}

// jsonSerializerImpl implements the IRPCSerializer interface using json
// encoding. Message fields are tagged omitempty, so a frame only carries
// the fields its operation uses; the msg_type discriminator is required
// on every frame and checked on both directions.
type jsonSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (j jsonSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	if msg.MsgType == common.MsgTUnknown {
		return nil, fmt.Errorf("refusing to serialize untyped message")
	}
	return json.Marshal(msg)
}

func (j jsonSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	if err := json.Unmarshal(b, msg); err != nil {
		return err
	}
	// a frame without a discriminator cannot be dispatched
	if msg.MsgType == common.MsgTUnknown {
		return fmt.Errorf("message carries no type")
	}
	return nil
}

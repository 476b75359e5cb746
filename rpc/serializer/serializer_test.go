package serializer

import (
	"bytes"
	"encoding/gob"
	"reflect"
	"testing"

	"github.com/accord-kv/accord/lib/binlog"
	"github.com/accord-kv/accord/rpc/common"
)

// testSerializers is a map of serializer name to factory function
var testSerializers = map[string]func() IRPCSerializer{
	"JSON": NewJSONSerializer,
	"GOB":  NewGOBSerializer,
}

// testMessages creates a set of test messages with different fields filled
func testMessages() []common.Message {
	return []common.Message{
		// Basic message with just a type
		{MsgType: common.MsgTSuccess},

		// Put request
		{
			MsgType: common.MsgTPut,
			Key:     "test-key",
			Value:   []byte("test-value"),
			UUID:    "9f2c3a",
		},

		// Get response
		{
			MsgType: common.MsgTGet,
			Key:     "test-key",
			Value:   []byte("test-value"),
			Success: true,
			Hit:     true,
		},

		// Error response
		{
			MsgType: common.MsgTError,
			Err:     "test error message",
		},

		// Replication batch
		{
			MsgType:           common.MsgTAppendEntries,
			Term:              7,
			LeaderID:          "node-a:8868",
			PrevLogIndex:      41,
			PrevLogTerm:       6,
			LeaderCommitIndex: 40,
			Entries: []binlog.Entry{
				{Term: 7, Op: binlog.OpPut, Key: "k", Value: []byte("v"), User: "alice"},
				{Term: 7, Op: binlog.OpNop, Key: "Ping"},
			},
		},

		// Watch request
		{
			MsgType:   common.MsgTWatch,
			Key:       "a/b",
			OldValue:  []byte("old"),
			KeyExist:  true,
			SessionID: "session-1",
		},
	}
}

func TestRoundTrip(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			s := factory()
			for _, msg := range testMessages() {
				data, err := s.Serialize(msg)
				if err != nil {
					t.Fatalf("Serialize failed: %v", err)
				}
				var got common.Message
				if err := s.Deserialize(data, &got); err != nil {
					t.Fatalf("Deserialize failed: %v", err)
				}
				if !reflect.DeepEqual(msg, got) {
					t.Errorf("round trip mismatch:\nsent: %+v\ngot:  %+v", msg, got)
				}
			}
		})
	}
}

func TestUntypedMessagesRejected(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			if _, err := factory().Serialize(common.Message{Key: "k"}); err == nil {
				t.Errorf("expected error serializing a message without a type")
			}
		})
	}

	// hand-crafted frames that lost their discriminator are refused
	t.Run("JSON", func(t *testing.T) {
		var msg common.Message
		if err := NewJSONSerializer().Deserialize([]byte(`{"key":"k"}`), &msg); err == nil {
			t.Errorf("expected error deserializing an untyped frame")
		}
	})
	t.Run("GOB", func(t *testing.T) {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(common.Message{Key: "k"}); err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		var msg common.Message
		if err := NewGOBSerializer().Deserialize(buf.Bytes(), &msg); err == nil {
			t.Errorf("expected error deserializing an untyped frame")
		}
	})
}

func TestDeserializeGarbage(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			var msg common.Message
			if err := factory().Deserialize([]byte("not a message"), &msg); err == nil {
				t.Errorf("expected error on garbage input")
			}
		})
	}
}

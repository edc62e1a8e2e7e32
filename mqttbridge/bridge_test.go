package mqttbridge

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"tinkerlink/tfconfig"
)

func TestRootTopicDefaultsToNamespace(t *testing.T) {
	p := NewPublisher(&tfconfig.MQTTConfig{Name: "broker1"})
	if got := p.rootTopic(); got != "tinkerlink" {
		t.Errorf("rootTopic() = %q, want tinkerlink", got)
	}
}

func TestRootTopicUsesSelector(t *testing.T) {
	p := NewPublisher(&tfconfig.MQTTConfig{Name: "broker1", Selector: "lab-1"})
	if got := p.rootTopic(); got != "lab-1" {
		t.Errorf("rootTopic() = %q, want lab-1", got)
	}
}

func TestEventMessageRoundTrip(t *testing.T) {
	msg := EventMessage{UID: "EHc", FunctionID: 8, Payload: base64.StdEncoding.EncodeToString([]byte{1, 2, 3})}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded EventMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.UID != "EHc" || decoded.FunctionID != 8 {
		t.Errorf("got %+v", decoded)
	}
	raw, err := base64.StdEncoding.DecodeString(decoded.Payload)
	if err != nil || string(raw) != "\x01\x02\x03" {
		t.Errorf("payload decode: %v %q", err, raw)
	}
}

func TestWriteRequestDecodesPayload(t *testing.T) {
	req := WriteRequest{UID: "EHc", FunctionID: 1, Payload: base64.StdEncoding.EncodeToString([]byte{9, 9})}
	data, _ := json.Marshal(req)

	var decoded WriteRequest
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	payload, err := base64.StdEncoding.DecodeString(decoded.Payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if len(payload) != 2 || payload[0] != 9 || payload[1] != 9 {
		t.Errorf("got payload %v", payload)
	}
}

func TestManagerAddGetListRemove(t *testing.T) {
	m := NewManager()
	m.Add(NewPublisher(&tfconfig.MQTTConfig{Name: "a"}))
	m.Add(NewPublisher(&tfconfig.MQTTConfig{Name: "b"}))

	if got := m.Get("a"); got == nil || got.Name() != "a" {
		t.Fatalf("Get(a): got %+v", got)
	}
	if len(m.List()) != 2 {
		t.Errorf("List() length = %d, want 2", len(m.List()))
	}

	m.Remove("a")
	if m.Get("a") != nil {
		t.Errorf("expected a removed")
	}
	if len(m.List()) != 1 {
		t.Errorf("List() length after remove = %d, want 1", len(m.List()))
	}
}

func TestManagerSetWriteHandlerAppliesToExistingAndFuturePublishers(t *testing.T) {
	m := NewManager()
	p1 := NewPublisher(&tfconfig.MQTTConfig{Name: "a"})
	m.Add(p1)

	called := make(chan string, 2)
	m.SetWriteHandler(func(uid string, fid uint8, payload []byte) error {
		called <- uid
		return nil
	})

	p1.writeHandler("EHc", 1, nil)
	if got := <-called; got != "EHc" {
		t.Errorf("got %q", got)
	}

	p2 := NewPublisher(&tfconfig.MQTTConfig{Name: "b"})
	m.Add(p2)
	p2.writeHandler("7xwQ9g", 2, nil)
	if got := <-called; got != "7xwQ9g" {
		t.Errorf("got %q", got)
	}
}

func TestLoadFromConfigCreatesOnePublisherPerEntry(t *testing.T) {
	m := NewManager()
	m.LoadFromConfig([]tfconfig.MQTTConfig{{Name: "a"}, {Name: "b"}})
	if len(m.List()) != 2 {
		t.Fatalf("expected 2 publishers, got %d", len(m.List()))
	}
}

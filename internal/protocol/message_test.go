package protocol

import (
	"encoding/json"
	"testing"
)

func TestEncodeDecodeToken(t *testing.T) {
	frame := Token{
		Type:  TypeToken,
		JobID: "j_1",
		Token: "hello",
		Done:  false,
	}

	data, err := Encode(frame)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	msgType, err := DecodeType(data)
	if err != nil {
		t.Fatalf("DecodeType() error: %v", err)
	}
	if msgType != TypeToken {
		t.Errorf("type = %q, want %q", msgType, TypeToken)
	}

	got, err := Decode[Token](data)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	if got.JobID != "j_1" || got.Token != "hello" || got.Done {
		t.Errorf("Decode() = %+v, want %+v", got, frame)
	}
}

func TestDecodeTypeInvalidJSON(t *testing.T) {
	if _, err := DecodeType([]byte("not json")); err == nil {
		t.Error("DecodeType should fail on invalid JSON")
	}
}

func TestJobFrameWireFormat(t *testing.T) {
	job := Job{
		Type:     TypeJob,
		JobID:    "j_2",
		Model:    "llama3.2",
		Messages: json.RawMessage(`[{"role":"user","content":"hi"}]`),
	}

	data, err := Encode(job)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	var wire map[string]any
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("unmarshal wire: %v", err)
	}
	if wire["type"] != "job" {
		t.Errorf("wire type = %v, want job", wire["type"])
	}
	if wire["jobId"] != "j_2" {
		t.Errorf("wire jobId = %v, want j_2", wire["jobId"])
	}
	if _, ok := wire["options"]; ok {
		t.Error("empty options should be omitted")
	}
}

func TestStreamRequestOptionalFields(t *testing.T) {
	var req StreamRequest
	if err := json.Unmarshal([]byte(`{"id":"j_3","done":true}`), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.Seq != nil || req.Offset != nil || req.Delta != nil || req.Cumulative != nil {
		t.Error("absent optional fields should stay nil")
	}
	if !req.Done {
		t.Error("done should be true")
	}

	if err := json.Unmarshal([]byte(`{"id":"j_3","seq":0,"offset":0,"delta":""}`), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.Seq == nil || *req.Seq != 0 {
		t.Error("explicit zero seq should be present")
	}
	if req.Offset == nil || *req.Offset != 0 {
		t.Error("explicit zero offset should be present")
	}
	if req.Delta == nil || *req.Delta != "" {
		t.Error("explicit empty delta should be present")
	}
}

func TestNewHeartbeat(t *testing.T) {
	hb := NewHeartbeat([]string{"llama3.2"}, []string{"j_1"})
	if hb.Type != TypeHeartbeat {
		t.Errorf("type = %q, want %q", hb.Type, TypeHeartbeat)
	}
	if hb.Timestamp == 0 {
		t.Error("timestamp should be set")
	}
	if len(hb.Models) != 1 || hb.Models[0] != "llama3.2" {
		t.Errorf("models = %v", hb.Models)
	}
}

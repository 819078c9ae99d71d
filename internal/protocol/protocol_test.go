package protocol_test

import (
	"encoding/json"
	"testing"

	"github.com/conhub/conhub/internal/protocol"
)

func TestKindClassification(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want protocol.MessageKind
	}{
		{"request", `{"version":"2024-11-05","id":1,"method":"ping"}`, protocol.KindRequest},
		{"string id request", `{"version":"2024-11-05","id":"abc","method":"tools/list"}`, protocol.KindRequest},
		{"notification", `{"version":"2024-11-05","method":"notifications/initialized"}`, protocol.KindNotification},
		{"null id is notification", `{"version":"2024-11-05","id":null,"method":"ping"}`, protocol.KindNotification},
		{"response", `{"version":"2024-11-05","id":1,"result":{}}`, protocol.KindResponse},
		{"error response", `{"version":"2024-11-05","id":1,"error":{"code":-32601,"message":"nope"}}`, protocol.KindResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m protocol.Message
			if err := json.Unmarshal([]byte(tt.raw), &m); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := m.Kind(); got != tt.want {
				t.Errorf("Kind() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecodeRejectsMalformedEnvelopes(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantCode int
	}{
		{"syntax error", `{"version":`, protocol.CodeParseError},
		{"wrong version", `{"version":"2023-01-01","id":1,"method":"ping"}`, protocol.CodeInvalidRequest},
		{"missing version", `{"id":1,"method":"ping"}`, protocol.CodeInvalidRequest},
		{"empty envelope", `{"version":"2024-11-05"}`, protocol.CodeInvalidRequest},
		{"request with result", `{"version":"2024-11-05","id":1,"method":"ping","result":{}}`, protocol.CodeInvalidRequest},
		{"result and error", `{"version":"2024-11-05","id":1,"result":{},"error":{"code":1,"message":"x"}}`, protocol.CodeInvalidRequest},
		{"error without message", `{"version":"2024-11-05","id":1,"error":{"code":-32601}}`, protocol.CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, perr := protocol.Decode([]byte(tt.raw))
			if perr == nil {
				t.Fatal("Decode() accepted a malformed envelope")
			}
			if perr.Code != tt.wantCode {
				t.Errorf("Decode() error code = %d, want %d", perr.Code, tt.wantCode)
			}
		})
	}
}

func TestResponseEchoesRequestID(t *testing.T) {
	req, perr := protocol.NewRequest("req-42", protocol.MethodPing, nil)
	if perr != nil {
		t.Fatalf("NewRequest() error = %v", perr)
	}
	resp := protocol.NewResponse(req.ID, map[string]string{"pong": "ok"})
	if string(resp.ID) != string(req.ID) {
		t.Errorf("response id = %s, want %s", resp.ID, req.ID)
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, perr := protocol.Decode(data)
	if perr != nil {
		t.Fatalf("Decode() error = %v", perr)
	}
	if string(back.ID) != `"req-42"` {
		t.Errorf("round-tripped id = %s, want %q", back.ID, `"req-42"`)
	}
}

func TestNumericIDRoundTrip(t *testing.T) {
	req, perr := protocol.NewRequest(7, protocol.MethodToolsList, protocol.ToolsListParams{})
	if perr != nil {
		t.Fatalf("NewRequest() error = %v", perr)
	}
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	back, perr := protocol.Decode(data)
	if perr != nil {
		t.Fatalf("Decode() error = %v", perr)
	}
	if string(back.ID) != "7" {
		t.Errorf("round-tripped id = %s, want 7", back.ID)
	}
}

func TestDecodeParamsTypesByMethod(t *testing.T) {
	raw := json.RawMessage(`{"uri":"file:///README.md"}`)
	got, perr := protocol.DecodeParams(protocol.MethodResourcesRead, raw)
	if perr != nil {
		t.Fatalf("DecodeParams() error = %v", perr)
	}
	p, ok := got.(*protocol.ResourcesReadParams)
	if !ok {
		t.Fatalf("DecodeParams() = %T, want *ResourcesReadParams", got)
	}
	if p.URI != "file:///README.md" {
		t.Errorf("URI = %q, want %q", p.URI, "file:///README.md")
	}
}

func TestDecodeParamsUnknownMethodKeepsRaw(t *testing.T) {
	raw := json.RawMessage(`{"anything":true}`)
	got, perr := protocol.DecodeParams("vendor/custom", raw)
	if perr != nil {
		t.Fatalf("DecodeParams() error = %v", perr)
	}
	back, ok := got.(json.RawMessage)
	if !ok {
		t.Fatalf("DecodeParams() = %T, want json.RawMessage", got)
	}
	if string(back) != string(raw) {
		t.Errorf("DecodeParams() = %s, want %s", back, raw)
	}
}

func TestDecodeParamsBadShape(t *testing.T) {
	raw := json.RawMessage(`{"name":12}`)
	_, perr := protocol.DecodeParams(protocol.MethodToolsCall, raw)
	if perr == nil {
		t.Fatal("DecodeParams() accepted mistyped params")
	}
	if perr.Code != protocol.CodeInvalidParams {
		t.Errorf("error code = %d, want %d", perr.Code, protocol.CodeInvalidParams)
	}
}

package protocol_test

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/conhub/conhub/internal/protocol"
)

func TestCapsWireShapes(t *testing.T) {
	raw := `{"resources":{"subscribe":true,"list_changed":false},"logging":true,"sampling":false}`

	var tree protocol.Tree
	if err := json.Unmarshal([]byte(raw), &tree); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if !tree.Has("resources") {
		t.Error("Has(resources) = false, want true")
	}
	if !tree.HasFeature("resources", "subscribe") {
		t.Error("HasFeature(resources, subscribe) = false, want true")
	}
	if tree.HasFeature("resources", "list_changed") {
		t.Error("HasFeature(resources, list_changed) = true, want false")
	}
	if !tree.Has("logging") {
		t.Error("Has(logging) = false, want true")
	}
	if tree.Has("sampling") {
		t.Error("Has(sampling) = true, want false")
	}
	// Bare booleans carry no sub-features.
	if tree.HasFeature("logging", "anything") {
		t.Error("HasFeature(logging, anything) = true, want false")
	}

	out, err := json.Marshal(tree["logging"])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != "true" {
		t.Errorf("flag capability marshals to %s, want true", out)
	}
}

func TestNegotiateIntersects(t *testing.T) {
	client := protocol.Tree{
		"resources": {Enabled: true, Features: map[string]bool{
			"subscribe":    true,
			"list_changed": true,
		}},
		"tools":   {Enabled: true},
		"vendorx": {Enabled: true},
	}
	server := protocol.ServerCapabilities()

	got := protocol.Negotiate(client, server)

	if _, ok := got["vendorx"]; ok {
		t.Error("negotiated tree kept a capability the server never declared")
	}
	if !got.HasFeature("resources", "subscribe") {
		t.Error("HasFeature(resources, subscribe) = false, want true")
	}
	if !got.Has("tools") {
		t.Error("Has(tools) = false, want true")
	}
}

func TestNegotiateCommutative(t *testing.T) {
	a := protocol.Tree{
		"resources": {Enabled: true, Features: map[string]bool{"subscribe": true, "list_changed": false}},
		"logging":   {Enabled: true},
	}
	b := protocol.Tree{
		"resources": {Enabled: true, Features: map[string]bool{"subscribe": true, "paging": true}},
		"logging":   {Enabled: false},
		"tools":     {Enabled: true},
	}

	ab := protocol.Negotiate(a, b)
	ba := protocol.Negotiate(b, a)
	if !reflect.DeepEqual(ab, ba) {
		t.Errorf("Negotiate(a, b) = %#v, Negotiate(b, a) = %#v", ab, ba)
	}
}

func TestNegotiateIdempotent(t *testing.T) {
	a := protocol.Tree{
		"resources": {Enabled: true, Features: map[string]bool{"subscribe": true}},
		"logging":   {Enabled: true},
	}
	b := protocol.ServerCapabilities()

	once := protocol.Negotiate(a, b)
	twice := protocol.Negotiate(once, b)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("renegotiation changed the tree: %#v vs %#v", once, twice)
	}
}

func TestNegotiateNeverWidens(t *testing.T) {
	client := protocol.Tree{
		"resources": {Enabled: true, Features: map[string]bool{"subscribe": false}},
	}
	got := protocol.Negotiate(client, protocol.ServerCapabilities())
	if got.HasFeature("resources", "subscribe") {
		t.Error("negotiation enabled a feature the client declared off")
	}
}

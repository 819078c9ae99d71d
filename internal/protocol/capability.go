package protocol

import (
	"encoding/json"
)

// Tree is a capability declaration: capability type name to either a plain
// on/off flag or a set of named sub-features. On the wire a capability is
// either a JSON boolean or an object of feature booleans:
//
//	{"resources": {"subscribe": true, "list_changed": false}, "logging": true}
type Tree map[string]Caps

// Caps is one capability in a tree. Features nil means the capability was
// declared as a bare boolean.
type Caps struct {
	Enabled  bool
	Features map[string]bool
}

// MarshalJSON emits a bare boolean for flag capabilities and a feature
// object for structured ones.
func (c Caps) MarshalJSON() ([]byte, error) {
	if c.Features == nil {
		return json.Marshal(c.Enabled)
	}
	return json.Marshal(c.Features)
}

// UnmarshalJSON accepts both wire shapes.
func (c *Caps) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		c.Enabled = b
		c.Features = nil
		return nil
	}
	var m map[string]bool
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.Enabled = true
	c.Features = m
	return nil
}

// Negotiate intersects two capability trees. The result holds a capability
// only where both sides declared it, with booleans ANDed and sub-features
// intersected feature by feature. A feature absent on either side stays
// absent in the result, which is what makes the operation commutative and
// idempotent. The returned tree is never more permissive than either input.
func Negotiate(client, server Tree) Tree {
	out := make(Tree)
	for name, c := range client {
		s, ok := server[name]
		if !ok {
			continue
		}
		merged := Caps{Enabled: c.Enabled && s.Enabled}
		if c.Features != nil && s.Features != nil {
			feats := make(map[string]bool)
			for f, cv := range c.Features {
				if sv, both := s.Features[f]; both {
					feats[f] = cv && sv
				}
			}
			merged.Features = feats
			merged.Enabled = c.Enabled && s.Enabled
		}
		out[name] = merged
	}
	return out
}

// Has reports whether a capability type is present and enabled.
func (t Tree) Has(name string) bool {
	c, ok := t[name]
	return ok && c.Enabled
}

// HasFeature reports whether a named sub-feature of a capability holds.
// A bare-boolean capability has no sub-features.
func (t Tree) HasFeature(name, feature string) bool {
	c, ok := t[name]
	if !ok || !c.Enabled || c.Features == nil {
		return false
	}
	return c.Features[feature]
}

// ServerCapabilities is the capability tree this gateway declares to every
// connecting agent.
func ServerCapabilities() Tree {
	return Tree{
		"resources": {Enabled: true, Features: map[string]bool{
			"subscribe":    true,
			"list_changed": true,
		}},
		"tools": {Enabled: true, Features: map[string]bool{
			"list_changed": true,
		}},
		"prompts": {Enabled: true, Features: map[string]bool{
			"list_changed": false,
		}},
		"logging": {Enabled: true},
	}
}

// Capability negotiation. Grounded on lxr-go.git-scm/protocol/capabilities.go's
// CapList (a set-like map[string]bool with String/ParseCapList/diff),
// extended with the capability names this server actually advertises and
// with "name=value" capabilities (agent=, object-format=).
package protocol

import (
	"sort"
	"strings"
)

// CapList is a set of Git protocol capabilities, optionally carrying
// values for capabilities of the form "name=value".
type CapList struct {
	flags  map[string]bool
	values map[string]string
}

// newCapList builds a CapList from bare capability names.
func newCapList(names ...string) CapList {
	c := CapList{flags: make(map[string]bool, len(names))}
	for _, n := range names {
		c.flags[n] = true
	}
	return c
}

// UploadPackCapabilities is the full set of capabilities this server
// understands for upload-pack (fetch/clone); it bounds what a client may
// announce (see diff), not what gets advertised in a given session.
// "thin-pack" is deliberately absent: WritePack always emits a
// self-contained pack (ofs-delta only, every base included), so
// advertising a capability this server cannot exploit would be
// misleading; a push's pack is unpacked against db's existing objects
// regardless (see protocol/receivepack.go's unpack), since real clients
// send thin packs unconditionally on that side.
// "allow-reachable-sha1-in-want" is also absent: this server validates a
// want against the advertised ref tips or, with allow-tip-sha1-in-want
// enabled, only checks that the object exists; it never checks
// reachability.
var UploadPackCapabilities = newCapList(
	"multi_ack",
	"multi_ack_detailed",
	"side-band",
	"side-band-64k",
	"ofs-delta",
	"shallow",
	"no-progress",
	"deepen-since",
	"deepen-not",
	"include-tag",
	"allow-tip-sha1-in-want",
	"filter",
	"no-done",
)

// ReceivePackCapabilities is the capability set this server advertises
// for receive-pack (push).
var ReceivePackCapabilities = newCapList(
	"report-status",
	"delete-refs",
	"ofs-delta",
	"side-band-64k",
	"quiet",
	"atomic",
	"push-options",
	"push-cert",
)

// String joins the set's capabilities by spaces, sorted for determinism.
func (c CapList) String() string {
	names := make([]string, 0, len(c.flags))
	for name, ok := range c.flags {
		if !ok {
			continue
		}
		if v, hasValue := c.values[name]; hasValue {
			names = append(names, name+"="+v)
		} else {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return strings.Join(names, " ")
}

// Has reports whether name was set (ignoring any "=value" suffix).
func (c CapList) Has(name string) bool {
	return c.flags != nil && c.flags[name]
}

// Value returns the value associated with a "name=value" capability.
func (c CapList) Value(name string) (string, bool) {
	if c.values == nil {
		return "", false
	}
	v, ok := c.values[name]
	return v, ok
}

// Unset removes name (and any associated value), used to advertise a
// subset of a package-level capability set that depends on repository
// configuration.
func (c *CapList) Unset(name string) {
	if c.flags != nil {
		delete(c.flags, name)
	}
	if c.values != nil {
		delete(c.values, name)
	}
}

// Set marks name present, optionally with a value when name contains "=".
func (c *CapList) Set(name string) {
	if c.flags == nil {
		c.flags = make(map[string]bool)
	}
	if eq := strings.IndexByte(name, '='); eq >= 0 {
		key, val := name[:eq], name[eq+1:]
		c.flags[key] = true
		if c.values == nil {
			c.values = make(map[string]string)
		}
		c.values[key] = val
		return
	}
	c.flags[name] = true
}

// Clone returns a deep copy of c, so a caller can add session-specific
// values (e.g. a push-cert nonce) without mutating a shared package-level
// capability set.
func (c CapList) Clone() CapList {
	out := CapList{flags: make(map[string]bool, len(c.flags))}
	for k, v := range c.flags {
		out.flags[k] = v
	}
	if c.values != nil {
		out.values = make(map[string]string, len(c.values))
		for k, v := range c.values {
			out.values[k] = v
		}
	}
	return out
}

// ParseCapList parses a whitespace-separated capability announcement.
func ParseCapList(s string) CapList {
	var c CapList
	for _, field := range strings.Fields(s) {
		c.Set(field)
	}
	return c
}

// diff returns the capabilities present in a but absent from b, used to
// reject a client announcing something this server does not understand.
func diff(a, b CapList) []string {
	var out []string
	for name, ok := range a.flags {
		if ok && !b.flags[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

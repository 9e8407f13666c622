package ynl

import (
	"fmt"
	"sort"
	"syscall"

	"github.com/vishvananda/netlink/nl"
	"golang.org/x/sys/unix"
)

// Strip NLA_F_NESTED and NLA_F_NET_BYTEORDER.
const attrTypeMask = 0x3fff

// Msg is a decoded attribute set. Integers decode to uint64, enum-typed
// attributes to their entry name, nests to Msg, flags to true.
type Msg map[string]any

// Uint returns an integer attribute.
func (m Msg) Uint(name string) (uint64, bool) {
	v, ok := m[name].(uint64)
	return v, ok
}

// Str returns a string or enum attribute.
func (m Msg) Str(name string) (string, bool) {
	v, ok := m[name].(string)
	return v, ok
}

// Nest returns a nested attribute set.
func (m Msg) Nest(name string) (Msg, bool) {
	v, ok := m[name].(Msg)
	return v, ok
}

// Clone returns a deep copy.
func (m Msg) Clone() Msg {
	if m == nil {
		return nil
	}
	out := make(Msg, len(m))
	for k, v := range m {
		switch v := v.(type) {
		case Msg:
			out[k] = v.Clone()
		case []byte:
			out[k] = append([]byte(nil), v...)
		default:
			out[k] = v
		}
	}
	return out
}

// Keys returns attribute names in sorted order.
func (m Msg) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Spec) encode(set *AttributeSet, m Msg) ([]*nl.RtAttr, error) {
	for name := range m {
		if _, ok := set.byName[name]; !ok {
			return nil, fmt.Errorf("attribute set %s has no attribute %q", set.Name, name)
		}
	}
	var attrs []*nl.RtAttr
	// Schema order keeps the payload deterministic.
	for i := range set.Attributes {
		a := &set.Attributes[i]
		v, ok := m[a.Name]
		if !ok {
			continue
		}
		attr, err := s.encodeAttr(a, v)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", set.Name, a.Name, err)
		}
		if attr != nil {
			attrs = append(attrs, attr)
		}
	}
	return attrs, nil
}

func (s *Spec) encodeAttr(a *Attribute, v any) (*nl.RtAttr, error) {
	typ := int(a.Value)
	switch a.Type {
	case "nest":
		inner, ok := v.(Msg)
		if !ok {
			return nil, fmt.Errorf("want Msg, got %T", v)
		}
		children, err := s.encode(s.sets[a.NestedAttributes], inner)
		if err != nil {
			return nil, err
		}
		nest := nl.NewRtAttr(typ|unix.NLA_F_NESTED, nil)
		for _, c := range children {
			nest.AddChild(c)
		}
		return nest, nil
	case "string":
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("want string, got %T", v)
		}
		return nl.NewRtAttr(typ, nl.ZeroTerminated(str)), nil
	case "binary":
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("want []byte, got %T", v)
		}
		return nl.NewRtAttr(typ, b), nil
	case "flag":
		set, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("want bool, got %T", v)
		}
		if !set {
			return nil, nil
		}
		return nl.NewRtAttr(typ, nil), nil
	}

	n, err := s.intValue(a, v)
	if err != nil {
		return nil, err
	}
	var data []byte
	switch a.Type {
	case "u8":
		if n > 0xff {
			return nil, fmt.Errorf("%d overflows u8", n)
		}
		data = nl.Uint8Attr(uint8(n))
	case "u16":
		if n > 0xffff {
			return nil, fmt.Errorf("%d overflows u16", n)
		}
		data = nl.Uint16Attr(uint16(n))
	case "u32":
		if n > 0xffffffff {
			return nil, fmt.Errorf("%d overflows u32", n)
		}
		data = nl.Uint32Attr(uint32(n))
	case "u64":
		data = nl.Uint64Attr(n)
	}
	return nl.NewRtAttr(typ, data), nil
}

// intValue accepts any Go integer, or an entry name for enum attributes.
func (s *Spec) intValue(a *Attribute, v any) (uint64, error) {
	switch n := v.(type) {
	case string:
		if a.Enum == "" {
			return 0, fmt.Errorf("want integer, got %q", n)
		}
		for i, e := range s.enums[a.Enum].Entries {
			if e == n {
				return uint64(i), nil
			}
		}
		return 0, fmt.Errorf("%q is not a %s value", n, a.Enum)
	case int:
		if n < 0 {
			return 0, fmt.Errorf("negative value %d", n)
		}
		return uint64(n), nil
	case int64:
		if n < 0 {
			return 0, fmt.Errorf("negative value %d", n)
		}
		return uint64(n), nil
	case int32:
		if n < 0 {
			return 0, fmt.Errorf("negative value %d", n)
		}
		return uint64(n), nil
	case uint:
		return uint64(n), nil
	case uint8:
		return uint64(n), nil
	case uint16:
		return uint64(n), nil
	case uint32:
		return uint64(n), nil
	case uint64:
		return n, nil
	}
	return 0, fmt.Errorf("want integer, got %T", v)
}

func (s *Spec) decode(set *AttributeSet, b []byte) (Msg, error) {
	attrs, err := nl.ParseRouteAttr(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", set.Name, err)
	}
	m := make(Msg, len(attrs))
	for _, raw := range attrs {
		a, ok := set.byType[raw.Attr.Type&attrTypeMask]
		if !ok {
			// Newer kernels may report attributes we have no schema for.
			continue
		}
		v, err := s.decodeAttr(a, raw)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", set.Name, a.Name, err)
		}
		m[a.Name] = v
	}
	return m, nil
}

func (s *Spec) decodeAttr(a *Attribute, raw syscall.NetlinkRouteAttr) (any, error) {
	data := raw.Value
	native := nl.NativeEndian()
	var n uint64
	switch a.Type {
	case "nest":
		return s.decode(s.sets[a.NestedAttributes], data)
	case "string":
		if i := indexZero(data); i >= 0 {
			data = data[:i]
		}
		return string(data), nil
	case "binary":
		return append([]byte(nil), data...), nil
	case "flag":
		return true, nil
	case "u8":
		if len(data) < 1 {
			return nil, errShort(a, len(data))
		}
		n = uint64(data[0])
	case "u16":
		if len(data) < 2 {
			return nil, errShort(a, len(data))
		}
		n = uint64(native.Uint16(data))
	case "u32":
		if len(data) < 4 {
			return nil, errShort(a, len(data))
		}
		n = uint64(native.Uint32(data))
	case "u64":
		if len(data) < 8 {
			return nil, errShort(a, len(data))
		}
		n = native.Uint64(data)
	}
	if a.Enum != "" {
		entries := s.enums[a.Enum].Entries
		if n < uint64(len(entries)) {
			return entries[n], nil
		}
	}
	return n, nil
}

// attrPath names the attribute of b that starts at or contains byte off,
// descending into nests.
func (s *Spec) attrPath(set *AttributeSet, b []byte, off int) string {
	native := nl.NativeEndian()
	for pos := 0; pos+syscall.SizeofRtAttr <= len(b); pos += align4(int(native.Uint16(b[pos:]))) {
		l := int(native.Uint16(b[pos:]))
		if l < syscall.SizeofRtAttr || pos+l > len(b) {
			return ""
		}
		if off < pos || off >= pos+l {
			continue
		}
		a, ok := set.byType[native.Uint16(b[pos+2:])&attrTypeMask]
		if !ok {
			return ""
		}
		path := "." + a.Name
		if inner := off - pos - syscall.SizeofRtAttr; a.Type == "nest" && inner >= 0 {
			path += s.attrPath(s.sets[a.NestedAttributes], b[pos+syscall.SizeofRtAttr:pos+l], inner)
		}
		return path
	}
	return ""
}

func align4(n int) int {
	return (n + 3) &^ 3
}

func errShort(a *Attribute, got int) error {
	return fmt.Errorf("%s payload too short (%d bytes)", a.Type, got)
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

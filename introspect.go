package dbus

import (
	"encoding/xml"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// The DOCTYPE line required by the introspection DTD.
const introspectDocType = `<!DOCTYPE node PUBLIC "-//freedesktop//DTD D-BUS Object Introspection 1.0//EN" "http://www.freedesktop.org/standards/dbus/1.0/introspect.dtd">` + "\n"

// A NodeDescription describes one object: its interfaces and the
// relative paths of its children.
type NodeDescription struct {
	XMLName    xml.Name                `xml:"node"`
	Name       string                  `xml:"name,attr,omitempty"`
	Interfaces []*InterfaceDescription `xml:"interface"`
	Children   []ChildNode             `xml:"node"`
}

// ChildNode is a reference to a child object, by relative path.
type ChildNode struct {
	Name string `xml:"name,attr"`
}

// An InterfaceDescription describes one interface's API. The
// description is produced by the peer hosting the object and may not
// accurately reflect what the object actually implements.
type InterfaceDescription struct {
	Name       string                 `xml:"name,attr"`
	Methods    []*MethodDescription   `xml:"method"`
	Signals    []*SignalDescription   `xml:"signal"`
	Properties []*PropertyDescription `xml:"property"`
}

// A MethodDescription describes one method and its arguments.
type MethodDescription struct {
	Name string            `xml:"name,attr"`
	Args []*ArgDescription `xml:"arg"`
}

// A SignalDescription describes one signal and its payload.
type SignalDescription struct {
	Name string            `xml:"name,attr"`
	Args []*ArgDescription `xml:"arg"`
}

// A PropertyDescription describes one property.
type PropertyDescription struct {
	Name string `xml:"name,attr"`
	Type string `xml:"type,attr"`
	// Access is "read", "write" or "readwrite".
	Access string `xml:"access,attr"`
}

// An ArgDescription describes one method or signal argument.
type ArgDescription struct {
	Name string `xml:"name,attr,omitempty"`
	Type string `xml:"type,attr"`
	// Direction is "in" or "out" for methods; signal args are always
	// "out" and conventionally leave it empty.
	Direction string `xml:"direction,attr,omitempty"`
}

// ParseIntrospection parses a peer's introspection XML document.
func ParseIntrospection(doc string) (*NodeDescription, error) {
	var node NodeDescription
	if err := xml.Unmarshal([]byte(doc), &node); err != nil {
		return nil, fmt.Errorf("parsing introspection XML: %w", err)
	}
	return &node, nil
}

func (d *NodeDescription) String() string {
	bs, err := xml.MarshalIndent(d, "", "  ")
	if err != nil {
		return ""
	}
	return introspectDocType + string(bs) + "\n"
}

// Interface returns the named interface's description, or nil.
func (d *NodeDescription) Interface(name string) *InterfaceDescription {
	for _, i := range d.Interfaces {
		if i.Name == name {
			return i
		}
	}
	return nil
}

// introspect renders the object's current API as an introspection
// document: its bound methods, declared signals, exported properties,
// the standard interfaces every object answers, and registered child
// paths.
func (o *Object) introspect(c *Conn) string {
	o.mu.Lock()
	ifaces := map[string]*InterfaceDescription{}
	get := func(name string) *InterfaceDescription {
		if ifaces[name] == nil {
			ifaces[name] = &InterfaceDescription{Name: name}
		}
		return ifaces[name]
	}
	for im, meta := range o.methods {
		m := &MethodDescription{Name: im.Member}
		for i, s := range splitTupleSigs(meta.in) {
			m.Args = append(m.Args, &ArgDescription{
				Name: fmt.Sprintf("arg%d", i), Type: s, Direction: "in",
			})
		}
		for i, s := range splitTupleSigs(meta.out) {
			m.Args = append(m.Args, &ArgDescription{
				Name: fmt.Sprintf("ret%d", i), Type: s, Direction: "out",
			})
		}
		get(im.Interface).Methods = append(get(im.Interface).Methods, m)
	}
	for im := range o.handlers {
		// Raw handlers with no typed metadata still show up, with
		// unspecified argument shapes.
		if _, ok := o.methods[im]; ok {
			continue
		}
		if _, ok := o.signals[im]; ok {
			continue
		}
		iface := get(im.Interface)
		if !slices.ContainsFunc(iface.Methods, func(m *MethodDescription) bool { return m.Name == im.Member }) {
			iface.Methods = append(iface.Methods, &MethodDescription{Name: im.Member})
		}
	}
	for im, argSig := range o.signals {
		s := &SignalDescription{Name: im.Member}
		for i, as := range splitTupleSigs(argSig) {
			s.Args = append(s.Args, &ArgDescription{
				Name: fmt.Sprintf("arg%d", i), Type: as,
			})
		}
		get(im.Interface).Signals = append(get(im.Interface).Signals, s)
	}
	for im, p := range o.props {
		access := "read"
		if p.writable {
			access = "readwrite"
		}
		get(im.Interface).Properties = append(get(im.Interface).Properties, &PropertyDescription{
			Name:   im.Member,
			Type:   string(p.sig),
			Access: access,
		})
	}
	hasProps := len(o.props) > 0
	o.mu.Unlock()

	addStandard(ifaces, hasProps)

	node := &NodeDescription{}
	for _, name := range slices.Sorted(maps.Keys(ifaces)) {
		iface := ifaces[name]
		sortIface(iface)
		node.Interfaces = append(node.Interfaces, iface)
	}
	for _, child := range slices.Sorted(slices.Values(c.childPaths(o.path))) {
		node.Children = append(node.Children, ChildNode{Name: child})
	}
	return node.String()
}

// addStandard lists the interfaces every exported object answers.
func addStandard(ifaces map[string]*InterfaceDescription, hasProps bool) {
	ifaces[ifaceIntrospectable] = &InterfaceDescription{
		Name: ifaceIntrospectable,
		Methods: []*MethodDescription{{
			Name: "Introspect",
			Args: []*ArgDescription{{Name: "xml_data", Type: "s", Direction: "out"}},
		}},
	}
	ifaces[ifacePeer] = &InterfaceDescription{
		Name: ifacePeer,
		Methods: []*MethodDescription{
			{Name: "Ping"},
			{Name: "GetMachineId", Args: []*ArgDescription{
				{Name: "machine_uuid", Type: "s", Direction: "out"},
			}},
		},
	}
	if hasProps {
		ifaces[ifaceProps] = &InterfaceDescription{
			Name: ifaceProps,
			Methods: []*MethodDescription{
				{Name: "Get", Args: []*ArgDescription{
					{Name: "interface_name", Type: "s", Direction: "in"},
					{Name: "property_name", Type: "s", Direction: "in"},
					{Name: "value", Type: "v", Direction: "out"},
				}},
				{Name: "Set", Args: []*ArgDescription{
					{Name: "interface_name", Type: "s", Direction: "in"},
					{Name: "property_name", Type: "s", Direction: "in"},
					{Name: "value", Type: "v", Direction: "in"},
				}},
				{Name: "GetAll", Args: []*ArgDescription{
					{Name: "interface_name", Type: "s", Direction: "in"},
					{Name: "props", Type: "a{sv}", Direction: "out"},
				}},
			},
			Signals: []*SignalDescription{{
				Name: "PropertiesChanged",
				Args: []*ArgDescription{
					{Name: "interface_name", Type: "s"},
					{Name: "changed_properties", Type: "a{sv}"},
					{Name: "invalidated_properties", Type: "as"},
				},
			}},
		}
	}
}

func sortIface(d *InterfaceDescription) {
	slices.SortFunc(d.Methods, func(a, b *MethodDescription) int {
		return strings.Compare(a.Name, b.Name)
	})
	slices.SortFunc(d.Signals, func(a, b *SignalDescription) int {
		return strings.Compare(a.Name, b.Name)
	})
	slices.SortFunc(d.Properties, func(a, b *PropertyDescription) int {
		return strings.Compare(a.Name, b.Name)
	})
}

// splitTupleSigs splits a tuple signature into its per-argument
// signatures.
func splitTupleSigs(s Signature) []string {
	if s.IsZero() {
		return nil
	}
	parts, err := splitAll(string(s))
	if err != nil {
		return []string{string(s)}
	}
	return parts
}

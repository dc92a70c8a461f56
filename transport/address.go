package transport

import (
	"fmt"
	"os"
	"strings"
)

// An Address is one endpoint of a bus address string, in the
// "transport:key=value,key=value" form of the DBus specification.
type Address struct {
	// Transport is the address's transport mechanism, e.g. "unix".
	Transport string
	// Options holds the address's key/value options, with values
	// percent-unescaped.
	Options map[string]string
}

// ParseAddress parses a bus address string, which may list several
// semicolon-separated endpoints to try in order.
func ParseAddress(s string) ([]Address, error) {
	if s == "" {
		return nil, fmt.Errorf("empty bus address")
	}
	var out []Address
	for _, ep := range strings.Split(s, ";") {
		if ep == "" {
			continue
		}
		transp, rest, ok := strings.Cut(ep, ":")
		if !ok || transp == "" {
			return nil, fmt.Errorf("bus address %q missing transport prefix", ep)
		}
		addr := Address{Transport: transp, Options: map[string]string{}}
		if rest != "" {
			for _, kv := range strings.Split(rest, ",") {
				k, v, ok := strings.Cut(kv, "=")
				if !ok || k == "" {
					return nil, fmt.Errorf("malformed option %q in bus address %q", kv, ep)
				}
				uv, err := unescapeValue(v)
				if err != nil {
					return nil, fmt.Errorf("bus address %q: %w", ep, err)
				}
				addr.Options[k] = uv
			}
		}
		out = append(out, addr)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("bus address %q has no endpoints", s)
	}
	return out, nil
}

func unescapeValue(v string) (string, error) {
	if !strings.Contains(v, "%") {
		return v, nil
	}
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		if v[i] != '%' {
			b.WriteByte(v[i])
			continue
		}
		if i+2 >= len(v) {
			return "", fmt.Errorf("truncated %%-escape in %q", v)
		}
		hi, lo := unhex(v[i+1]), unhex(v[i+2])
		if hi < 0 || lo < 0 {
			return "", fmt.Errorf("malformed %%-escape in %q", v)
		}
		b.WriteByte(byte(hi<<4 | lo))
		i += 2
	}
	return b.String(), nil
}

func unhex(c byte) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'a' && c <= 'f':
		return int(c-'a') + 10
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	}
	return -1
}

// UnixName returns the socket name to connect to for a unix-domain
// endpoint. Abstract socket names are returned with a leading "@".
func (a Address) UnixName() (string, bool) {
	if a.Transport != "unix" {
		return "", false
	}
	if p, ok := a.Options["path"]; ok {
		return p, true
	}
	if p, ok := a.Options["abstract"]; ok {
		// The "@" prefix is how x/sys/unix spells the abstract
		// namespace.
		return "@" + p, true
	}
	return "", false
}

// Environment variables consulted for well-known bus resolution.
const (
	EnvSessionBusAddress = "DBUS_SESSION_BUS_ADDRESS"
	EnvSystemBusAddress  = "DBUS_SYSTEM_BUS_ADDRESS"
	EnvStarterAddress    = "DBUS_STARTER_ADDRESS"
	EnvStarterBusType    = "DBUS_STARTER_BUS_TYPE"
)

const defaultSystemBusAddress = "unix:path=/run/dbus/system_bus_socket"

// SessionBusAddress resolves the current user's session bus address.
func SessionBusAddress() (string, error) {
	if addr := os.Getenv(EnvSessionBusAddress); addr != "" {
		return addr, nil
	}
	// Fall back to the conventional per-user socket.
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return "unix:path=" + dir + "/bus", nil
	}
	return "", fmt.Errorf("session bus not available: %s not set", EnvSessionBusAddress)
}

// SystemBusAddress resolves the system bus address.
func SystemBusAddress() string {
	if addr := os.Getenv(EnvSystemBusAddress); addr != "" {
		return addr
	}
	return defaultSystemBusAddress
}

// StarterBusAddress resolves the bus that launched this process, for
// bus-activated services.
func StarterBusAddress() (string, error) {
	if addr := os.Getenv(EnvStarterAddress); addr != "" {
		return addr, nil
	}
	switch t := os.Getenv(EnvStarterBusType); t {
	case "session":
		return SessionBusAddress()
	case "system":
		return SystemBusAddress(), nil
	case "":
		return "", fmt.Errorf("starter bus not available: %s not set", EnvStarterAddress)
	default:
		return "", fmt.Errorf("unknown %s value %q", EnvStarterBusType, t)
	}
}

package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
)

// Entry maps one listen port to a target address.
type Entry struct {
	Port        uint16 `json:"-"`
	Target      string `json:"target"`
	Description string `json:"description"`
}

// SplitTarget parses Target as host:port. The host may be a hostname or an
// IP literal; the port must be numeric and non-zero.
func (e Entry) SplitTarget() (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(e.Target)
	if err != nil {
		return "", 0, fmt.Errorf("target %q: %w", e.Target, err)
	}
	if host == "" {
		return "", 0, fmt.Errorf("target %q: missing host", e.Target)
	}
	port, err := ParsePort(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("target %q: %w", e.Target, err)
	}
	return host, port, nil
}

// Entries is the configured set, keyed by listen port.
type Entries map[uint16]Entry

// Clone returns a copy of e that shares no map storage with it.
func (e Entries) Clone() Entries {
	out := make(Entries, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Sorted returns the entries ordered by listen port.
func (e Entries) Sorted() []Entry {
	out := make([]Entry, 0, len(e))
	for _, v := range e {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// MarshalJSON writes the document form: an object keyed by decimal port.
func (e Entries) MarshalJSON() ([]byte, error) {
	doc := make(map[string]Entry, len(e))
	for port, entry := range e {
		doc[strconv.Itoa(int(port))] = entry
	}
	return json.Marshal(doc)
}

// UnmarshalJSON reads the document form. Keys that are not a valid listen
// port are rejected.
func (e *Entries) UnmarshalJSON(data []byte) error {
	var doc map[string]Entry
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if doc == nil {
		return errors.New("document is not a JSON object")
	}

	out := make(Entries, len(doc))
	for key, entry := range doc {
		port, err := ParsePort(key)
		if err != nil {
			return fmt.Errorf("listen port %q: %w", key, err)
		}
		entry.Port = port
		out[port] = entry
	}
	*e = out
	return nil
}

// ParsePort parses a decimal TCP port in the range 1-65535.
func ParsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if n == 0 {
		return 0, errors.New("port 0 out of range 1-65535")
	}
	return uint16(n), nil
}

var defaultDescriptions = []string{
	"Sequential Thinking Proxy",
	"Puppeteer Proxy",
	"Memory Bank Proxy",
	"Playwright Proxy",
	"GitHub Proxy",
	"Knowledge Graph Proxy",
	"MCP Compass Proxy",
}

// DefaultFirstPort is the listen port of the first built-in entry.
const DefaultFirstPort = 3001

// Defaults returns the built-in set written on first run: seven sequential
// ports, each forwarding to the same port on localhost.
func Defaults() Entries {
	out := make(Entries, len(defaultDescriptions))
	for i, desc := range defaultDescriptions {
		port := uint16(DefaultFirstPort + i)
		out[port] = Entry{
			Port:        port,
			Target:      net.JoinHostPort("localhost", strconv.Itoa(int(port))),
			Description: desc,
		}
	}
	return out
}

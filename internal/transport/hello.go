package transport

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

const baseNamespace = "urn:ietf:params:xml:ns:netconf:base:1.0"

// helloMsg is the session-establishment message exchanged on every channel.
// The server side carries the assigned session-id; the client side may carry
// a username attribute on plain tcp/unix endpoints where no transport-level
// authentication exists.
type helloMsg struct {
	XMLName      xml.Name `xml:"hello"`
	Xmlns        string   `xml:"xmlns,attr,omitempty"`
	Username     string   `xml:"username,attr,omitempty"`
	SessionID    uint32   `xml:"session-id,omitempty"`
	Capabilities struct {
		Capability []string `xml:"capability"`
	} `xml:"capabilities"`
}

var serverCapabilities = []string{
	baseNamespace,
	"urn:ietf:params:netconf:capability:writable-running:1.0",
	"urn:ietf:params:netconf:capability:candidate:1.0",
	"urn:ietf:params:netconf:capability:startup:1.0",
	"urn:ietf:params:netconf:capability:validate:1.0",
}

// exchangeHello sends the server hello for sessionID and parses the client
// hello from frames, returning the username advertised there (empty when
// none). frames must remain the channel's reader afterwards.
func exchangeHello(w io.Writer, frames *frameReader, sessionID uint32) (string, error) {
	srv := helloMsg{Xmlns: baseNamespace, SessionID: sessionID}
	srv.Capabilities.Capability = serverCapabilities
	payload, err := xml.Marshal(srv)
	if err != nil {
		return "", fmt.Errorf("transport: marshal hello: %w", err)
	}
	if err := writeFrame(w, payload); err != nil {
		return "", fmt.Errorf("transport: send hello: %w", err)
	}

	frame, err := frames.Next()
	if err != nil {
		return "", fmt.Errorf("transport: read client hello: %w", err)
	}
	var cli helloMsg
	if err := xml.Unmarshal(frame, &cli); err != nil {
		return "", fmt.Errorf("transport: parse client hello: %w", err)
	}
	if len(cli.Capabilities.Capability) == 0 {
		return "", fmt.Errorf("transport: client hello carries no capabilities")
	}
	supported := false
	for _, capability := range cli.Capabilities.Capability {
		if strings.TrimSpace(capability) == baseNamespace {
			supported = true
			break
		}
	}
	if !supported {
		return "", fmt.Errorf("transport: client does not support base capability")
	}
	return strings.TrimSpace(cli.Username), nil
}

package rpc

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

const baseNamespace = "urn:ietf:params:xml:ns:netconf:base:1.0"

// Error is an rpc-error in the making. Tag follows the protocol error-tag
// vocabulary; HolderSessionID is set for lock-denied so the reply can name
// the owning session.
type Error struct {
	Tag             string
	Type            string
	Message         string
	HolderSessionID uint32
}

func (e *Error) errorType() string {
	if e.Type == "" {
		return "application"
	}
	return e.Type
}

func okReply(messageID string) []byte {
	return bodyReply(messageID, []byte("<ok/>"))
}

func bodyReply(messageID string, body []byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, `<rpc-reply xmlns=%q message-id=%q>`, baseNamespace, messageID)
	buf.Write(body)
	buf.WriteString(`</rpc-reply>`)
	return buf.Bytes()
}

func errorReply(messageID string, e *Error) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, `<rpc-reply xmlns=%q message-id=%q><rpc-error>`, baseNamespace, messageID)
	fmt.Fprintf(&buf, `<error-type>%s</error-type>`, e.errorType())
	fmt.Fprintf(&buf, `<error-tag>%s</error-tag>`, e.Tag)
	buf.WriteString(`<error-severity>error</error-severity>`)
	if e.Message != "" {
		buf.WriteString(`<error-message>`)
		_ = xml.EscapeText(&buf, []byte(e.Message))
		buf.WriteString(`</error-message>`)
	}
	if e.HolderSessionID != 0 {
		fmt.Fprintf(&buf, `<error-info><session-id>%d</session-id></error-info>`, e.HolderSessionID)
	}
	buf.WriteString(`</rpc-error></rpc-reply>`)
	return buf.Bytes()
}

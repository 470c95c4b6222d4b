// Package rpc dispatches framed NETCONF RPCs for admitted sessions. Every
// operation is a named handler in a registration table; dispatch always
// produces a reply frame, turning handler failures into rpc-error replies
// instead of tearing the session down.
package rpc

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"

	"pkt.systems/netconfd/internal/datastore"
	"pkt.systems/netconfd/internal/locktable"
	"pkt.systems/netconfd/internal/session"
	"pkt.systems/netconfd/internal/svcfields"
	"pkt.systems/pslog"
)

// Config wires the dispatcher's collaborators.
type Config struct {
	Store    datastore.Conn
	Locks    *locktable.Table
	Registry *session.Registry
	Logger   pslog.Logger
	// OnLockDenied is invoked each time an operation is refused because
	// another session holds the lock. Optional.
	OnLockDenied func()
}

// Dispatcher routes parsed RPCs to their operation handlers.
type Dispatcher struct {
	store        datastore.Conn
	locks        *locktable.Table
	registry     *session.Registry
	logger       pslog.Logger
	handlers     map[string]handler
	onLockDenied func()
}

// handler executes one operation for one session. A nil *Error means
// success; result carries the reply body and whether the session asked to
// close.
type handler func(ctx context.Context, req *request) (result, *Error)

type result struct {
	// body is the reply content inside rpc-reply; empty means <ok/>.
	body []byte
	// closeSession is set by close-session.
	closeSession bool
}

// request is one parsed inbound RPC.
type request struct {
	messageID string
	operation string
	// payload is the operation element including its own tags.
	payload []byte
	binding *session.Binding
}

// NewDispatcher builds the operation table.
func NewDispatcher(cfg Config) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	denied := cfg.OnLockDenied
	if denied == nil {
		denied = func() {}
	}
	d := &Dispatcher{
		store:        cfg.Store,
		locks:        cfg.Locks,
		registry:     cfg.Registry,
		logger:       svcfields.WithSubsystem(logger, "rpc"),
		onLockDenied: denied,
	}
	d.handlers = map[string]handler{
		"lock":            d.handleLock,
		"unlock":          d.handleUnlock,
		"get":             d.handleGet,
		"get-config":      d.handleGetConfig,
		"edit-config":     d.handleEditConfig,
		"copy-config":     d.handleCopyConfig,
		"delete-config":   d.handleDeleteConfig,
		"commit":          d.handleCommit,
		"discard-changes": d.handleDiscardChanges,
		"validate":        d.handleValidate,
		"close-session":   d.handleCloseSession,
		"kill-session":    d.handleKillSession,
	}
	return d
}

// Dispatch parses frame, runs the matching handler and returns the reply
// frame. closeRequested reports that the session asked to terminate and
// should be removed after the reply is sent.
func (d *Dispatcher) Dispatch(ctx context.Context, b *session.Binding, frame []byte) (reply []byte, closeRequested bool) {
	req, perr := parseRequest(frame)
	if perr != nil {
		d.logger.Debug("malformed rpc",
			"session", b.Transport().ID(),
			"sid", b.Transport().Correlation(),
			"error", perr.Message,
		)
		return errorReply(req.messageID, perr), false
	}
	req.binding = b

	h, ok := d.handlers[req.operation]
	if !ok {
		return errorReply(req.messageID, &Error{
			Tag:     "operation-not-supported",
			Type:    "protocol",
			Message: fmt.Sprintf("unknown operation %q", req.operation),
		}), false
	}
	res, herr := h(ctx, req)
	if herr != nil {
		d.logger.Debug("rpc failed",
			"session", b.Transport().ID(),
			"sid", b.Transport().Correlation(),
			"operation", req.operation,
			"error_tag", herr.Tag,
		)
		return errorReply(req.messageID, herr), false
	}
	d.logger.Debug("rpc handled",
		"session", b.Transport().ID(),
		"sid", b.Transport().Correlation(),
		"operation", req.operation,
	)
	if len(res.body) == 0 {
		return okReply(req.messageID), res.closeSession
	}
	return bodyReply(req.messageID, res.body), res.closeSession
}

// parseRequest extracts the message-id and the single operation element. The
// returned request is non-nil even on error so the reply can echo any
// message-id that was readable.
func parseRequest(frame []byte) (*request, *Error) {
	var msg struct {
		XMLName   xml.Name `xml:"rpc"`
		MessageID string   `xml:"message-id,attr"`
		Inner     []byte   `xml:",innerxml"`
	}
	req := &request{}
	if err := xml.Unmarshal(frame, &msg); err != nil {
		return req, &Error{Tag: "malformed-message", Type: "rpc", Message: fmt.Sprintf("parse rpc: %v", err)}
	}
	req.messageID = msg.MessageID
	if msg.MessageID == "" {
		return req, &Error{Tag: "missing-attribute", Type: "rpc", Message: "rpc element carries no message-id"}
	}

	dec := xml.NewDecoder(bytes.NewReader(msg.Inner))
	for {
		tok, err := dec.Token()
		if err != nil {
			return req, &Error{Tag: "missing-element", Type: "protocol", Message: "rpc carries no operation"}
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		req.operation = start.Name.Local
		break
	}
	req.payload = msg.Inner
	return req, nil
}

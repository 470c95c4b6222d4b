package rpc

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"

	"pkt.systems/netconfd/internal/datastore"
)

// dsChoice is the datastore element inside <target> and <source>.
type dsChoice struct {
	Running   *struct{} `xml:"running"`
	Startup   *struct{} `xml:"startup"`
	Candidate *struct{} `xml:"candidate"`
}

func (c dsChoice) name() (datastore.Name, bool) {
	switch {
	case c.Running != nil:
		return datastore.Running, true
	case c.Startup != nil:
		return datastore.Startup, true
	case c.Candidate != nil:
		return datastore.Candidate, true
	}
	return "", false
}

func (d *Dispatcher) handleLock(_ context.Context, req *request) (result, *Error) {
	var op struct {
		XMLName xml.Name `xml:"lock"`
		Target  dsChoice `xml:"target"`
	}
	if err := xml.Unmarshal(req.payload, &op); err != nil {
		return result{}, &Error{Tag: "malformed-message", Type: "rpc", Message: fmt.Sprintf("parse operation: %v", err)}
	}
	ds, ok := op.Target.name()
	if !ok {
		return result{}, &Error{Tag: "invalid-value", Type: "protocol", Message: "no target datastore named"}
	}
	id := req.binding.Transport().ID()
	if !d.locks.TryAcquire(ds, id) {
		holder, _ := d.locks.Holder(ds)
		d.onLockDenied()
		return result{}, &Error{
			Tag:             "lock-denied",
			Type:            "protocol",
			Message:         fmt.Sprintf("datastore %s is locked", ds),
			HolderSessionID: holder,
		}
	}
	return result{}, nil
}

func (d *Dispatcher) handleUnlock(_ context.Context, req *request) (result, *Error) {
	var op struct {
		XMLName xml.Name `xml:"unlock"`
		Target  dsChoice `xml:"target"`
	}
	if err := xml.Unmarshal(req.payload, &op); err != nil {
		return result{}, &Error{Tag: "malformed-message", Type: "rpc", Message: fmt.Sprintf("parse operation: %v", err)}
	}
	ds, ok := op.Target.name()
	if !ok {
		return result{}, &Error{Tag: "invalid-value", Type: "protocol", Message: "no target datastore named"}
	}
	// Releasing a slot this session does not own is a silent no-op.
	d.locks.Release(ds, req.binding.Transport().ID())
	return result{}, nil
}

func (d *Dispatcher) handleGetConfig(ctx context.Context, req *request) (result, *Error) {
	var op struct {
		XMLName xml.Name `xml:"get-config"`
		Source  dsChoice `xml:"source"`
	}
	if err := xml.Unmarshal(req.payload, &op); err != nil {
		return result{}, &Error{Tag: "malformed-message", Type: "rpc", Message: fmt.Sprintf("parse operation: %v", err)}
	}
	ds, ok := op.Source.name()
	if !ok {
		return result{}, &Error{Tag: "invalid-value", Type: "protocol", Message: "no source datastore named"}
	}
	store, release, herr := d.sessionFor(ctx, req, ds)
	if herr != nil {
		return result{}, herr
	}
	defer release()
	doc, _, err := store.Get(ctx)
	if err != nil {
		return result{}, storeError("get-config", err)
	}
	body, err := encodeDocument(doc)
	if err != nil {
		return result{}, &Error{Tag: "operation-failed", Message: fmt.Sprintf("encode %s: %v", ds, err)}
	}
	return result{body: append(append([]byte("<data>"), body...), []byte("</data>")...)}, nil
}

// handleGet serves the operational view, which for this server is the
// running content.
func (d *Dispatcher) handleGet(ctx context.Context, req *request) (result, *Error) {
	doc, _, err := req.binding.Store().Get(ctx)
	if err != nil {
		return result{}, storeError("get", err)
	}
	body, err := encodeDocument(doc)
	if err != nil {
		return result{}, &Error{Tag: "operation-failed", Message: fmt.Sprintf("encode running: %v", err)}
	}
	return result{body: append(append([]byte("<data>"), body...), []byte("</data>")...)}, nil
}

func (d *Dispatcher) handleEditConfig(ctx context.Context, req *request) (result, *Error) {
	var op struct {
		XMLName xml.Name `xml:"edit-config"`
		Target  dsChoice `xml:"target"`
		Config  struct {
			Inner []byte `xml:",innerxml"`
		} `xml:"config"`
	}
	if err := xml.Unmarshal(req.payload, &op); err != nil {
		return result{}, &Error{Tag: "malformed-message", Type: "rpc", Message: fmt.Sprintf("parse operation: %v", err)}
	}
	ds, ok := op.Target.name()
	if !ok {
		return result{}, &Error{Tag: "invalid-value", Type: "protocol", Message: "no target datastore named"}
	}
	if herr := d.requireUnlockedOrOwned(ds, req); herr != nil {
		return result{}, herr
	}
	edit, err := decodeDocument(op.Config.Inner)
	if err != nil {
		return result{}, &Error{Tag: "malformed-message", Type: "rpc", Message: fmt.Sprintf("parse config: %v", err)}
	}
	store, release, herr := d.sessionFor(ctx, req, ds)
	if herr != nil {
		return result{}, herr
	}
	defer release()

	current, revision, err := store.Get(ctx)
	if err != nil {
		return result{}, storeError("edit-config", err)
	}
	merged := current.Clone()
	if merged == nil {
		merged = datastore.Document{}
	}
	for k, v := range edit {
		merged[k] = v
	}
	if err := store.Replace(ctx, merged, revision); err != nil {
		return result{}, storeError("edit-config", err)
	}
	return result{}, nil
}

// handleCopyConfig replaces the target content with the source content.
func (d *Dispatcher) handleCopyConfig(ctx context.Context, req *request) (result, *Error) {
	var op struct {
		XMLName xml.Name `xml:"copy-config"`
		Target  dsChoice `xml:"target"`
		Source  dsChoice `xml:"source"`
	}
	if err := xml.Unmarshal(req.payload, &op); err != nil {
		return result{}, &Error{Tag: "malformed-message", Type: "rpc", Message: fmt.Sprintf("parse operation: %v", err)}
	}
	target, ok := op.Target.name()
	if !ok {
		return result{}, &Error{Tag: "invalid-value", Type: "protocol", Message: "no target datastore named"}
	}
	source, ok := op.Source.name()
	if !ok {
		return result{}, &Error{Tag: "invalid-value", Type: "protocol", Message: "no source datastore named"}
	}
	if target == source {
		return result{}, &Error{Tag: "invalid-value", Type: "protocol", Message: "source and target name the same datastore"}
	}
	if herr := d.requireUnlockedOrOwned(target, req); herr != nil {
		return result{}, herr
	}
	src, releaseSrc, herr := d.sessionFor(ctx, req, source)
	if herr != nil {
		return result{}, herr
	}
	defer releaseSrc()
	doc, _, err := src.Get(ctx)
	if err != nil {
		return result{}, storeError("copy-config", err)
	}
	dst, releaseDst, herr := d.sessionFor(ctx, req, target)
	if herr != nil {
		return result{}, herr
	}
	defer releaseDst()
	if err := dst.Replace(ctx, doc, 0); err != nil {
		return result{}, storeError("copy-config", err)
	}
	return result{}, nil
}

// handleDeleteConfig empties the target datastore. Running cannot be
// deleted, only replaced.
func (d *Dispatcher) handleDeleteConfig(ctx context.Context, req *request) (result, *Error) {
	var op struct {
		XMLName xml.Name `xml:"delete-config"`
		Target  dsChoice `xml:"target"`
	}
	if err := xml.Unmarshal(req.payload, &op); err != nil {
		return result{}, &Error{Tag: "malformed-message", Type: "rpc", Message: fmt.Sprintf("parse operation: %v", err)}
	}
	ds, ok := op.Target.name()
	if !ok {
		return result{}, &Error{Tag: "invalid-value", Type: "protocol", Message: "no target datastore named"}
	}
	if ds == datastore.Running {
		return result{}, &Error{Tag: "invalid-value", Type: "protocol", Message: "the running datastore cannot be deleted"}
	}
	if herr := d.requireUnlockedOrOwned(ds, req); herr != nil {
		return result{}, herr
	}
	store, release, herr := d.sessionFor(ctx, req, ds)
	if herr != nil {
		return result{}, herr
	}
	defer release()
	if err := store.Replace(ctx, datastore.Document{}, 0); err != nil {
		return result{}, storeError("delete-config", err)
	}
	return result{}, nil
}

// handleCommit promotes the candidate content to running.
func (d *Dispatcher) handleCommit(ctx context.Context, req *request) (result, *Error) {
	if herr := d.requireUnlockedOrOwned(datastore.Running, req); herr != nil {
		return result{}, herr
	}
	candidate, release, herr := d.sessionFor(ctx, req, datastore.Candidate)
	if herr != nil {
		return result{}, herr
	}
	defer release()
	doc, _, err := candidate.Get(ctx)
	if err != nil {
		return result{}, storeError("commit", err)
	}
	if err := req.binding.Store().Replace(ctx, doc, 0); err != nil {
		return result{}, storeError("commit", err)
	}
	return result{}, nil
}

// handleDiscardChanges resets candidate to the current running content.
func (d *Dispatcher) handleDiscardChanges(ctx context.Context, req *request) (result, *Error) {
	if herr := d.requireUnlockedOrOwned(datastore.Candidate, req); herr != nil {
		return result{}, herr
	}
	running, _, err := req.binding.Store().Get(ctx)
	if err != nil {
		return result{}, storeError("discard-changes", err)
	}
	store, release, herr := d.sessionFor(ctx, req, datastore.Candidate)
	if herr != nil {
		return result{}, herr
	}
	defer release()
	if err := store.Replace(ctx, running, 0); err != nil {
		return result{}, storeError("discard-changes", err)
	}
	return result{}, nil
}

func (d *Dispatcher) handleValidate(ctx context.Context, req *request) (result, *Error) {
	var op struct {
		XMLName xml.Name `xml:"validate"`
		Source  dsChoice `xml:"source"`
	}
	if err := xml.Unmarshal(req.payload, &op); err != nil {
		return result{}, &Error{Tag: "malformed-message", Type: "rpc", Message: fmt.Sprintf("parse operation: %v", err)}
	}
	ds, ok := op.Source.name()
	if !ok {
		return result{}, &Error{Tag: "invalid-value", Type: "protocol", Message: "no source datastore named"}
	}
	store, release, herr := d.sessionFor(ctx, req, ds)
	if herr != nil {
		return result{}, herr
	}
	defer release()
	if _, _, err := store.Get(ctx); err != nil {
		return result{}, storeError("validate", err)
	}
	return result{}, nil
}

func (d *Dispatcher) handleCloseSession(context.Context, *request) (result, *Error) {
	return result{closeSession: true}, nil
}

func (d *Dispatcher) handleKillSession(_ context.Context, req *request) (result, *Error) {
	var op struct {
		XMLName   xml.Name `xml:"kill-session"`
		SessionID uint32   `xml:"session-id"`
	}
	if err := xml.Unmarshal(req.payload, &op); err != nil {
		return result{}, &Error{Tag: "malformed-message", Type: "rpc", Message: fmt.Sprintf("parse operation: %v", err)}
	}
	if op.SessionID == 0 {
		return result{}, &Error{Tag: "missing-element", Type: "protocol", Message: "kill-session carries no session-id"}
	}
	if op.SessionID == req.binding.Transport().ID() {
		return result{}, &Error{Tag: "invalid-value", Type: "protocol", Message: "a session cannot kill itself"}
	}
	victim, ok := d.registry.Lookup(op.SessionID)
	if !ok {
		return result{}, &Error{Tag: "invalid-value", Type: "protocol", Message: fmt.Sprintf("no session %d", op.SessionID)}
	}
	victim.Unbind()
	return result{}, nil
}

// requireUnlockedOrOwned rejects writes against a datastore locked by
// another session.
func (d *Dispatcher) requireUnlockedOrOwned(ds datastore.Name, req *request) *Error {
	holder, held := d.locks.Holder(ds)
	if held && holder != req.binding.Transport().ID() {
		d.onLockDenied()
		return &Error{
			Tag:             "lock-denied",
			Type:            "protocol",
			Message:         fmt.Sprintf("datastore %s is locked", ds),
			HolderSessionID: holder,
		}
	}
	return nil
}

// sessionFor returns the store session serving ds for this request. The
// binding's long-lived session covers running; other datastores get a
// request-scoped session.
func (d *Dispatcher) sessionFor(ctx context.Context, req *request, ds datastore.Name) (datastore.Session, func(), *Error) {
	if ds == datastore.Running {
		return req.binding.Store(), func() {}, nil
	}
	store, err := d.store.OpenSession(ctx, req.binding.Transport().Identity(), ds)
	if err != nil {
		return nil, nil, storeError("open store session", err)
	}
	return store, func() { _ = store.Close() }, nil
}

func storeError(op string, err error) *Error {
	tag := "operation-failed"
	if errors.Is(err, datastore.ErrConflict) {
		tag = "in-use"
	}
	return &Error{Tag: tag, Message: fmt.Sprintf("%s: %v", op, err)}
}

// Package osmsg implements the transport message envelope: the JSON-framed
// unit of transfer exchanged over the bus (see the transport specification,
// Transport Message).
package osmsg

import (
	"encoding/json"

	"github.com/berick/opensrf-go/oserr"
)

// Envelope is the wire format for every message passed between peers.
// Unset optional fields marshal as JSON null, and extra unrecognized keys on
// decode are tolerated for forward compatibility.
type Envelope struct {
	Recipient     string          `json:"recipient"`
	Sender        string          `json:"sender"`
	Thread        string          `json:"thread"`
	Body          json.RawMessage `json:"body"`
	RouterCommand *string         `json:"router_command"`
	RouterClass   *string         `json:"router_class"`
	RouterReply   *string         `json:"router_reply"`
	OsrfXID       *string         `json:"osrf_xid"`

	senderSet bool
}

// Encode serializes m to its wire JSON form.
func Encode(m *Envelope) ([]byte, error) {
	return json.Marshal(m)
}

// wireEnvelope mirrors Envelope's JSON shape but lets Decode tell a missing
// "recipient"/"thread" key apart from an explicit empty string, since a
// required field that is merely "" is still well-formed.
type wireEnvelope struct {
	Recipient     *string         `json:"recipient"`
	Sender        *string         `json:"sender"`
	Thread        *string         `json:"thread"`
	Body          json.RawMessage `json:"body"`
	RouterCommand *string         `json:"router_command"`
	RouterClass   *string         `json:"router_class"`
	RouterReply   *string         `json:"router_reply"`
	OsrfXID       *string         `json:"osrf_xid"`
}

// Decode parses the wire JSON form of an envelope. It fails with
// oserr.MalformedEnvelope when recipient or thread is missing, per the
// external-interface contract: consumers must reject messages missing
// either field.
func Decode(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, oserr.New(oserr.KindMalformedEnvelope, "invalid JSON", err)
	}
	if w.Recipient == nil {
		return nil, oserr.New(oserr.KindMalformedEnvelope, "missing recipient", nil)
	}
	if w.Thread == nil {
		return nil, oserr.New(oserr.KindMalformedEnvelope, "missing thread", nil)
	}

	m := &Envelope{
		Recipient:     *w.Recipient,
		Thread:        *w.Thread,
		Body:          w.Body,
		RouterCommand: w.RouterCommand,
		RouterClass:   w.RouterClass,
		RouterReply:   w.RouterReply,
		OsrfXID:       w.OsrfXID,
	}
	if w.Sender != nil {
		m.Sender = *w.Sender
		m.senderSet = m.Sender != ""
	}
	return m, nil
}

// SetSender stamps the envelope's sender address. Per the envelope
// invariant, the envelope becomes immutable with respect to Sender once
// stamped — a second call fails with oserr.NotReady. Callers never invoke
// this directly; ostransport.Client.Send calls it immediately before
// serialization.
func (m *Envelope) SetSender(addr string) error {
	if m.senderSet {
		return oserr.New(oserr.KindNotReady, "sender already stamped", nil)
	}
	m.Sender = addr
	m.senderSet = true
	return nil
}

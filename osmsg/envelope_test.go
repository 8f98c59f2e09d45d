package osmsg

import (
	"encoding/json"
	"testing"
)

func strp(s string) *string { return &s }

func TestEnvelopeRoundTrip(t *testing.T) {
	cases := []*Envelope{
		{Recipient: "opensrf:client:d:h:7:abc12345", Thread: "t1", Body: json.RawMessage(`"ping"`)},
		{
			Recipient:     "opensrf:service:math",
			Sender:        "opensrf:client:d:h:8:def67890",
			Thread:        "t2",
			Body:          json.RawMessage(`{"a":1}`),
			RouterCommand: strp("recurse"),
			OsrfXID:       strp("xid-1"),
			senderSet:     true,
		},
	}

	for _, m := range cases {
		enc, err := Encode(m)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		dec, err := Decode(enc)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if dec.Recipient != m.Recipient || dec.Sender != m.Sender || dec.Thread != m.Thread {
			t.Fatalf("round trip mismatch: got %+v, want %+v", dec, m)
		}
		if string(dec.Body) != string(m.Body) {
			t.Fatalf("body mismatch: got %s, want %s", dec.Body, m.Body)
		}
	}
}

func TestDecodeMissingRecipient(t *testing.T) {
	_, err := Decode([]byte(`{"thread":"t1"}`))
	if err == nil {
		t.Fatal("expected error for missing recipient")
	}
}

func TestDecodeMissingThread(t *testing.T) {
	_, err := Decode([]byte(`{"recipient":"opensrf:service:math"}`))
	if err == nil {
		t.Fatal("expected error for missing thread")
	}
}

func TestDecodeToleratesExtraKeys(t *testing.T) {
	m, err := Decode([]byte(`{"recipient":"opensrf:service:math","thread":"t1","extra_future_field":42}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if m.Thread != "t1" {
		t.Fatalf("unexpected thread: %q", m.Thread)
	}
}

func TestSetSenderOnce(t *testing.T) {
	m := &Envelope{Recipient: "opensrf:service:math", Thread: "t1"}
	if err := m.SetSender("opensrf:client:d:h:1:aaaaaaaa"); err != nil {
		t.Fatalf("first SetSender: %v", err)
	}
	if err := m.SetSender("opensrf:client:d:h:2:bbbbbbbb"); err == nil {
		t.Fatal("expected second SetSender to fail")
	}
}

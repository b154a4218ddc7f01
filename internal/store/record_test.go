package store

import (
	"errors"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	amount := 1200.5
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := &Record{
		ID: "EMAIL_42",
		Meta: Meta{
			Type:     "email",
			Priority: "high",
			Created:  created,
			Amount:   &amount,
			Extra:    map[string]string{"from": "ceo@example.com"},
		},
		Body: []byte("# Subject\n\nPlease pay the invoice.\n"),
	}

	data, err := Encode(rec)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode("EMAIL_42", data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Meta.Type != "email" || got.Meta.Priority != "high" {
		t.Errorf("meta mismatch: %+v", got.Meta)
	}
	if !got.Meta.Created.Equal(created) {
		t.Errorf("created = %v, want %v", got.Meta.Created, created)
	}
	if got.Meta.Amount == nil || *got.Meta.Amount != amount {
		t.Errorf("amount = %v", got.Meta.Amount)
	}
	if got.Meta.Extra["from"] != "ceo@example.com" {
		t.Errorf("extra lost: %v", got.Meta.Extra)
	}
	if string(got.Body) != string(rec.Body) {
		t.Errorf("body = %q, want %q", got.Body, rec.Body)
	}
}

func TestDecodeHandWrittenNote(t *testing.T) {
	note := "---\ntype: whatsapp\npriority: urgent\ncreated: 2026-01-02T15:04:05Z\nfrom: alice\n---\n\nHi, can you send the invoice?\n"
	rec, err := Decode("WA_1", []byte(note))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if rec.Meta.Type != "whatsapp" || rec.Meta.Extra["from"] != "alice" {
		t.Errorf("unexpected meta: %+v", rec.Meta)
	}
	if string(rec.Body) != "\nHi, can you send the invoice?\n" {
		t.Errorf("body = %q", rec.Body)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string]string{
		"no front-matter": "just text",
		"unterminated":    "---\ntype: email\n",
		"missing type":    "---\npriority: high\n---\nbody",
		"bad yaml":        "---\ntype: [unclosed\n---\nbody",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode("x", []byte(data)); !errors.Is(err, ErrMalformed) {
				t.Fatalf("want ErrMalformed, got %v", err)
			}
		})
	}
}

func TestCollectionOwner(t *testing.T) {
	if owner, ok := Claimed("cloud").Owner(); !ok || owner != "cloud" {
		t.Fatalf("owner = %q, %v", owner, ok)
	}
	if _, ok := Backlog.Owner(); ok {
		t.Fatal("backlog has no owner")
	}
}

package models

import (
	"testing"
	"time"
)

func TestDeviceMLSDIDRoundTrip(t *testing.T) {
	dmid := DeviceMLSDID("did:plc:abc123", "9f2c1c9e-0b1a-4a7e-9d4e-6f2a1b3c4d5e")
	user, device, err := SplitDeviceMLSDID(dmid)
	if err != nil {
		t.Fatalf("split error: %v", err)
	}
	if user != "did:plc:abc123" {
		t.Errorf("user = %q", user)
	}
	if device != "9f2c1c9e-0b1a-4a7e-9d4e-6f2a1b3c4d5e" {
		t.Errorf("device = %q", device)
	}
}

func TestSplitDeviceMLSDIDMalformed(t *testing.T) {
	for _, in := range []string{"", "did:plc:abc", "#dev", "did:plc:abc#"} {
		if _, _, err := SplitDeviceMLSDID(in); err == nil {
			t.Errorf("SplitDeviceMLSDID(%q) should fail", in)
		}
	}
}

func TestSplitDeviceMLSDIDUsesLastHash(t *testing.T) {
	// DID methods may themselves contain '#'-free colons but a key fragment
	// in the user part must not confuse the device split.
	user, device, err := SplitDeviceMLSDID("did:web:ex.am#frag#dev1")
	if err != nil {
		t.Fatalf("split error: %v", err)
	}
	if user != "did:web:ex.am#frag" || device != "dev1" {
		t.Errorf("got (%q, %q)", user, device)
	}
}

func TestQuantizeReceivedAt(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 1, 500_000_000, time.UTC)
	got := QuantizeReceivedAt(base, 2*time.Second)
	want := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("quantized = %v, want %v", got, want)
	}

	// Zero bucket leaves the timestamp untouched.
	if got := QuantizeReceivedAt(base, 0); !got.Equal(base) {
		t.Errorf("zero bucket changed time: %v", got)
	}
}

func TestMemberActive(t *testing.T) {
	m := Member{}
	if !m.Active() {
		t.Error("member with nil left_at should be active")
	}
	now := time.Now()
	m.LeftAt = &now
	if m.Active() {
		t.Error("member with left_at should be inactive")
	}
}

func TestULIDOrdering(t *testing.T) {
	a := NewULIDWithTime(time.Unix(100, 0))
	b := NewULIDWithTime(time.Unix(200, 0))
	if !(a.String() < b.String()) {
		t.Errorf("ULID string order should follow time order: %s >= %s", a, b)
	}
}

func TestULIDScanValue(t *testing.T) {
	id := NewULID()
	v, err := id.Value()
	if err != nil {
		t.Fatalf("value error: %v", err)
	}
	var out ULID
	if err := out.Scan(v); err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if out.String() != id.String() {
		t.Errorf("round trip = %s, want %s", out, id)
	}

	var zero ULID
	if err := zero.Scan(nil); err != nil {
		t.Fatalf("scan nil: %v", err)
	}
	if !zero.IsZero() {
		t.Error("scan nil should produce zero ULID")
	}
}

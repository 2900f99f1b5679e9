package models

import (
	"encoding/json"
	"testing"
)

func TestStatusRejectsUnknownValues(t *testing.T) {
	var s Status
	if err := json.Unmarshal([]byte(`"up"`), &s); err == nil {
		t.Fatalf("expected error for unknown status")
	}
	if err := json.Unmarshal([]byte(`"ONLINE"`), &s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s != StatusOnline {
		t.Fatalf("expected online, got %q", s)
	}
	if _, err := json.Marshal(Status("flapping")); err == nil {
		t.Fatalf("expected marshal error for status outside taxonomy")
	}
}

func TestSessionRecordMismatch(t *testing.T) {
	cases := []struct {
		name     string
		rec      SessionRecord
		mismatch bool
	}{
		{"same address", NewSessionRecord("10.0.0.5", "10.0.0.5", "", ""), false},
		{"other address", NewSessionRecord("10.0.0.5", "10.0.0.9", "", ""), true},
		{"unknown address", NewSessionRecord("10.0.0.5", "", "", ""), true},
		{"inactive", InactiveSession("10.0.0.5"), false},
	}
	for _, tc := range cases {
		if tc.rec.IPMismatch != tc.mismatch {
			t.Errorf("%s: mismatch=%v, want %v", tc.name, tc.rec.IPMismatch, tc.mismatch)
		}
		if tc.rec.IPMismatch && !tc.rec.Active {
			t.Errorf("%s: mismatch on inactive session", tc.name)
		}
	}
	inactive := InactiveSession("10.0.0.5")
	if inactive.SessionIP != nil {
		t.Fatalf("inactive session must not carry an address")
	}
}

func TestBestUptimePrefersSession(t *testing.T) {
	ifaceUp := "1h 2m"
	sess := NewSessionRecord("10.0.0.5", "10.0.0.5", "", "3h4m5s")
	v := Verdict{SessionInfo: &sess, ConnectionInfo: &InterfaceSnapshot{Uptime: &ifaceUp}}
	if got, _ := v.BestUptime(); got != "3h4m5s" {
		t.Fatalf("expected session uptime, got %q", got)
	}
	v.SessionInfo = nil
	if got, _ := v.BestUptime(); got != ifaceUp {
		t.Fatalf("expected interface uptime, got %q", got)
	}
	v.ConnectionInfo = nil
	if _, ok := v.BestUptime(); ok {
		t.Fatalf("expected unknown uptime")
	}
}

func TestTicketMonitorable(t *testing.T) {
	if (Ticket{ClientIP: "10.0.0.5"}).Monitorable() {
		t.Fatalf("ticket without router must not be monitorable")
	}
	if (Ticket{RouterAddress: " ", ClientIP: "10.0.0.5"}).Monitorable() {
		t.Fatalf("blank router must not be monitorable")
	}
	if !(Ticket{RouterAddress: "192.0.2.1", ClientIP: "10.0.0.5"}).Monitorable() {
		t.Fatalf("expected monitorable ticket")
	}
}

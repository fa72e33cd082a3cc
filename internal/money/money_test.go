package money

import (
	"encoding/json"
	"testing"
)

func TestCents_String(t *testing.T) {
	tests := []struct {
		cents Cents
		want  string
	}{
		{0, "0.00"},
		{5, "0.05"},
		{90, "0.90"},
		{100, "1.00"},
		{1990, "19.90"},
		{30000, "300.00"},
		{16000, "160.00"},
		{-2500, "-25.00"},
	}
	for _, tt := range tests {
		if got := tt.cents.String(); got != tt.want {
			t.Errorf("Cents(%d).String() = %q, want %q", tt.cents, got, tt.want)
		}
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Cents
		wantErr bool
	}{
		{"160", 16000, false},
		{"19.90", 1990, false},
		{"19.9", 1990, false},
		{"0.05", 5, false},
		{".50", 50, false},
		{"-25.00", -2500, false},
		{"  300.00  ", 30000, false},
		{"", 0, true},
		{"abc", 0, true},
		{"19.905", 0, true},
		{"19.x", 0, true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Parse(%q) expected error, got %d", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q) unexpected error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Parse(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParse_RoundTrip(t *testing.T) {
	for _, c := range []Cents{0, 1, 99, 100, 1990, 590000, -1234} {
		got, err := Parse(c.String())
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", c.String(), err)
		}
		if got != c {
			t.Errorf("round trip %d -> %q -> %d", c, c.String(), got)
		}
	}
}

func TestCents_DivRound(t *testing.T) {
	tests := []struct {
		cents Cents
		n     int64
		want  Cents
	}{
		{30000, 12, 2500}, // exact
		{5900, 12, 492},   // 491.67 rounds up
		{1900, 12, 158},   // 158.33 rounds down
		{162000, 12, 13500},
		{100, 0, 0},
	}
	for _, tt := range tests {
		if got := tt.cents.DivRound(tt.n); got != tt.want {
			t.Errorf("Cents(%d).DivRound(%d) = %d, want %d", tt.cents, tt.n, got, tt.want)
		}
	}
}

func TestCents_JSON(t *testing.T) {
	type payload struct {
		Amount Cents `json:"amount"`
	}
	out, err := json.Marshal(payload{Amount: 2500})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(out) != `{"amount":"25.00"}` {
		t.Errorf("Marshal = %s, want {\"amount\":\"25.00\"}", out)
	}

	var in payload
	if err := json.Unmarshal([]byte(`{"amount":"19.90"}`), &in); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if in.Amount != 1990 {
		t.Errorf("Unmarshal amount = %d, want 1990", in.Amount)
	}

	if err := json.Unmarshal([]byte(`{"amount":"nope"}`), &in); err == nil {
		t.Error("expected error for malformed amount")
	}
}

package index

import (
	"testing"
	"time"
)

func TestParseTimeInteger(t *testing.T) {
	got, err := ParseTime("12345")
	if err != nil {
		t.Fatal(err)
	}
	if got != 12345 {
		t.Errorf("got %d, want 12345", got)
	}
}

func TestParseTimeRFC3339ish(t *testing.T) {
	got, err := ParseTime("2021-06-01T12:00:00:00000Z")
	if err != nil {
		t.Fatal(err)
	}
	ref, err := time.Parse(time.RFC3339, "2021-06-01T12:00:00Z")
	if err != nil {
		t.Fatal(err)
	}
	want := FromTime(ref)
	if got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestDurationString(t *testing.T) {
	cases := []struct {
		d    Duration
		want string
	}{
		{0, "0 seconds"},
		{Duration(UnitsPerSecond), "1 second"},
		{Duration(2 * UnitsPerSecond), "2 seconds"},
		{Duration(90 * UnitsPerSecond), "1 minute 30 seconds"},
	}
	for _, c := range cases {
		if got := c.d.String(); got != c.want {
			t.Errorf("Duration(%d).String() = %q, want %q", c.d, got, c.want)
		}
	}
}

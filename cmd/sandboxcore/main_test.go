package main

import (
	"testing"

	"github.com/sandboxcore/sandboxcore/internal/nsisolation"
)

func TestDeriveMetricsAddr(t *testing.T) {
	cases := []struct {
		base   string
		offset int
		want   string
	}{
		{"127.0.0.1:9091", 1, "127.0.0.1:9092"},
		{"127.0.0.1:9091", 2, "127.0.0.1:9093"},
		{"", 1, ""},
		{"not-a-host-port", 1, ""},
	}
	for _, c := range cases {
		if got := deriveMetricsAddr(c.base, c.offset); got != c.want {
			t.Errorf("deriveMetricsAddr(%q, %d) = %q, want %q", c.base, c.offset, got, c.want)
		}
	}
}

func TestParseNetworkMode(t *testing.T) {
	cases := []struct {
		in      string
		want    nsisolation.NetworkMode
		wantErr bool
	}{
		{"simple", nsisolation.ModeSimple, false},
		{"with-redirector", nsisolation.ModeWithRedirector, false},
		{"", nsisolation.ModeWithRedirector, false},
		{"bogus", 0, true},
	}
	for _, c := range cases {
		got, err := parseNetworkMode(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("parseNetworkMode(%q) = nil error, want one", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseNetworkMode(%q) = %v, want nil", c.in, err)
		}
		if got != c.want {
			t.Errorf("parseNetworkMode(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

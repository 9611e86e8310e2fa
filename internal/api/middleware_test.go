package api

import (
	"testing"
	"time"
)

func TestShortID(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "-"},
		{"abc", "abc"},
		{"0123456789abcdef", "01234567"},
	}
	for _, c := range cases {
		if got := shortID(c.in); got != c.want {
			t.Errorf("shortID(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestClientLimitersPerIP(t *testing.T) {
	l := newClientLimiters(1, 2)

	// Each IP burns its own burst.
	for i := 0; i < 2; i++ {
		if !l.allow("10.0.0.1") {
			t.Fatalf("request %d for 10.0.0.1 denied inside burst", i)
		}
	}
	if l.allow("10.0.0.1") {
		t.Error("10.0.0.1 allowed past its burst")
	}
	if !l.allow("10.0.0.2") {
		t.Error("10.0.0.2 throttled by 10.0.0.1's bucket")
	}
}

func TestClientLimitersSweepResets(t *testing.T) {
	l := newClientLimiters(1, 1)
	if !l.allow("10.0.0.1") {
		t.Fatal("first request denied")
	}
	if l.allow("10.0.0.1") {
		t.Fatal("burst of 1 not enforced")
	}
	l.sweepAt = time.Now().Add(-time.Second)
	if !l.allow("10.0.0.1") {
		t.Error("bucket not re-issued after sweep")
	}
}

func TestParseTokenValidation(t *testing.T) {
	const secret = "test-secret"
	token, err := generateToken("user-1", secret, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("generateToken: %v", err)
	}

	uid, err := parseToken(token, secret)
	if err != nil || uid != "user-1" {
		t.Fatalf("parseToken = (%q, %v), want user-1", uid, err)
	}

	if _, err := parseToken(token, "other-secret"); err == nil {
		t.Error("token accepted under the wrong secret")
	}

	expired, err := generateToken("user-1", secret, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("generateToken: %v", err)
	}
	if _, err := parseToken(expired, secret); err == nil {
		t.Error("expired token accepted")
	}
}

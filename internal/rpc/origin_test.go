package rpc

import "testing"

func TestOriginAllowList(t *testing.T) {
	v := NewOriginValidator("https://vynos.example", "https://Host.Example/")

	if !v.Allowed("https://vynos.example") {
		t.Fatal("listed origin must be allowed")
	}
	if !v.Allowed("HTTPS://HOST.EXAMPLE") {
		t.Fatal("origin matching is case-insensitive")
	}
	if v.Allowed("https://evil.example") {
		t.Fatal("unlisted origin must be rejected")
	}
	if v.Allowed("") {
		t.Fatal("empty origin must be rejected")
	}
}

func TestOriginWildcard(t *testing.T) {
	v := NewOriginValidator("*")
	if !v.Allowed("https://anything.example") {
		t.Fatal("wildcard must allow any origin")
	}
}

func TestEmptyValidatorDeniesAll(t *testing.T) {
	v := NewOriginValidator()
	if v.Allowed("https://vynos.example") {
		t.Fatal("empty allow-list must deny")
	}
}

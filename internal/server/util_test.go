package server

import "testing"

func TestIsSafeName(t *testing.T) {
	cases := map[string]bool{
		"backend":     true,
		"web-1":       true,
		"api_v2.blue": true,
		"":            false,
		"..":          false,
		"a..b":        false,
		"a/b":         false,
		"a b":         false,
		"name$":       false,
	}
	for in, want := range cases {
		if got := isSafeName(in); got != want {
			t.Errorf("isSafeName(%q) = %v, want %v", in, got, want)
		}
	}
}

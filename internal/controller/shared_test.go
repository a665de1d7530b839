package controller

import (
	"net/http"
	"testing"

	"github.com/mobile-inventory/inventory-cache/internal/cache"
)

func TestStorable(t *testing.T) {
	cases := []struct {
		name   string
		reqHdr map[string]string
		status int
		resHdr map[string]string
		want   bool
	}{
		{name: "plain 200", status: http.StatusOK, want: true},
		{name: "set-cookie only", status: http.StatusOK, resHdr: map[string]string{"Set-Cookie": "csrftoken=x"}, want: true},
		{name: "not found", status: http.StatusNotFound, want: false},
		{name: "request cookie", reqHdr: map[string]string{"Cookie": "sessionid=alice"}, status: http.StatusOK, want: false},
		{name: "authorization", reqHdr: map[string]string{"Authorization": "Bearer t"}, status: http.StatusOK, want: false},
		{name: "private", status: http.StatusOK, resHdr: map[string]string{"Cache-Control": "max-age=0, Private"}, want: false},
		{name: "no-store", status: http.StatusOK, resHdr: map[string]string{"Cache-Control": "no-store"}, want: false},
		{name: "no-cache is fine", status: http.StatusOK, resHdr: map[string]string{"Cache-Control": "no-cache"}, want: true},
		{name: "vary star", status: http.StatusOK, resHdr: map[string]string{"Vary": "*"}, want: false},
		{name: "vary cookie", status: http.StatusOK, resHdr: map[string]string{"Vary": "Accept, cookie"}, want: false},
		{name: "vary accept", status: http.StatusOK, resHdr: map[string]string{"Vary": "Accept-Encoding"}, want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := NewRequest(http.MethodGet, "/products/stock/")
			for k, v := range tc.reqHdr {
				req.Header.Set(k, v)
			}
			resp := &cache.Response{Status: tc.status, Header: http.Header{}}
			for k, v := range tc.resHdr {
				resp.Header.Set(k, v)
			}
			if got := storable(req, resp); got != tc.want {
				t.Fatalf("storable = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestSharedCopyDropsCookies(t *testing.T) {
	resp := &cache.Response{Status: http.StatusOK, Header: http.Header{}, Body: []byte("ok")}
	resp.Header.Add("Set-Cookie", "sessionid=alice")
	resp.Header.Add("Set-Cookie", "csrftoken=x")
	resp.Header.Set("Set-Cookie2", "legacy=1")
	resp.Header.Set("Content-Type", "text/html")

	copied := sharedCopy(resp)
	if copied.Header.Get("Set-Cookie") != "" || copied.Header.Get("Set-Cookie2") != "" {
		t.Fatalf("cookies should be dropped: %v", copied.Header)
	}
	if copied.Header.Get("Content-Type") != "text/html" || string(copied.Body) != "ok" {
		t.Fatalf("other fields should survive: %+v", copied)
	}
	if len(resp.Header.Values("Set-Cookie")) != 2 {
		t.Fatalf("original response must not be modified")
	}
}

func TestFlightKeySeparatesCredentials(t *testing.T) {
	anonymous := NewRequest(http.MethodGet, "/products/stock/")
	alice := NewRequest(http.MethodGet, "/products/stock/")
	alice.Header.Set("Cookie", "sessionid=alice")
	aliceAgain := NewRequest(http.MethodGet, "/products/stock/#top")
	aliceAgain.Header.Set("Cookie", "sessionid=alice")
	bob := NewRequest(http.MethodGet, "/products/stock/")
	bob.Header.Set("Cookie", "sessionid=bob")

	if flightKey(anonymous) != anonymous.Key().String() {
		t.Fatalf("anonymous requests should use the plain key, got %q", flightKey(anonymous))
	}
	if flightKey(alice) != flightKey(aliceAgain) {
		t.Fatalf("same credentials should share a flight")
	}
	if flightKey(alice) == flightKey(bob) || flightKey(alice) == flightKey(anonymous) {
		t.Fatalf("different credentials must not share a flight")
	}
}

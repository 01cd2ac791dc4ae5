package proxy

import (
	"strings"
	"testing"

	"github.com/rstudio/rstudio-sub009/internal/urlports"
)

func TestRewriteRedirectTargetAbsoluteLoopback(t *testing.T) {
	token := "1111222233334444"
	got := rewriteRedirectTarget("http://127.0.0.1:8787/login?next=%2F", token, "/p/deadbeef", false)
	want := mountPrefix(token, 8787, false) + "/login?next=%2F"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRewriteRedirectTargetLocalhostName(t *testing.T) {
	token := "1111222233334444"
	got := rewriteRedirectTarget("http://localhost:3000/", token, "/p/deadbeef", false)
	if !strings.HasPrefix(got, "/p/") {
		t.Fatalf("got %q", got)
	}
	if strings.Contains(got, "localhost") {
		t.Fatalf("loopback host leaked: %q", got)
	}
}

func TestRewriteRedirectTargetRootRelative(t *testing.T) {
	got := rewriteRedirectTarget("/dashboard", "tok", "/p/deadbeef", false)
	if got != "/p/deadbeef/dashboard" {
		t.Fatalf("got %q", got)
	}
}

func TestRewriteRedirectTargetAlreadyMounted(t *testing.T) {
	got := rewriteRedirectTarget("/p/deadbeef/dashboard", "tok", "/p/deadbeef", false)
	if got != "/p/deadbeef/dashboard" {
		t.Fatalf("got %q", got)
	}
}

func TestRewriteRedirectTargetForeignHostUntouched(t *testing.T) {
	const target = "https://example.com/callback"
	if got := rewriteRedirectTarget(target, "tok", "/p/deadbeef", false); got != target {
		t.Fatalf("got %q", got)
	}
}

func TestRewriteRedirectTargetIPv6Route(t *testing.T) {
	token := "1111222233334444"
	got := rewriteRedirectTarget("http://[::1]:9000/", token, "/p6/abc", true)
	if !strings.HasPrefix(got, "/p6/") {
		t.Fatalf("got %q", got)
	}
}

func TestRewriteRefresh(t *testing.T) {
	got := rewriteRefresh("5; url=http://127.0.0.1:8080/done", "1111222233334444", "/p/deadbeef", false)
	want := "5; url=" + mountPrefix("1111222233334444", 8080, false) + "/done"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestRewriteRefreshWithoutURLUntouched(t *testing.T) {
	if got := rewriteRefresh("30", "tok", "/p/x", false); got != "30" {
		t.Fatalf("got %q", got)
	}
}

func TestNeedsAssetRewrite(t *testing.T) {
	cases := []struct {
		body string
		want bool
	}{
		{`<script src="/static/main.js"></script>`, true},
		{`<link href="/assets/site.css">`, true},
		{`<head><base href="/"></head>`, true},
		{`<script src="static/main.js"></script>`, false},
		{`<p>plain page</p>`, false},
	}
	for _, c := range cases {
		if got := needsAssetRewrite([]byte(c.body)); got != c.want {
			t.Errorf("needsAssetRewrite(%q) = %v", c.body, got)
		}
	}
}

func TestRewriteHTMLAssets(t *testing.T) {
	in := `<a href="/page"><img src="/static/x.png"><form action="/submit">`
	out := string(rewriteHTMLAssets([]byte(in), "/p/deadbeef/"))
	for _, want := range []string{
		`href="/p/deadbeef/page"`,
		`src="/p/deadbeef/static/x.png"`,
		`action="/p/deadbeef/submit"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in %q", want, out)
		}
	}
}

func TestMountPrefixRoundTrip(t *testing.T) {
	token, err := urlports.NewToken()
	if err != nil {
		t.Fatal(err)
	}
	mount := mountPrefix(token, 4321, false)
	id := strings.TrimPrefix(mount, "/p/")
	port, serverRoute := urlports.Unscramble(token, id)
	if port != 4321 || serverRoute {
		t.Fatalf("round trip gave port %d serverRoute %v", port, serverRoute)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		path string
		want RequestType
	}{
		{"/p/deadbeef/index.html", Localhost},
		{"/p6/deadbeef0/", Localhost},
		{"/events/get_events", Events},
		{"/rpc/client_init", ClientInit},
		{"/rpc/console_input", RPC},
		{"/upload", Upload},
		{"/workspace", Content},
		{"/", Content},
	}
	for _, c := range cases {
		if got := Classify(c.path); got != c.want {
			t.Errorf("Classify(%q) = %v, want %v", c.path, got, c.want)
		}
	}
}

package proxy

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rstudio/rstudio-sub009/internal/urlports"
)

// localURLPattern matches absolute URLs pointing back at the proxied app's
// own address. Redirects to these must be rewritten or the browser would try
// to reach the session host's loopback directly.
var localURLPattern = regexp.MustCompile(`https?://(localhost|127\.0\.0\.1|\[::1\])(:(\d+))?`)

// assetSignatures identify embedded-app HTML known to hard-code root-relative
// asset paths that break under sub-path mounting.
var assetSignatures = [][]byte{
	[]byte(`src="/static/`),
	[]byte(`href="/static/`),
	[]byte(`src="/assets/`),
	[]byte(`href="/assets/`),
	[]byte(`<base href="/">`),
}

// mountPrefix builds the externally visible prefix for a published port. The
// client reaches numeric-port mounts under /p/ and ipv6-style mounts under
// /p6/.
func mountPrefix(token string, port int, ipv6Route bool) string {
	id := urlports.Scramble(token, port, ipv6Route)
	if ipv6Route {
		return "/p6/" + id
	}
	return "/p/" + id
}

// rewriteRedirectTarget rewrites one Location or Refresh value so loopback
// redirects land back inside the mount. Absolute loopback URLs have their
// scheme://host:port replaced by the scrambled mount prefix for that port;
// root-relative targets are re-anchored under the current mount.
func rewriteRedirectTarget(value, token, currentMount string, ipv6Route bool) string {
	if value == "" {
		return value
	}
	rewritten := localURLPattern.ReplaceAllStringFunc(value, func(match string) string {
		sub := localURLPattern.FindStringSubmatch(match)
		port := 80
		if sub[3] != "" {
			if p, err := strconv.Atoi(sub[3]); err == nil {
				port = p
			}
		}
		return mountPrefix(token, port, ipv6Route)
	})
	if rewritten != value {
		return rewritten
	}
	if strings.HasPrefix(value, "/") && currentMount != "" && !strings.HasPrefix(value, currentMount) {
		return strings.TrimSuffix(currentMount, "/") + value
	}
	return value
}

// rewriteRefresh handles the "seconds; url=..." form of the Refresh header.
func rewriteRefresh(value, token, currentMount string, ipv6Route bool) string {
	idx := strings.Index(strings.ToLower(value), "url=")
	if idx < 0 {
		return value
	}
	head, target := value[:idx+4], value[idx+4:]
	return head + rewriteRedirectTarget(target, token, currentMount, ipv6Route)
}

// needsAssetRewrite reports whether the HTML body carries one of the known
// hard-coded-absolute-path signatures.
func needsAssetRewrite(body []byte) bool {
	for _, sig := range assetSignatures {
		if bytes.Contains(body, sig) {
			return true
		}
	}
	return false
}

// rewriteHTMLAssets re-anchors root-relative src/href attributes under the
// mount prefix so the app's assets resolve at the proxied depth.
func rewriteHTMLAssets(body []byte, currentMount string) []byte {
	mount := strings.TrimSuffix(currentMount, "/")
	for _, attr := range []string{"src", "href", "action"} {
		old := []byte(fmt.Sprintf(`%s="/`, attr))
		replacement := []byte(fmt.Sprintf(`%s="%s/`, attr, mount))
		body = bytes.ReplaceAll(body, old, replacement)
	}
	return body
}

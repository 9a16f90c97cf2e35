package obs

import "strings"

// CanonicalPath collapses resource identifiers out of a request path so
// metric labels stay low-cardinality. Unknown paths pass through as-is.
func CanonicalPath(p string) string {
	if p == "" {
		return "/"
	}
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	if len(parts) < 3 || parts[0] != "v1" {
		return p
	}
	switch parts[1] {
	case "wallets", "collections", "passes":
	default:
		return p
	}
	switch len(parts) {
	case 3:
		return "/v1/" + parts[1] + "/:address"
	case 4:
		switch parts[3] {
		case "balance", "purchase", "revoke":
			return "/v1/" + parts[1] + "/:address/" + parts[3]
		}
	}
	return p
}

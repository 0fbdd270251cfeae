package session

import "strings"

// Decision is the route gate's verdict for a navigation target.
type Decision int

const (
	// DecisionDefer means the session is still resolving; render an interim
	// "verifying" state and make no redirect yet.
	DecisionDefer Decision = iota
	// DecisionAllow renders the requested page.
	DecisionAllow
	// DecisionRedirectLogin sends an unauthenticated user to the login page.
	DecisionRedirectLogin
	// DecisionRedirectDashboard sends an authenticated user away from
	// auth-only pages to the protected landing page.
	DecisionRedirectDashboard
)

// Route constants for the gate.
const (
	ProtectedPrefix = "/dashboard"
	LoginPath       = "/login"
	RegisterPath    = "/register"
	LandingPath     = "/dashboard"
)

func (d Decision) String() string {
	switch d {
	case DecisionDefer:
		return "defer"
	case DecisionAllow:
		return "allow"
	case DecisionRedirectLogin:
		return "redirect-login"
	case DecisionRedirectDashboard:
		return "redirect-dashboard"
	default:
		return "unknown"
	}
}

// Evaluate decides whether a navigation target may render. Pure and
// idempotent: the same inputs always yield the same decision, so repeated
// evaluation never produces repeated navigation. Malformed pathnames match
// nothing and fall through to allow.
func Evaluate(isAuthenticated, isLoading bool, pathname string) Decision {
	switch {
	case isLoading:
		return DecisionDefer
	case !isAuthenticated && isProtected(pathname):
		return DecisionRedirectLogin
	case isAuthenticated && isAuthPage(pathname):
		return DecisionRedirectDashboard
	default:
		return DecisionAllow
	}
}

func isProtected(pathname string) bool {
	return pathname == ProtectedPrefix || strings.HasPrefix(pathname, ProtectedPrefix+"/")
}

func isAuthPage(pathname string) bool {
	return pathname == LoginPath || pathname == RegisterPath
}

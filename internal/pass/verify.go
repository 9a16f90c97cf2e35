package pass

// Verification reason strings. These are part of the caller contract:
// a lookup fault and a missing pass both come back Valid=false, and the
// reason text is the only way to tell them apart.
const (
	ReasonNotFound      = "pass not found"
	ReasonRevoked       = "pass revoked"
	ReasonExpired       = "pass expired"
	ReasonNotYetOpen    = "collection not yet available"
	ReasonNoActivePass  = "no active passes found"
	ReasonDanglingOwner = "pass collection record missing"
)

// Evaluate is the pure validity test shared by every backend: the pass
// must be active, unexpired at now (inclusive), and inside its parent
// collection's availability window. It never touches storage.
func Evaluate(p UserPass, c PassCollection, now int64) (bool, string) {
	if !p.IsActive {
		return false, ReasonRevoked
	}
	if now < c.CreatedAt {
		return false, ReasonNotYetOpen
	}
	if p.ExpiresAt != NoExpiry && now > p.ExpiresAt {
		return false, ReasonExpired
	}
	return true, ""
}

// Denied builds a failed verification with the given reason.
func Denied(reason string) Verification {
	return Verification{Valid: false, Reason: reason}
}

// LookupDenied degrades a storage fault to a denial, per the protocol's
// caller contract.
func LookupDenied(err error) Verification {
	return Verification{Valid: false, Reason: "lookup failed: " + err.Error()}
}

// Result runs Evaluate and packages the outcome with both entries so
// callers can render pass metadata either way.
func Result(p UserPass, c PassCollection, now int64) Verification {
	ok, reason := Evaluate(p, c, now)
	if !ok {
		return Verification{Valid: false, Reason: reason, Pass: &p, Collection: &c}
	}
	return Verification{Valid: true, Pass: &p, Collection: &c}
}

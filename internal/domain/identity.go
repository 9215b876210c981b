package domain

// CallerIdentity is the identity extracted from a verified peer
// certificate. Name is the certificate's common name; SANs carries the
// DNS names the certificate is additionally valid for.
type CallerIdentity struct {
	Name string
	SANs []string
}

// Covers reports whether the identity may act as the given service
// name, either via its common name or one of its SANs.
func (c CallerIdentity) Covers(serviceName string) bool {
	if serviceName == "" {
		return false
	}
	if c.Name == serviceName {
		return true
	}
	for _, san := range c.SANs {
		if san == serviceName {
			return true
		}
	}
	return false
}

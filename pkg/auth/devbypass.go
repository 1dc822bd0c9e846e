package auth

// DevIdentity fabricates the synthetic admin identity used by the
// development bypass. Callers must gate it on config.DevBypassAllowed;
// the bypass never falls through to token verification.
func DevIdentity() *Identity {
	return &Identity{
		Credential: CredentialOperator,
		Subject:    "dev-admin",
		TenantID:   "dev",
		Roles:      []string{"admin", "approver"},
	}
}

package metrics

import "testing"

func TestRegister_Idempotent(t *testing.T) {
	// Register is called from serve and from tests; repeated calls must not
	// panic on duplicate collectors.
	Register()
	Register()
}

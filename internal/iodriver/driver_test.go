package iodriver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func loopbackOnly(endpoint string) bool { return endpoint == "127.0.0.1:9000" }

func TestSecurityParamsRequiresOptInForRemote(t *testing.T) {
	p := SecurityParams{Endpoint: "10.0.0.5:9000"}
	require.Error(t, p.Validate(loopbackOnly))

	p.AllowInsecureRemote = true
	require.NoError(t, p.Validate(loopbackOnly))
}

func TestSecurityParamsLoopbackNeedsNoOptIn(t *testing.T) {
	p := SecurityParams{Endpoint: "127.0.0.1:9000"}
	require.NoError(t, p.Validate(loopbackOnly))
}

func TestSecurityParamsUsernamePasswordPaired(t *testing.T) {
	p := SecurityParams{Endpoint: "127.0.0.1:9000", Username: "op"}
	require.Error(t, p.Validate(loopbackOnly), "username without password must be rejected")

	p.Password = "secret"
	require.NoError(t, p.Validate(loopbackOnly))
}

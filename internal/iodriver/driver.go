// Package iodriver defines the I/O Driver Framework contract (C5): a
// capability-set interface drivers implement, plus the reconnect and
// security rules every external-transport driver must follow.
package iodriver

import (
	"context"
	"fmt"
)

// HealthState is the closed tri-state health report (§4.4).
type HealthState string

const (
	HealthOk       HealthState = "ok"
	HealthDegraded HealthState = "degraded"
	HealthFaulted  HealthState = "faulted"
)

// Health is a driver's current health, with a reason string for the two
// non-Ok states.
type Health struct {
	State  HealthState
	Reason string
}

// Driver is the capability set {read_inputs, write_outputs, health} of
// §4.4/§9: modelled as an interface, not implementation inheritance, the
// way the reference models HookTarget and IoDriver as tagged variants /
// capability sets rather than a class hierarchy.
//
// ReadInputs and WriteOutputs must be non-blocking and complete in bounded
// time independent of transport availability: a driver with no new data
// leaves buf untouched, and a disconnected driver may defer or drop writes,
// but neither call may block the scan cycle.
type Driver interface {
	ReadInputs(buf []byte) error
	WriteOutputs(buf []byte) error
	Health() Health
}

// ParamValidator is an optional capability: drivers whose parameters need
// structural validation beyond what their constructor already enforces
// implement this.
type ParamValidator interface {
	ValidateParams(params map[string]string) error
}

// SecurityParams captures the security opt-in rule of §4.4: connecting to a
// non-loopback endpoint requires explicit allow_insecure_remote=true unless
// a security profile is supplied, and username/password must be set
// together or not at all.
type SecurityParams struct {
	Endpoint           string
	AllowInsecureRemote bool
	HasSecurityProfile bool
	Username           string
	Password           string
}

// Validate enforces the security rule. Returns an error the caller should
// wrap as errkind.InvalidConfig.
func (p SecurityParams) Validate(isLoopback func(endpoint string) bool) error {
	if (p.Username == "") != (p.Password == "") {
		return fmt.Errorf("username and password must be set together or not at all")
	}
	if !isLoopback(p.Endpoint) && !p.AllowInsecureRemote && !p.HasSecurityProfile {
		return fmt.Errorf("non-loopback endpoint %q requires allow_insecure_remote=true or a security profile", p.Endpoint)
	}
	return nil
}

// ReconnectPolicy bounds how often a driver may attempt to reconnect after
// transport loss (§4.4: "must be rate-limited and must not spin the scan
// thread").
type ReconnectPolicy struct {
	MinInterval   durationMS
	MaxInterval   durationMS
}

type durationMS = int

// Runner is satisfied by any driver that owns a background reconnect
// worker; the scheduler never calls these — only Driver's non-blocking
// methods are called from the cycle thread (§5).
type Runner interface {
	Run(ctx context.Context)
}

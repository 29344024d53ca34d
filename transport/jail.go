package transport

import (
	"os"

	"github.com/google/uuid"
)

// JailStrategy maps a logical destination name to its physical name
type JailStrategy func(name string) string

// Built-in jail strategy names
const (
	JailNone        = "None"
	JailMachineName = "MachineName"
	JailGuid        = "Guid"
)

// NoJail leaves names untouched
func NoJail(name string) string {
	return name
}

// SuffixJail appends ".suffix" to every name
func SuffixJail(suffix string) JailStrategy {
	return func(name string) string {
		return name + "." + suffix
	}
}

// MachineNameJail qualifies names with the host name
func MachineNameJail() JailStrategy {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return SuffixJail(host)
}

// GuidJail qualifies names with an id generated once per call
func GuidJail() JailStrategy {
	return SuffixJail(uuid.NewString())
}

// builtinJailStrategies is evaluated per resolver so that Guid is unique per run
// and independent resolvers never share state
func builtinJailStrategies() map[string]JailStrategy {
	return map[string]JailStrategy{
		JailNone:        NoJail,
		JailMachineName: MachineNameJail(),
		JailGuid:        GuidJail(),
	}
}

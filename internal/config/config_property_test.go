//go:build property

package config

import (
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestConfigurationProperties tests configuration validation properties
func TestConfigurationProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(4242)
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	// Property: the port range check agrees with the valid TCP range
	properties.Property("port validation", prop.ForAll(
		func(port int) bool {
			cfg := Starter()
			cfg.Server.Port = port
			result := ValidateConfigWithDetails(cfg)
			return result.Valid == (port >= 0 && port <= 65535)
		},
		gen.IntRange(-1000, 70000),
	))

	// Property: uniquely named entries with plain paths always validate
	properties.Property("unique entries validate", prop.ForAll(
		func(names []string) bool {
			cfg := Starter()
			cfg.Entries.Scripts = nil
			seen := make(map[string]bool)
			for _, n := range names {
				if seen[n] {
					continue
				}
				seen[n] = true
				cfg.Entries.Scripts = append(cfg.Entries.Scripts, ScriptConfig{
					Name: n,
					Path: fmt.Sprintf("src/%s.ts", n),
				})
			}
			return ValidateConfigWithDetails(cfg).Valid
		},
		gen.SliceOfN(10, gen.Identifier()),
	))

	// Property: a duplicated name is always reported once per duplicate
	properties.Property("duplicate entries rejected", prop.ForAll(
		func(name string, copies int) bool {
			cfg := Starter()
			cfg.Entries.Scripts = nil
			for i := 0; i < copies; i++ {
				cfg.Entries.Scripts = append(cfg.Entries.Scripts, ScriptConfig{Name: name, Path: "src/a.ts"})
			}
			result := ValidateConfigWithDetails(cfg)
			dups := 0
			for _, e := range result.Errors {
				if strings.Contains(e.Message, "duplicate") {
					dups++
				}
			}
			return dups == copies-1
		},
		gen.Identifier(),
		gen.IntRange(1, 6),
	))

	// Property: socket and origin URLs share the listen address
	properties.Property("endpoints share the address", prop.ForAll(
		func(port int, https bool) bool {
			cfg := Starter()
			cfg.Server.Port = port
			cfg.Server.HTTPS = https
			return strings.HasSuffix(cfg.Origin(), cfg.Address()) &&
				strings.HasSuffix(cfg.SocketURL(), cfg.Address()+cfg.Server.Path)
		},
		gen.IntRange(1, 65535),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

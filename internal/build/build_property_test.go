//go:build property

package build

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/conneroisu/exthmr/internal/types"
)

// TestTaskSerializerProperties validates the single-slot serializer.
func TestTaskSerializerProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(1234) // For reproducible results
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	// Property: a burst during one running task collapses to the latest request
	properties.Property("burst collapses to running plus latest", prop.ForAll(
		func(burst int) bool {
			ts := NewTaskSerializer("property", nil)
			ctx := context.Background()

			var mu sync.Mutex
			var ran []int
			started := make(chan struct{})
			release := make(chan struct{})

			ts.Request(ctx, func(ctx context.Context) error {
				close(started)
				<-release
				mu.Lock()
				ran = append(ran, 0)
				mu.Unlock()
				return nil
			})
			<-started

			for i := 1; i <= burst; i++ {
				i := i
				ts.Request(ctx, func(ctx context.Context) error {
					mu.Lock()
					ran = append(ran, i)
					mu.Unlock()
					return nil
				})
			}
			close(release)
			if err := ts.WaitIdle(ctx); err != nil {
				return false
			}

			mu.Lock()
			defer mu.Unlock()
			return len(ran) == 2 && ran[0] == 0 && ran[1] == burst &&
				ts.Stats().Superseded == uint64(burst-1)
		},
		gen.IntRange(1, 40),
	))

	properties.TestingRun(t)
}

// TestHashProviderProperties validates change suppression.
func TestHashProviderProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(1234)
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	// Property: repeating content is never a change, new content always is
	properties.Property("identical content is suppressed", prop.ForAll(
		func(a, b string) bool {
			hp := NewHashProvider()
			first := hp.HasChanged("/f.ts", []byte(a))
			repeat := hp.HasChanged("/f.ts", []byte(a))
			next := hp.HasChanged("/f.ts", []byte(b))
			return first && !repeat && next == (a != b)
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	// Property: fingerprints are fixed-width lowercase hex
	properties.Property("fingerprint shape", prop.ForAll(
		func(s string) bool {
			digest := Fingerprint([]byte(s))
			if len(digest) != fingerprintLength {
				return false
			}
			for _, r := range digest {
				if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
					return false
				}
			}
			return true
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

// TestDependencyMapProperties validates dependency recording.
func TestDependencyMapProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.Rng.Seed(1234)
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)
	root := filepath.FromSlash("/project")

	// Property: every stored record is first party and owned by its entry
	properties.Property("recorded files are first party and owned", prop.ForAll(
		func(names []string, vendored bool) bool {
			dm := NewDependencyMap(root)
			ids := make([]string, 0, len(names))
			for _, n := range names {
				id := "src/" + n + ".ts"
				if vendored {
					id = "node_modules/" + n + "/index.js"
				}
				ids = append(ids, id)
			}

			records := dm.Record(types.BuildEntry{Name: "content"}, ids)
			if vendored {
				return len(records) == 0
			}
			for _, r := range records {
				if !IsFirstParty(root, r.DependencyPath) {
					return false
				}
				owner, ok := dm.FindOwner(r.DependencyPath)
				if !ok || owner.EntryName != "content" {
					return false
				}
			}
			unique := make(map[string]struct{})
			for _, n := range names {
				unique[n] = struct{}{}
			}
			return len(records) == len(unique)
		},
		gen.SliceOf(gen.Identifier()),
		gen.Bool(),
	))

	// Property: recording again replaces the previous records
	properties.Property("record replaces", prop.ForAll(
		func(n int) bool {
			dm := NewDependencyMap(root)
			entry := types.BuildEntry{Name: "popup"}
			for i := 0; i <= n; i++ {
				dm.Record(entry, []string{fmt.Sprintf("src/v%d.ts", i)})
			}
			records := dm.Records("popup")
			return len(records) == 1 &&
				records[0].DependencyPath == filepath.Join(root, "src", fmt.Sprintf("v%d.ts", n))
		},
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}

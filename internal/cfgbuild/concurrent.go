package cfgbuild

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/williballenthin/Lancelot/internal/decode"
	"github.com/williballenthin/Lancelot/internal/module"
)

// BuildCFGs builds one CFG per seed concurrently. It is safe because
// CFG construction never mutates the shared address space or decoder —
// each seed gets its own independent builder state — matching the rest
// of this package's single-threaded-per-CFG discipline (§5): this is
// the one place the core uses more than one goroutine, and it is
// explicitly opt-in; BuildCFG itself stays synchronous.
//
// d and as are shared read-only across all seeds. If ctx is canceled,
// in-flight builds run to completion (BuildCFG has no cancellation
// point) but no new ones start.
func BuildCFGs(ctx context.Context, d decode.Decoder, as module.AddressSpace, seeds []uint64) (map[uint64]*CFG, error) {
	results := make(map[uint64]*CFG, len(seeds))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, seed := range seeds {
		seed := seed
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			cfg := BuildCFG(d, as, seed)
			mu.Lock()
			results[seed] = cfg
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

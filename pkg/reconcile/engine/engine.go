// Package engine computes the reconciliation diff between the staged catalog
// and index scene sets of a run.
package engine

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/scenesync/scenesync/pkg/reconcile/scene"
	"github.com/scenesync/scenesync/pkg/reconcile/types/id"
)

var log = logging.Logger("scenesync/engine")

var tracer = otel.Tracer("reconcile/engine")

// Class is the diff classification of one scene.
type Class string

const (
	// ClassMissing marks a scene the catalog has but the index does not.
	ClassMissing Class = "missing"

	// ClassOrphaned marks an active indexed dataset the catalog no longer
	// lists.
	ClassOrphaned Class = "orphaned"
)

// Result is one diff finding, carrying the descriptor from the side that has
// the scene.
type Result struct {
	Descriptor *scene.Descriptor
	Class      Class
}

// Store streams a run's staged scenes. Implemented by sqlrepo.
type Store interface {
	// ForEachStagedScene streams staged scenes for one origin in canonical
	// key order.
	ForEachStagedScene(ctx context.Context, runID id.RunID, origin scene.Origin, fn func(*scene.Descriptor) error) error
}

// Engine diffs the two staged scene sets of a run.
type Engine struct {
	store Store
}

// New creates an Engine over the given staging store.
func New(store Store) *Engine {
	return &Engine{store: store}
}

// Diff streams the reconciliation results for a run to emit, in canonical key
// order. Missing is catalog minus index; orphaned is index minus catalog
// restricted to active datasets (an archived dataset absent from the catalog
// was removed deliberately). With forcedUpdate the whole catalog set is
// emitted as missing and the index side is ignored.
//
// Both staged sets arrive ordered by canonical key, so the diff is a single
// merge pass; memory stays bounded by the stream buffers regardless of window
// size. Identical staged sets produce identical results in identical order.
func (e *Engine) Diff(ctx context.Context, runID id.RunID, forcedUpdate bool, emit func(Result) error) error {
	ctx, span := tracer.Start(ctx, "engine-diff", trace.WithAttributes(
		attribute.String("runID", runID.String()),
		attribute.Bool("forcedUpdate", forcedUpdate),
	))
	defer span.End()

	if forcedUpdate {
		log.Infow("forced update: classifying the whole catalog set as missing", "runID", runID)
		return e.store.ForEachStagedScene(ctx, runID, scene.OriginCatalog, func(d *scene.Descriptor) error {
			return emit(Result{Descriptor: d, Class: ClassMissing})
		})
	}

	group, ctx := errgroup.WithContext(ctx)
	catalogCh := e.stream(ctx, group, runID, scene.OriginCatalog)
	indexCh := e.stream(ctx, group, runID, scene.OriginIndex)

	group.Go(func() error {
		catalogNext, catalogOK := <-catalogCh
		indexNext, indexOK := <-indexCh
		for catalogOK || indexOK {
			switch {
			case !indexOK || (catalogOK && catalogNext.CanonicalKey() < indexNext.CanonicalKey()):
				if err := emit(Result{Descriptor: catalogNext, Class: ClassMissing}); err != nil {
					return err
				}
				catalogNext, catalogOK = <-catalogCh
			case !catalogOK || indexNext.CanonicalKey() < catalogNext.CanonicalKey():
				if indexNext.Status() == scene.StatusActive {
					if err := emit(Result{Descriptor: indexNext, Class: ClassOrphaned}); err != nil {
						return err
					}
				}
				indexNext, indexOK = <-indexCh
			default:
				// same scene on both sides
				catalogNext, catalogOK = <-catalogCh
				indexNext, indexOK = <-indexCh
			}
		}
		return nil
	})

	return group.Wait()
}

// stream pumps one origin's staged scenes into a channel, closing it when the
// listing ends.
func (e *Engine) stream(ctx context.Context, group *errgroup.Group, runID id.RunID, origin scene.Origin) <-chan *scene.Descriptor {
	ch := make(chan *scene.Descriptor, 64)
	group.Go(func() error {
		defer close(ch)
		return e.store.ForEachStagedScene(ctx, runID, origin, func(d *scene.Descriptor) error {
			select {
			case ch <- d:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	})
	return ch
}

package kernel

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/evkit/kernel/topo"
	multierror "github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// Emit runs the matching listeners concurrently, partitioned into DAG
// waves, and returns a buffered channel that receives the emission's
// outcome (nil on success) and is then closed.
func (k *Kernel) Emit(name string, data any) <-chan error {
	return k.emit(context.Background(), name, data, modeParallel)
}

// EmitSerial runs the matching listeners strictly one at a time, in
// planned order.
func (k *Kernel) EmitSerial(name string, data any) <-chan error {
	return k.emit(context.Background(), name, data, modeSerial)
}

type dispatchMode int

const (
	modeParallel dispatchMode = iota
	modeSerial
)

func (k *Kernel) emit(ctx context.Context, name string, data any, mode dispatchMode) <-chan error {
	result := make(chan error, 1)

	go func() {
		defer close(result)

		evt := NewEvent(name, data)

		records := k.registry.matching(name)
		if len(records) == 0 {
			result <- nil
			return
		}

		plan, err := k.buildPlan(records)
		if err != nil {
			evt.markSettled()
			result <- err
			return
		}

		var execErrs []error
		if mode == modeParallel {
			execErrs = k.runParallel(ctx, name, plan, evt)
		} else {
			execErrs = k.runSerial(ctx, name, plan, evt)
		}

		evt.markSettled()

		if len(execErrs) == 0 {
			result <- nil
			return
		}

		if k.errorBoundary {
			// Errors were already recorded per-listener as they happened;
			// the emission still resolves successfully.
			result <- nil
			return
		}

		var agg *multierror.Error
		agg = multierror.Append(agg, execErrs...)
		result <- agg.ErrorOrNil()
	}()

	return result
}

// buildPlan validates After edges among the selected records and orders
// them: a priority/registration sort directly if no record has any After
// edge (skipping topo per §4.4 step 3), otherwise via topo.Sort.
func (k *Kernel) buildPlan(records []*Record) ([]*Record, error) {
	byID := make(map[string]*Record, len(records))
	for _, r := range records {
		byID[r.ID] = r
	}

	anyAfter := false
	for _, r := range records {
		for _, dep := range r.After {
			if _, ok := byID[dep]; !ok {
				return nil, &MissingDependencyError{ListenerID: r.ID, MissingID: dep}
			}
			anyAfter = true
		}
	}

	if !anyAfter {
		out := append([]*Record{}, records...)
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].Priority != out[j].Priority {
				return out[i].Priority > out[j].Priority
			}
			return out[i].seq < out[j].seq
		})
		return out, nil
	}

	nodes := make([]topo.Node, len(records))
	for i, r := range records {
		nodes[i] = topo.Node{ID: r.ID, After: r.After, Priority: r.Priority, Seq: int(r.seq)}
	}

	ordered, err := topo.Sort(nodes)
	if err != nil {
		switch e := err.(type) {
		case *topo.CycleError:
			return nil, &CyclicDependencyError{Path: e.Path}
		case *topo.MissingDependencyError:
			return nil, &MissingDependencyError{ListenerID: e.NodeID, MissingID: e.MissingID}
		default:
			return nil, err
		}
	}

	out := make([]*Record, len(ordered))
	for i, n := range ordered {
		out[i] = byID[n.ID]
	}
	return out, nil
}

// computeWaves partitions an already dependency-ordered plan into maximal
// groups whose dependencies all lie in strictly earlier groups, then
// further splits each group by priority (§4.4 step 4: "priority
// influences wave composition"): within one dependency depth, a strictly
// lower-priority record runs in its own later sub-wave, only starting
// once every higher-priority record at that depth has returned. Records
// that share both depth and priority still run concurrently, with no
// ordering guarantee between them.
func computeWaves(plan []*Record) [][]*Record {
	depthOf := make(map[string]int, len(plan))
	maxDepth := 0
	for _, r := range plan {
		d := 0
		for _, dep := range r.After {
			if dd, ok := depthOf[dep]; ok && dd+1 > d {
				d = dd + 1
			}
		}
		depthOf[r.ID] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	byDepth := make([][]*Record, maxDepth+1)
	for _, r := range plan {
		d := depthOf[r.ID]
		byDepth[d] = append(byDepth[d], r)
	}

	var waves [][]*Record
	for _, group := range byDepth {
		if len(group) == 0 {
			continue
		}
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Priority > group[j].Priority
		})
		start := 0
		for i := 1; i <= len(group); i++ {
			if i == len(group) || group[i].Priority != group[start].Priority {
				waves = append(waves, group[start:i])
				start = i
			}
		}
	}
	return waves
}

func (k *Kernel) runParallel(ctx context.Context, name string, plan []*Record, evt *Event) []error {
	var (
		errsMu sync.Mutex
		errs   []error
	)

	for _, wave := range computeWaves(plan) {
		if evt.Stopped() {
			break
		}

		var g errgroup.Group
		for _, rec := range wave {
			rec := rec
			g.Go(func() error {
				if err := k.invoke(ctx, name, rec, evt); err != nil {
					errsMu.Lock()
					errs = append(errs, err)
					errsMu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	return errs
}

func (k *Kernel) runSerial(ctx context.Context, name string, plan []*Record, evt *Event) []error {
	var errs []error
	for _, rec := range plan {
		if evt.Stopped() {
			break
		}
		if err := k.invoke(ctx, name, rec, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// invoke runs one listener, handles once-removal, and either records the
// failure under the error boundary or returns it for aggregation.
func (k *Kernel) invoke(ctx context.Context, name string, rec *Record, evt *Event) (resultErr error) {
	lc := &ListenerContext{
		ID:        rec.ID,
		EventName: name,
		Priority:  rec.Priority,
		After:     append([]string{}, rec.After...),
		Signal:    rec.Signal,
		kernel:    k,
		pattern:   rec.Pattern,
	}

	ts := evt.Timestamp()

	func() {
		defer func() {
			if r := recover(); r != nil {
				resultErr = fmt.Errorf("kernel: listener %s panicked: %v", rec.ID, r)
			}
		}()
		resultErr = rec.Handler(ctx, evt, lc)
	}()

	if rec.Once.isSet() && rec.Once.shouldRemove(evt) {
		k.removeRecord(rec.Pattern, rec.ID)
	}

	if resultErr != nil && k.errorBoundary {
		k.recordExecutionError(rec.ID, name, ts, resultErr)
		return nil
	}

	return resultErr
}

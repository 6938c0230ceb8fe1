package deletion

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinysos/pkg/model"
	"github.com/nicktill/tinysos/pkg/storage"
	"github.com/nicktill/tinysos/pkg/temporal"
)

// Engine runs the deletion algorithms against one transaction. Steps run
// strictly in sequence: mark, cascade to components, remove rows (children
// before parents), recompute extrema, then the lifecycle cascade.
type Engine struct {
	log        *zap.Logger
	repo       storage.Repository
	translator temporal.Translator
	extrema    *ExtremaRecalculator
	cascader   *LifecycleCascader
	now        func() time.Time
}

// NewEngine wires an engine from its collaborators. extrema and cascader
// must work on the same repository.
func NewEngine(log *zap.Logger, repo storage.Repository, translator temporal.Translator, extrema *ExtremaRecalculator, cascader *LifecycleCascader) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if translator == nil {
		translator = temporal.PhenomenonTime{}
	}
	return &Engine{
		log:        log,
		repo:       repo,
		translator: translator,
		extrema:    extrema,
		cascader:   cascader,
		now:        time.Now,
	}
}

// DeleteBySelector deletes the observations matched by sel. A selector
// matching nothing yields an empty report.
func (e *Engine) DeleteBySelector(ctx context.Context, sel Selector, mode Mode) (Report, error) {
	report := Report{Operation: OpDeleteObservations, Mode: mode}
	if err := checkMode(mode); err != nil {
		return report, err
	}
	if sel.IsEmpty() {
		return report, SelectorResolutionError.New("selector has no criteria")
	}
	ranges, err := temporal.TranslateAll(e.translator, sel.TemporalFilters)
	if err != nil {
		return report, SelectorResolutionError.Wrap(err)
	}
	if sel.Strict {
		if err := resolve(ctx, e.repo, sel); err != nil {
			return report, err
		}
	}

	datasets, err := e.repo.QueryDatasets(ctx, sel.datasetFilter())
	if err != nil {
		return report, persist(err)
	}
	if len(datasets) == 0 {
		report.normalize()
		return report, nil
	}
	targets := make([]string, 0, len(datasets))
	for _, ds := range datasets {
		targets = append(targets, ds.ID)
	}

	var pred *storage.Predicate
	if len(ranges) > 0 || len(sel.Identifiers) > 0 {
		pred = &storage.Predicate{Times: ranges, Identifiers: sel.Identifiers}
	}
	return e.deleteMatching(ctx, report, targets, pred)
}

// DeleteByIdentifier deletes the observations carrying one of identifiers.
// When requireExistence is set and none resolves it fails with
// NotFoundError.
func (e *Engine) DeleteByIdentifier(ctx context.Context, identifiers []string, requireExistence bool, mode Mode) (Report, error) {
	report := Report{Operation: OpDeleteObservations, Mode: mode}
	if err := checkMode(mode); err != nil {
		return report, err
	}

	ids := newIDSet()
	for _, id := range identifiers {
		if id != "" {
			ids.add(id)
		}
	}
	var found []model.Observation
	if ids.len() > 0 {
		var err error
		found, err = e.repo.QueryObservations(ctx, storage.ObservationFilter{Identifiers: ids.list()})
		if err != nil {
			return report, persist(err)
		}
	}
	if len(found) == 0 {
		if requireExistence {
			return report, NotFoundError.New("no observation with identifier %s", strings.Join(identifiers, ", "))
		}
		report.normalize()
		return report, nil
	}

	targets := newIDSet()
	for _, o := range found {
		targets.add(o.DatasetID)
	}
	return e.deleteMatching(ctx, report, targets.sorted(), &storage.Predicate{Identifiers: ids.list()})
}

func (e *Engine) deleteMatching(ctx context.Context, report Report, targets []string, pred *storage.Predicate) (Report, error) {
	scope, err := e.expand(ctx, targets)
	if err != nil {
		return report, err
	}
	if err := e.lock(ctx, scope.sorted()); err != nil {
		return report, err
	}

	modified := newIDSet()
	for _, id := range targets {
		n, err := e.repo.BulkMarkDeleted(ctx, id, pred)
		if err != nil {
			return report, persist(err)
		}
		if n > 0 {
			modified.add(id)
			report.MarkedObservations += n
			e.log.Debug("marked observations", zap.String("dataset", id), zap.Int64("count", n))
		}
	}

	n, err := e.markComponents(ctx, modified)
	if err != nil {
		return report, err
	}
	report.MarkedObservations += n

	var roots []string
	if report.Mode == ModeHard {
		// Matching rows soft-deleted by an earlier request are removed too.
		deleted, err := e.repo.QueryObservations(ctx, storage.ObservationFilter{
			DatasetIDs: targets,
			Deleted:    storage.Bool(true),
		})
		if err != nil {
			return report, persist(err)
		}
		for _, o := range deleted {
			if pred.Matches(o) {
				roots = append(roots, o.ID)
				modified.add(o.DatasetID)
			}
		}
	}
	return e.finish(ctx, report, modified, roots, true)
}

// expand adds, transitively, every dataset holding child observations of
// observations in datasetIDs.
func (e *Engine) expand(ctx context.Context, datasetIDs []string) (*idSet, error) {
	scope := newIDSet(datasetIDs...)
	frontier := datasetIDs
	for len(frontier) > 0 {
		children, err := e.repo.ChildObservationDatasets(ctx, frontier)
		if err != nil {
			return nil, persist(err)
		}
		var next []string
		for _, id := range children {
			if !scope.has(id) {
				scope.add(id)
				next = append(next, id)
			}
		}
		frontier = next
	}
	return scope, nil
}

func (e *Engine) lock(ctx context.Context, datasetIDs []string) error {
	for _, id := range datasetIDs {
		if err := e.repo.LockDataset(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return persist(err)
		}
	}
	return nil
}

// markComponents soft-deletes the active descendants of every deleted
// observation in the modified datasets. Datasets of marked descendants
// join modified.
func (e *Engine) markComponents(ctx context.Context, modified *idSet) (int64, error) {
	if modified.len() == 0 {
		return 0, nil
	}
	deleted, err := e.repo.QueryObservations(ctx, storage.ObservationFilter{
		DatasetIDs: modified.list(),
		Deleted:    storage.Bool(true),
	})
	if err != nil {
		return 0, persist(err)
	}

	var marked int64
	frontier := observationIDs(deleted)
	for len(frontier) > 0 {
		children, err := e.repo.QueryObservations(ctx, storage.ObservationFilter{
			ParentIDs: frontier,
			Deleted:   storage.Bool(false),
		})
		if err != nil {
			return marked, persist(err)
		}
		if len(children) == 0 {
			break
		}
		frontier = observationIDs(children)
		n, err := e.repo.MarkObservationsDeleted(ctx, frontier)
		if err != nil {
			return marked, persist(err)
		}
		marked += n
		for _, o := range children {
			modified.add(o.DatasetID)
		}
	}
	return marked, nil
}

// finish removes the observation trees under roots, recomputes extrema
// and applies the per-mode consequences of a dataset left without active
// observations.
func (e *Engine) finish(ctx context.Context, report Report, modified *idSet, roots []string, strict bool) (Report, error) {
	if len(roots) > 0 {
		n, err := e.removeTrees(ctx, roots, modified)
		if err != nil {
			return report, err
		}
		report.RemovedObservations += n
	}

	empty, err := e.extrema.Recompute(ctx, modified.sorted())
	if err != nil {
		return report, err
	}

	switch report.Mode {
	case ModeSoft:
		if err := e.unpublish(ctx, empty); err != nil {
			return report, err
		}
	case ModeHard:
		cascade, err := e.cascader.afterEmptied(ctx, empty, strict)
		if err != nil {
			return report, err
		}
		report.addCascade(cascade)
	}

	report.ModifiedDatasets = modified.sorted()
	report.normalize()
	return report, nil
}

// removeTrees deletes the observation rows in roots together with all of
// their descendants, deepest level first so no row ever outlives its
// parent. Datasets of removed descendants are added to touched.
func (e *Engine) removeTrees(ctx context.Context, roots []string, touched *idSet) (int64, error) {
	if len(roots) == 0 {
		return 0, nil
	}
	seen := newIDSet(roots...)
	levels := [][]string{roots}
	frontier := roots
	for len(frontier) > 0 {
		children, err := e.repo.QueryObservations(ctx, storage.ObservationFilter{ParentIDs: frontier})
		if err != nil {
			return 0, persist(err)
		}
		var next []string
		for _, o := range children {
			if seen.has(o.ID) {
				continue
			}
			seen.add(o.ID)
			next = append(next, o.ID)
			touched.add(o.DatasetID)
		}
		if len(next) > 0 {
			levels = append(levels, next)
		}
		frontier = next
	}

	for i := len(levels) - 1; i >= 0; i-- {
		if err := e.repo.DeleteObservationRows(ctx, levels[i]); err != nil {
			return 0, persist(err)
		}
	}
	e.log.Debug("removed observation rows", zap.Int("count", seen.len()), zap.Int("depth", len(levels)))
	return int64(seen.len()), nil
}

// unpublish hides datasets left without active observations.
func (e *Engine) unpublish(ctx context.Context, datasetIDs []string) error {
	for _, id := range datasetIDs {
		ds, err := e.repo.GetDataset(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return persist(err)
		}
		if !ds.Published {
			continue
		}
		ds.Published = false
		if err := e.repo.PutDataset(ctx, ds); err != nil {
			return persist(err)
		}
	}
	return nil
}

// DeleteDataset physically removes a dataset after the datasets in its
// reference values, depth first, followed by its observations and its
// offering/procedure when nothing else uses them.
func (e *Engine) DeleteDataset(ctx context.Context, id string) (Report, error) {
	report := Report{Operation: OpDeleteDataset, Mode: ModeHard}
	if _, err := e.repo.GetDataset(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return report, NotFoundError.New("dataset %s", id)
		}
		return report, persist(err)
	}

	visited := newIDSet()
	plan, err := e.referencePlan(ctx, []string{id}, visited)
	if err != nil {
		return report, err
	}
	if err := e.checkReferencers(ctx, plan, visited); err != nil {
		return report, err
	}

	touched := newIDSet()
	if err := e.removePlan(ctx, plan, nil, touched, &report); err != nil {
		return report, err
	}
	return e.finishRemoval(ctx, report, visited, touched)
}

// referencePlan orders the datasets reachable from roots through reference
// values so every dataset follows the datasets it references. Datasets
// already in visited are skipped. Dangling references are ignored.
func (e *Engine) referencePlan(ctx context.Context, roots []string, visited *idSet) ([]model.Dataset, error) {
	type frame struct {
		ds   model.Dataset
		next int
	}
	var plan []model.Dataset
	for _, root := range roots {
		if visited.has(root) {
			continue
		}
		ds, err := e.repo.GetDataset(ctx, root)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, persist(err)
		}
		visited.add(root)

		stack := []frame{{ds: ds}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next < len(top.ds.ReferenceValues) {
				ref := top.ds.ReferenceValues[top.next]
				top.next++
				if visited.has(ref) {
					continue
				}
				child, err := e.repo.GetDataset(ctx, ref)
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				if err != nil {
					return nil, persist(err)
				}
				visited.add(ref)
				stack = append(stack, frame{ds: child})
				continue
			}
			plan = append(plan, top.ds)
			stack = stack[:len(stack)-1]
		}
	}
	return plan, nil
}

// checkReferencers fails when a dataset in plan is referenced from outside
// the set being removed.
func (e *Engine) checkReferencers(ctx context.Context, plan []model.Dataset, doomed *idSet) error {
	for _, ds := range plan {
		referencers, err := e.cascader.referencers(ctx, ds.ID, doomed)
		if err != nil {
			return err
		}
		if len(referencers) > 0 {
			return ConsistencyViolation.New("dataset %s is referenced by %s", ds.ID, strings.Join(referencers, ", "))
		}
	}
	return nil
}

// removePlan deletes every dataset of plan in order along with its
// observations. Datasets outside plan that lose component observations
// are added to touched. Procedures in keep are left for the caller.
func (e *Engine) removePlan(ctx context.Context, plan []model.Dataset, keep, touched *idSet, report *Report) error {
	for _, ds := range plan {
		if err := e.repo.LockDataset(ctx, ds.ID); err != nil {
			return persist(err)
		}
	}
	for _, ds := range plan {
		rows, err := e.repo.QueryObservations(ctx, storage.ObservationFilter{DatasetIDs: []string{ds.ID}})
		if err != nil {
			return persist(err)
		}
		n, err := e.removeTrees(ctx, observationIDs(rows), touched)
		if err != nil {
			return err
		}
		report.RemovedObservations += n

		if err := e.repo.DeleteDatasetRow(ctx, ds.ID); err != nil {
			return persist(err)
		}
		report.RemovedDatasets = append(report.RemovedDatasets, ds.ID)
		report.ModifiedDatasets = append(report.ModifiedDatasets, ds.ID)

		procedure := ds.ProcedureID
		if keep != nil && keep.has(procedure) {
			procedure = ""
		}
		owners, err := e.cascader.ReleaseOwners(ctx, ds.OfferingID, procedure)
		if err != nil {
			return err
		}
		report.addCascade(owners)
	}
	return nil
}

// finishRemoval recomputes the datasets outside doomed whose component
// observations went away and cascades the ones left empty.
func (e *Engine) finishRemoval(ctx context.Context, report Report, doomed, touched *idSet) (Report, error) {
	outside := newIDSet()
	for _, id := range touched.list() {
		if !doomed.has(id) {
			outside.add(id)
		}
	}
	empty, err := e.extrema.Recompute(ctx, outside.sorted())
	if err != nil {
		return report, err
	}
	cascade, err := e.cascader.AfterDatasetsEmptied(ctx, empty)
	if err != nil {
		return report, err
	}
	report.addCascade(cascade)
	report.ModifiedDatasets = append(report.ModifiedDatasets, outside.sorted()...)
	report.normalize()
	return report, nil
}

// DeleteSensor deletes a procedure and its component procedures, children
// fully processed before their parent. With physically set the rows go
// away; otherwise procedures, datasets and observations are flagged and
// the procedures get an end of validity.
func (e *Engine) DeleteSensor(ctx context.Context, procedureID string, physically bool) (Report, error) {
	mode := ModeSoft
	if physically {
		mode = ModeHard
	}
	report := Report{Operation: OpDeleteSensor, Mode: mode}
	if _, err := e.repo.GetProcedure(ctx, procedureID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return report, NotFoundError.New("procedure %s", procedureID)
		}
		return report, persist(err)
	}

	procedures, err := e.procedurePlan(ctx, procedureID)
	if err != nil {
		return report, err
	}
	if physically {
		return e.removeSensor(ctx, report, procedures)
	}
	return e.retireSensor(ctx, report, procedures)
}

// procedurePlan returns the procedure tree rooted at id in post-order.
// Shared or cyclic children are visited once.
func (e *Engine) procedurePlan(ctx context.Context, id string) ([]model.Procedure, error) {
	type frame struct {
		p    model.Procedure
		next int
	}
	root, err := e.repo.GetProcedure(ctx, id)
	if err != nil {
		return nil, persist(err)
	}
	visited := newIDSet(id)
	stack := []frame{{p: root}}
	var plan []model.Procedure
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(top.p.Children) {
			childID := top.p.Children[top.next]
			top.next++
			if visited.has(childID) {
				continue
			}
			child, err := e.repo.GetProcedure(ctx, childID)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, persist(err)
			}
			visited.add(childID)
			stack = append(stack, frame{p: child})
			continue
		}
		plan = append(plan, top.p)
		stack = stack[:len(stack)-1]
	}
	return plan, nil
}

func (e *Engine) removeSensor(ctx context.Context, report Report, procedures []model.Procedure) (Report, error) {
	doomed := newIDSet()
	plans := make([][]model.Dataset, len(procedures))
	for i, p := range procedures {
		datasets, err := e.repo.QueryDatasets(ctx, storage.DatasetFilter{Procedures: []string{p.ID}})
		if err != nil {
			return report, persist(err)
		}
		plans[i], err = e.referencePlan(ctx, datasetIDs(datasets), doomed)
		if err != nil {
			return report, err
		}
	}
	for _, plan := range plans {
		if err := e.checkReferencers(ctx, plan, doomed); err != nil {
			return report, err
		}
	}

	// A plan may hold datasets of another procedure in the tree. Those rows
	// are deleted below in post-order, never by the owner cascade.
	inTree := newIDSet()
	for _, p := range procedures {
		inTree.add(p.ID)
	}
	touched := newIDSet()
	for i, p := range procedures {
		if err := e.removePlan(ctx, plans[i], inTree, touched, &report); err != nil {
			return report, err
		}
		// Skip rows that are already gone.
		if _, err := e.repo.GetProcedure(ctx, p.ID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return report, persist(err)
		}
		if err := e.repo.DeleteProcedureRow(ctx, p.ID); err != nil {
			return report, persist(err)
		}
		report.RemovedProcedures = append(report.RemovedProcedures, p.ID)
		e.log.Debug("removed procedure", zap.String("procedure", p.ID))
	}
	return e.finishRemoval(ctx, report, doomed, touched)
}

func (e *Engine) retireSensor(ctx context.Context, report Report, procedures []model.Procedure) (Report, error) {
	now := e.now().UTC()
	modified := newIDSet()
	owned := newIDSet()
	for _, p := range procedures {
		datasets, err := e.repo.QueryDatasets(ctx, storage.DatasetFilter{Procedures: []string{p.ID}})
		if err != nil {
			return report, persist(err)
		}
		for _, ds := range datasets {
			if err := e.repo.LockDataset(ctx, ds.ID); err != nil {
				return report, persist(err)
			}
			n, err := e.repo.BulkMarkDeleted(ctx, ds.ID, nil)
			if err != nil {
				return report, persist(err)
			}
			report.MarkedObservations += n
			modified.add(ds.ID)
			owned.add(ds.ID)
		}

		if p.Deleted {
			continue
		}
		p.Deleted = true
		if p.ValidEnd == nil {
			p.ValidEnd = &now
		}
		if err := e.repo.PutProcedure(ctx, p); err != nil {
			return report, persist(err)
		}
	}

	n, err := e.markComponents(ctx, modified)
	if err != nil {
		return report, err
	}
	report.MarkedObservations += n

	report, err = e.finish(ctx, report, modified, nil, true)
	if err != nil {
		return report, err
	}

	for _, id := range owned.list() {
		ds, err := e.repo.GetDataset(ctx, id)
		if err != nil {
			return report, persist(err)
		}
		if ds.Deleted && !ds.Published {
			continue
		}
		ds.Deleted = true
		ds.Published = false
		if err := e.repo.PutDataset(ctx, ds); err != nil {
			return report, persist(err)
		}
	}
	return report, nil
}

// Purge physically removes the soft-deleted observations of the datasets in ids
// (all datasets when empty) and the soft-deleted datasets left empty.
// Emptied datasets still referenced by another dataset are kept.
func (e *Engine) Purge(ctx context.Context, ids []string) (Report, error) {
	report := Report{Operation: OpPurge, Mode: ModeHard}
	datasets, err := e.repo.QueryDatasets(ctx, storage.DatasetFilter{IDs: ids})
	if err != nil {
		return report, persist(err)
	}
	if len(datasets) == 0 {
		report.normalize()
		return report, nil
	}

	scope := newIDSet(datasetIDs(datasets)...)
	if err := e.lock(ctx, scope.sorted()); err != nil {
		return report, err
	}

	modified := newIDSet()
	for _, ds := range datasets {
		if ds.Deleted {
			modified.add(ds.ID)
		}
	}
	deleted, err := e.repo.QueryObservations(ctx, storage.ObservationFilter{
		DatasetIDs: scope.list(),
		Deleted:    storage.Bool(true),
	})
	if err != nil {
		return report, persist(err)
	}
	for _, o := range deleted {
		modified.add(o.DatasetID)
	}
	return e.finish(ctx, report, modified, observationIDs(deleted), false)
}

func checkMode(mode Mode) error {
	if mode != ModeSoft && mode != ModeHard {
		return SelectorResolutionError.New("unknown deletion mode %q", mode)
	}
	return nil
}

func observationIDs(observations []model.Observation) []string {
	out := make([]string, len(observations))
	for i, o := range observations {
		out[i] = o.ID
	}
	return out
}

func datasetIDs(datasets []model.Dataset) []string {
	out := make([]string, len(datasets))
	for i, ds := range datasets {
		out[i] = ds.ID
	}
	return out
}

package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/prevant/orchestrator/errs"
)

// AppStatusChangeId is the opaque id correlating one client intent to
// its eventual result, and identifying merged peers (§4.5).
type AppStatusChangeId uuid.UUID

func NewAppStatusChangeId() AppStatusChangeId { return AppStatusChangeId(uuid.New()) }

func (id AppStatusChangeId) String() string { return uuid.UUID(id).String() }

func ParseAppStatusChangeId(s string) (AppStatusChangeId, error) {
	parsed, err := uuid.Parse(s)
	if err != nil {
		return AppStatusChangeId{}, fmt.Errorf("invalid status-change id %q: %w", s, err)
	}
	return AppStatusChangeId(parsed), nil
}

func (id AppStatusChangeId) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.String() + `"`), nil
}

func (id *AppStatusChangeId) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseAppStatusChangeId(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// TaskStatus is a task row's lifecycle state (§4.5, §6).
type TaskStatus string

const (
	TaskQueued  TaskStatus = "queued"
	TaskRunning TaskStatus = "running"
	TaskDone    TaskStatus = "done"
)

// TaskKind discriminates the four AppTask variants (§3).
type TaskKind string

const (
	TaskCreateOrUpdate TaskKind = "create_or_update"
	TaskDelete         TaskKind = "delete"
	TaskBackUp         TaskKind = "back_up"
	TaskRestore        TaskKind = "restore"
)

// AppTask is the sum type the queue stores and folds. Only the fields
// relevant to Kind are populated; this mirrors the source's tagged
// union more directly than four separate Go types would, since the
// merge fold needs to pattern-match on Kind anyway and a single
// flat struct keeps MergeFold and the repository's JSONB (de)serialise
// path simple (one row shape, one JSON shape).
type AppTask struct {
	ID        AppStatusChangeId `json:"id"`
	App       AppName           `json:"app"`
	Kind      TaskKind          `json:"kind"`
	Status    TaskStatus        `json:"status"`
	CreatedAt time.Time         `json:"createdAt"`

	// CreateOrUpdate fields.
	ReplicateFrom         *AppName              `json:"replicateFrom,omitempty"`
	ServiceConfigs        []ServiceConfig       `json:"serviceConfigs,omitempty"`
	Owners                []Owner               `json:"owners,omitempty"`
	UserDefinedParameters json.RawMessage       `json:"userDefinedParameters,omitempty"`

	// BackUp / Restore fields: the raw infrastructure manifest set,
	// already stripped of read-only/volatile fields (§4.8, §6).
	Payload json.RawMessage `json:"payload,omitempty"`

	// Result, populated once Status == TaskDone.
	ResultSuccess         *App        `json:"resultSuccess,omitempty"`
	ResultError           *errs.Error `json:"resultError,omitempty"`
	ExecutedAndMergedWith *AppStatusChangeId `json:"executedAndMergedWith,omitempty"`
}

// errIncompatibleMerge is returned by Merge for the table's Err cells.
// It carries no Kind of its own since it never escapes the fold:
// FoldQueue catches it and routes next to untouched.
type errIncompatibleMerge struct {
	prev, next TaskKind
}

func (e *errIncompatibleMerge) Error() string {
	return fmt.Sprintf("cannot merge %s task after a %s task for the same app", e.next, e.prev)
}

// incompatiblePairs enumerates the table's seven Err cells (§4.5):
// Create/Update→BackUp, Create/Update→Restore, Delete→BackUp,
// Delete→Restore, BackUp→Restore, Restore→CreateOrUpdate,
// Restore→BackUp.
var incompatiblePairs = map[[2]TaskKind]bool{
	{TaskCreateOrUpdate, TaskBackUp}:  true,
	{TaskCreateOrUpdate, TaskRestore}: true,
	{TaskDelete, TaskBackUp}:          true,
	{TaskDelete, TaskRestore}:         true,
	{TaskBackUp, TaskRestore}:         true,
	{TaskRestore, TaskCreateOrUpdate}: true,
	{TaskRestore, TaskBackUp}:         true,
}

// Merge implements one cell of the §4.5 merge table. The merged task's
// identity (ID) is always next's — the most recently enqueued intent
// names the task that will actually execute and carry the result
// forward; the previous id becomes a done_peer once FoldQueue folds it
// in. This is an implementation decision the spec leaves unstated
// (it only says "(next)"); keeping next's id end to end keeps
// FoldQueue's bookkeeping (which ids become done_peers) a one-line
// rule: every id folded over except the final survivor.
func Merge(prev, next AppTask) (AppTask, error) {
	if prev.Kind == TaskCreateOrUpdate && next.Kind == TaskCreateOrUpdate {
		return mergeCreateOrUpdateUnion(prev, next)
	}
	if incompatiblePairs[[2]TaskKind{prev.Kind, next.Kind}] {
		return AppTask{}, &errIncompatibleMerge{prev: prev.Kind, next: next.Kind}
	}
	return next, nil
}

// mergeCreateOrUpdateUnion implements the table's "Create/Update
// (union)" cell: service configs merge by service-name (rightmost —
// next — wins on scalar fields, env/files/labels deep-merge), owners
// union per §3's tie-break, user-defined JSON deep-merges per §9, and
// replicate_from is taken from next.
func mergeCreateOrUpdateUnion(prev, next AppTask) (AppTask, error) {
	merged := next
	merged.ServiceConfigs = mergeServiceConfigsByName(prev.ServiceConfigs, next.ServiceConfigs)
	merged.Owners = MergeOwners(prev.Owners, next.Owners)

	udp, err := MergeUserDefinedParameters(prev.UserDefinedParameters, next.UserDefinedParameters)
	if err != nil {
		return AppTask{}, fmt.Errorf("failed to merge user-defined parameters while folding tasks for app %q: %w", next.App, err)
	}
	merged.UserDefinedParameters = udp

	return merged, nil
}

func mergeServiceConfigsByName(base, next []ServiceConfig) []ServiceConfig {
	baseByName := make(map[string]ServiceConfig, len(base))
	order := make([]string, 0, len(base)+len(next))
	for _, c := range base {
		baseByName[c.ServiceName] = c
		order = append(order, c.ServiceName)
	}

	nextByName := make(map[string]ServiceConfig, len(next))
	for _, c := range next {
		nextByName[c.ServiceName] = c
		if _, ok := baseByName[c.ServiceName]; !ok {
			order = append(order, c.ServiceName)
		}
	}

	merged := make([]ServiceConfig, 0, len(order))
	for _, name := range order {
		b, hasBase := baseByName[name]
		n, hasNext := nextByName[name]
		switch {
		case hasBase && hasNext:
			m := b.MergeWith(n)
			if n.ContainerType != "" {
				m.ContainerType = n.ContainerType
			}
			merged = append(merged, m)
		case hasNext:
			merged = append(merged, n)
		default:
			merged = append(merged, b)
		}
	}
	return merged
}

// FoldResult is the outcome of folding one app's queued task list into
// a single execution (§4.5 step 3).
type FoldResult struct {
	TaskToWorkOn AppTask
	DonePeers    []AppStatusChangeId
	Untouched    []AppStatusChangeId
}

// FoldQueue folds tasks (already loaded in insertion order by the
// repository's pop query) into the task that will actually execute,
// the ids that will share its result, and the ids that must be
// restored to queued for the next pop because their merge was
// rejected by the table.
func FoldQueue(tasks []AppTask) FoldResult {
	if len(tasks) == 0 {
		return FoldResult{}
	}

	acc := tasks[0]
	result := FoldResult{}
	for _, next := range tasks[1:] {
		merged, err := Merge(acc, next)
		if err != nil {
			result.Untouched = append(result.Untouched, next.ID)
			continue
		}
		result.DonePeers = append(result.DonePeers, acc.ID)
		acc = merged
	}
	result.TaskToWorkOn = acc
	return result
}

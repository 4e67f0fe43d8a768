package models

import (
	"testing"
)

func testServiceConfig(name string, env ...EnvVar) ServiceConfig {
	return ServiceConfig{
		ServiceName: name,
		Image:       NewNamedImage("", "library", name, "latest"),
		Env:         env,
		Port:        8080,
	}
}

func TestMergeCreateOrUpdate_UnionsServiceConfigsByName(t *testing.T) {
	prev := AppTask{
		Kind:           TaskCreateOrUpdate,
		ServiceConfigs: []ServiceConfig{testServiceConfig("web"), testServiceConfig("worker")},
	}
	next := AppTask{
		Kind:           TaskCreateOrUpdate,
		ServiceConfigs: []ServiceConfig{testServiceConfig("web"), testServiceConfig("cache")},
	}

	merged, err := Merge(prev, next)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	names := make([]string, 0, len(merged.ServiceConfigs))
	for _, c := range merged.ServiceConfigs {
		names = append(names, c.ServiceName)
	}
	want := []string{"web", "worker", "cache"}
	if len(names) != len(want) {
		t.Fatalf("got services %v, want %v", names, want)
	}
	for i, name := range want {
		if names[i] != name {
			t.Errorf("position %d: got %q, want %q", i, names[i], name)
		}
	}
}

func TestMerge_IncompatiblePairsRejected(t *testing.T) {
	tests := []struct {
		name string
		prev TaskKind
		next TaskKind
	}{
		{"create_or_update then back_up", TaskCreateOrUpdate, TaskBackUp},
		{"create_or_update then restore", TaskCreateOrUpdate, TaskRestore},
		{"delete then back_up", TaskDelete, TaskBackUp},
		{"delete then restore", TaskDelete, TaskRestore},
		{"back_up then restore", TaskBackUp, TaskRestore},
		{"restore then create_or_update", TaskRestore, TaskCreateOrUpdate},
		{"restore then back_up", TaskRestore, TaskBackUp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Merge(AppTask{Kind: tt.prev}, AppTask{Kind: tt.next})
			if err == nil {
				t.Fatalf("expected an error merging %s after %s, got nil", tt.next, tt.prev)
			}
		})
	}
}

func TestMerge_CompatiblePairsTakeNext(t *testing.T) {
	tests := []struct {
		name string
		prev TaskKind
		next TaskKind
	}{
		{"create_or_update then delete", TaskCreateOrUpdate, TaskDelete},
		{"delete then create_or_update", TaskDelete, TaskCreateOrUpdate},
		{"back_up then back_up", TaskBackUp, TaskBackUp},
		{"back_up then create_or_update", TaskBackUp, TaskCreateOrUpdate},
		{"back_up then delete", TaskBackUp, TaskDelete},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := AppTask{Kind: tt.next, ID: NewAppStatusChangeId()}
			merged, err := Merge(AppTask{Kind: tt.prev}, next)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if merged.Kind != tt.next {
				t.Errorf("got kind %s, want %s", merged.Kind, tt.next)
			}
			if merged.ID != next.ID {
				t.Errorf("merged task should keep next's id")
			}
		})
	}
}

func TestFoldQueue_EmptyReturnsZeroValue(t *testing.T) {
	result := FoldQueue(nil)
	if result.TaskToWorkOn.ID != (AppStatusChangeId{}) {
		t.Errorf("expected zero-value task, got %+v", result.TaskToWorkOn)
	}
	if len(result.DonePeers) != 0 || len(result.Untouched) != 0 {
		t.Errorf("expected no done peers or untouched tasks, got %+v", result)
	}
}

func TestFoldQueue_MergesCompatibleChainAndSurfacesIncompatibleAsUntouched(t *testing.T) {
	first := AppTask{ID: NewAppStatusChangeId(), Kind: TaskCreateOrUpdate, ServiceConfigs: []ServiceConfig{testServiceConfig("web")}}
	second := AppTask{ID: NewAppStatusChangeId(), Kind: TaskCreateOrUpdate, ServiceConfigs: []ServiceConfig{testServiceConfig("worker")}}
	third := AppTask{ID: NewAppStatusChangeId(), Kind: TaskRestore}

	result := FoldQueue([]AppTask{first, second, third})

	if result.TaskToWorkOn.ID != second.ID {
		t.Errorf("expected surviving task to carry second's id, got %v", result.TaskToWorkOn.ID)
	}
	if len(result.TaskToWorkOn.ServiceConfigs) != 2 {
		t.Errorf("expected merged task to carry both service configs, got %v", result.TaskToWorkOn.ServiceConfigs)
	}
	if len(result.DonePeers) != 1 || result.DonePeers[0] != first.ID {
		t.Errorf("expected first's id as the only done peer, got %v", result.DonePeers)
	}
	if len(result.Untouched) != 1 || result.Untouched[0] != third.ID {
		t.Errorf("expected third's id as untouched, got %v", result.Untouched)
	}
}

package task

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validList() *List {
	return &List{
		Project: "example",
		Tasks: []Task{
			{ID: "T-001", Title: "First", AcceptanceCriteria: []string{"works"}, Priority: 1},
			{ID: "T-002", Title: "Second", AcceptanceCriteria: []string{"works"}, Priority: 2},
		},
	}
}

func TestValidate_OK(t *testing.T) {
	if err := validList().Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*List)
		want   string
	}{
		{"no project", func(l *List) { l.Project = "" }, "no project name"},
		{"bad id", func(l *List) { l.Tasks[0].ID = "TASK-1" }, "does not match"},
		{"duplicate id", func(l *List) { l.Tasks[1].ID = "T-001" }, "duplicate"},
		{"no title", func(l *List) { l.Tasks[0].Title = "" }, "no title"},
		{"no criteria", func(l *List) { l.Tasks[0].AcceptanceCriteria = nil }, "no acceptance criteria"},
		{"duplicate subtask id", func(l *List) {
			l.Tasks[0].Subtasks = []Subtask{{ID: "T-002", Title: "clash"}}
		}, "duplicate"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			l := validList()
			tc.mutate(l)
			err := l.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestPending_OrderAndFilter(t *testing.T) {
	l := &List{
		Project: "example",
		Tasks: []Task{
			{ID: "T-003", Title: "c", AcceptanceCriteria: []string{"x"}, Priority: 2},
			{ID: "T-001", Title: "a", AcceptanceCriteria: []string{"x"}, Priority: 1, Passes: true},
			{ID: "T-004", Title: "d", AcceptanceCriteria: []string{"x"}, Priority: 1},
			{ID: "T-002", Title: "b", AcceptanceCriteria: []string{"x"}, Priority: 1},
		},
	}

	pending := l.Pending()
	var ids []string
	for _, t := range pending {
		ids = append(ids, t.ID)
	}

	want := []string{"T-002", "T-004", "T-003"}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ids)
		}
	}
}

func TestFind(t *testing.T) {
	l := validList()

	got, ok := l.Find("T-002")
	if !ok || got.Title != "Second" {
		t.Fatalf("Find(T-002) = %v, %v", got, ok)
	}

	// The pointer aliases the list so the coordinator can mark passes.
	got.Passes = true
	if !l.Tasks[1].Passes {
		t.Error("expected Find to return a pointer into the list")
	}

	if _, ok := l.Find("T-099"); ok {
		t.Error("expected Find to miss an unknown id")
	}
}

func TestLoad_JSONAndYAML(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "tasks.json")
	jsonData := `{"project":"example","tasks":[{"id":"T-001","title":"First","acceptanceCriteria":["works"],"priority":1,"passes":false}]}`
	if err := os.WriteFile(jsonPath, []byte(jsonData), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	yamlPath := filepath.Join(dir, "tasks.yaml")
	yamlData := "project: example\ntasks:\n  - id: T-001\n    title: First\n    acceptanceCriteria:\n      - works\n    priority: 1\n    passes: false\n"
	if err := os.WriteFile(yamlPath, []byte(yamlData), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	for _, path := range []string{jsonPath, yamlPath} {
		list, err := Load(path, "")
		if err != nil {
			t.Fatalf("Load(%s) failed: %v", path, err)
		}
		if list.Project != "example" || len(list.Tasks) != 1 || list.Tasks[0].ID != "T-001" {
			t.Errorf("Load(%s): unexpected list %+v", path, list)
		}
	}
}

func TestLoad_InvalidListRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	if err := os.WriteFile(path, []byte(`{"project":"x","tasks":[{"id":"bogus","title":"t","acceptanceCriteria":["c"]}]}`), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := Load(path, ""); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestCanonical_FixedPoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	if err := Save(path, validList()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	first, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	list, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := Save(path, list); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	second, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Error("expected load-then-save to be a byte-for-byte fixed point")
	}
}

func TestSave_NoTempLeftover(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	if err := Save(path, validList()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("expected temp file to be renamed away")
	}
}

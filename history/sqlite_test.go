package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/seantiz/torque/engine"
)

func openJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func sampleRecord(id, status string) engine.Record {
	now := time.Now().UTC().Truncate(time.Second)
	return engine.Record{
		ID:         id,
		Name:       "task-" + id,
		Backend:    "docker",
		Status:     status,
		ExitCodes:  []int{0, 2},
		StartedAt:  now.Add(-time.Minute),
		FinishedAt: now,
	}
}

func TestRecordAndGet(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()

	want := sampleRecord("01A", engine.StatusCompleted)
	if err := j.Record(ctx, want); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := j.Get(ctx, "01A")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != want.Name || got.Backend != want.Backend || got.Status != want.Status {
		t.Errorf("got %+v, want %+v", got, want)
	}
	if len(got.ExitCodes) != 2 || got.ExitCodes[0] != 0 || got.ExitCodes[1] != 2 {
		t.Errorf("exit codes = %v, want [0 2]", got.ExitCodes)
	}
	if !got.FinishedAt.Equal(want.FinishedAt) {
		t.Errorf("finished at = %v, want %v", got.FinishedAt, want.FinishedAt)
	}
}

func TestGetMissing(t *testing.T) {
	j := openJournal(t)

	_, err := j.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRecordFailedTaskKeepsError(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()

	rec := sampleRecord("01B", engine.StatusFailed)
	rec.ExitCodes = nil
	rec.Error = "execution error: container exploded"
	if err := j.Record(ctx, rec); err != nil {
		t.Fatalf("record: %v", err)
	}

	got, err := j.Get(ctx, "01B")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Error != rec.Error {
		t.Errorf("error = %q, want %q", got.Error, rec.Error)
	}
	if got.ExitCodes != nil {
		t.Errorf("exit codes = %v, want none", got.ExitCodes)
	}
}

func TestListNewestFirst(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"01C", "01D", "01E"} {
		rec := sampleRecord(id, engine.StatusCompleted)
		rec.FinishedAt = base.Add(time.Duration(i) * time.Minute)
		if err := j.Record(ctx, rec); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
	}

	recs, total, err := j.List(ctx, 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].ID != "01E" || recs[1].ID != "01D" {
		t.Errorf("order = [%s %s], want [01E 01D]", recs[0].ID, recs[1].ID)
	}
}

func TestCountByStatus(t *testing.T) {
	j := openJournal(t)
	ctx := context.Background()

	for i, status := range []string{
		engine.StatusCompleted, engine.StatusCompleted, engine.StatusFailed,
	} {
		rec := sampleRecord(string(rune('a'+i)), status)
		if err := j.Record(ctx, rec); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	counts, err := j.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[engine.StatusCompleted] != 2 || counts[engine.StatusFailed] != 1 {
		t.Errorf("counts = %v, want completed=2 failed=1", counts)
	}
}

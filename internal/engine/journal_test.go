package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/flashall/internal/source"
)

func TestJournal_OpenClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "journal.db")
	j, err := OpenJournal(path, "sim0")
	require.NoError(t, err)
	assert.FileExists(t, j.Path())
	assert.NotEmpty(t, j.RunID())
	require.NoError(t, j.Close())
}

func TestJournal_DefaultPath(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_STATE_HOME", dir)
	assert.Equal(t, filepath.Join(dir, "flashall", "journal.db"), DefaultJournalPath())
}

func TestJournal_RecordsRun(t *testing.T) {
	f := newFixture(t, testDevice())
	f.writeImage(t, "boot.img", 4096, 0xb0)
	f.writeImage(t, "system.img", 4096, 0x55)

	j, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"), "sim0")
	require.NoError(t, err)
	defer j.Close()
	f.plan.Journal = j

	require.NoError(t, f.plan.FlashAll(context.Background()))

	runs, err := j.History(10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	run := runs[0]
	assert.Equal(t, j.RunID(), run.ID)
	assert.Equal(t, "sim0", run.Serial)
	require.Len(t, run.Tasks, 3)

	assert.Equal(t, "flash(boot)", run.Tasks[0].Task)
	assert.Equal(t, "boot", run.Tasks[0].Partition)
	assert.Equal(t, "boot.img", run.Tasks[0].Image)
	assert.Equal(t, "ok", run.Tasks[0].Status)
	want, err := HashImage(f.plan.Source, "boot.img")
	require.NoError(t, err)
	assert.Equal(t, want, run.Tasks[0].Digest)

	assert.Equal(t, "update-super", run.Tasks[1].Task)
	assert.Empty(t, run.Tasks[1].Digest)
}

func TestJournal_RecordsFailure(t *testing.T) {
	j, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"), "sim0")
	require.NoError(t, err)
	defer j.Close()

	task := &FlashTask{Partition: "vendor", Slot: "b", Image: "missing.img"}
	require.NoError(t, j.Record(nil, task, 2*time.Second, errors.New("boom")))
	require.NoError(t, j.Record(nil, &WipeTask{Partition: "userdata"}, time.Millisecond, nil))

	runs, err := j.History(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Len(t, runs[0].Tasks, 2)
	assert.Equal(t, TaskRecord{
		Seq:       1,
		Task:      "flash(vendor)",
		Partition: "vendor_b",
		Image:     "missing.img",
		Status:    "failed",
		Error:     "boom",
		Duration:  2 * time.Second,
	}, runs[0].Tasks[0])
	assert.Equal(t, "userdata", runs[0].Tasks[1].Partition)
}

func TestJournal_HistoryNewestFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	first, err := OpenJournal(path, "one")
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := OpenJournal(path, "two")
	require.NoError(t, err)
	defer second.Close()

	runs, err := second.History(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "two", runs[0].Serial)
	assert.Equal(t, "one", runs[1].Serial)
	assert.Empty(t, runs[1].Tasks)

	runs, err = second.History(1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestReadHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	runs, err := ReadHistory(path, 10)
	require.NoError(t, err)
	assert.Empty(t, runs)

	j, err := OpenJournal(path, "sim0")
	require.NoError(t, err)
	require.NoError(t, j.Record(nil, &DeleteTask{Partition: "product_b"}, time.Millisecond, nil))
	require.NoError(t, j.Close())

	runs, err = ReadHistory(path, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "delete(product_b)", runs[0].Tasks[0].Task)

	runs, err = ReadHistory(path, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1, "reading history must not start a run")
}

func TestHashImage(t *testing.T) {
	f := newFixture(t, testDevice())
	f.writeImage(t, "a.img", 100, 1)
	f.writeImage(t, "b.img", 100, 1)
	f.writeImage(t, "c.img", 100, 2)
	src := source.NewDirSource(f.dir)

	ha, err := HashImage(src, "a.img")
	require.NoError(t, err)
	assert.Len(t, ha, 64)
	hb, err := HashImage(src, "b.img")
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	hc, err := HashImage(src, "c.img")
	require.NoError(t, err)
	assert.NotEqual(t, ha, hc)

	_, err = HashImage(src, "missing.img")
	require.Error(t, err)
}

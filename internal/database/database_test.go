package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yolopipe/internal/pipeline"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db
}

func testSet(cycle uint64, source string, ts time.Time, labels ...string) (*pipeline.DetectionSet, pipeline.FrameMeta) {
	meta := pipeline.FrameMeta{ID: "frame", Seq: cycle, Timestamp: ts, Source: source}
	set := &pipeline.DetectionSet{Cycle: cycle, Meta: meta, FrameWidth: 640, FrameHeight: 480, InferenceMs: 4}
	for i, l := range labels {
		set.Detections = append(set.Detections, pipeline.Detection{
			ClassID:     i,
			Label:       l,
			Probability: 0.5,
			Pixels:      pipeline.PixelBox{XMin: 10 * i, YMin: 20, XMax: 10*i + 5, YMax: 40},
		})
	}
	return set, meta
}

func TestSaveAndGetDetectionSet(t *testing.T) {
	db := openTestDB(t)
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	rec := NewDetectionSetRecord(testSet(3, "front", ts, "person", "dog"))
	require.NoError(t, db.SaveDetectionSet(rec))

	got, err := db.GetDetectionSet(rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "front", got.Source)
	assert.Equal(t, uint64(3), got.Cycle)
	assert.True(t, ts.Equal(got.Timestamp))
	require.Len(t, got.Detections, 2)
	assert.Equal(t, "dog", got.Detections[1].Label)
	assert.Equal(t, 10, got.Detections[1].XMin)

	missing, err := db.GetDetectionSet("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListDetectionSets(t *testing.T) {
	db := openTestDB(t)
	base := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		source := "front"
		if i%2 == 1 {
			source = "back"
		}
		require.NoError(t, db.SaveDetectionSet(NewDetectionSetRecord(
			testSet(uint64(i+1), source, base.Add(time.Duration(i)*time.Minute), "person"))))
	}

	all, err := db.ListDetectionSets("", nil, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, uint64(5), all[0].Cycle)

	limited, err := db.ListDetectionSets("", nil, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	front, err := db.ListDetectionSets("front", nil, 0)
	require.NoError(t, err)
	assert.Len(t, front, 3)

	since := base.Add(3 * time.Minute)
	recent, err := db.ListDetectionSets("", &since, 0)
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	counts, err := db.CountByLabel(base)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"person": 5}, counts)

	n, err := db.DeleteOldDetectionSets(base.Add(2 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	remaining, err := db.ListDetectionSets("", nil, 0)
	require.NoError(t, err)
	assert.Len(t, remaining, 3)
}

func TestRecorderPersistsAsync(t *testing.T) {
	db := openTestDB(t)
	r := NewRecorder(db, RecorderConfig{Buffer: 16})

	ts := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	r.Publish(testSet(1, "front", ts, "person"))
	r.Publish(testSet(2, "front", ts.Add(time.Second)))
	r.Publish(testSet(3, "front", ts.Add(2*time.Second), "car", "bus"))
	r.Close()

	stats := r.Stats()
	assert.Equal(t, uint64(2), stats.Saved)
	assert.Equal(t, uint64(0), stats.Failed)

	sets, err := db.ListDetectionSets("front", nil, 0)
	require.NoError(t, err)
	require.Len(t, sets, 2)
	assert.Len(t, sets[0].Detections, 2)
}

func TestRecorderRecordsEmptyWhenAsked(t *testing.T) {
	db := openTestDB(t)
	r := NewRecorder(db, RecorderConfig{RecordEmpty: true})

	r.Publish(testSet(1, "front", time.Now()))
	r.Close()

	assert.Equal(t, uint64(1), r.Stats().Saved)
}

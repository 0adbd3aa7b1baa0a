package archive_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/e7canasta/orion-biosense/internal/archive"
	"github.com/e7canasta/orion-biosense/modules/biosession"
	"github.com/e7canasta/orion-biosense/modules/submission"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *archive.Store {
	t.Helper()
	s, err := archive.Open(filepath.Join(t.TempDir(), "archive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func packet(n int) biosession.CapturePacket {
	p := biosession.CapturePacket{}
	for _, ch := range biosession.EEGChannels {
		values := make([]float64, n)
		for i := range values {
			values[i] = float64(i%16) + float64(ch)/10
		}
		p.EEG = append(p.EEG, biosession.EEGChannel{Channel: ch, Values: values})
	}
	p.PPG = []float64{0.1, 0.2, 0.3}
	p.HR = []float64{62}
	return p
}

func TestWindowRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	drainedAt := time.UnixMilli(1_700_000_000_000)
	p := packet(256)
	p.Meta = biosession.PacketMeta{WindowID: "w-1", SessionID: "s-1", Sequence: 1, DrainedAt: drainedAt}

	id, err := s.SaveWindow(ctx, "rest", p)
	require.NoError(t, err)
	require.Equal(t, "w-1", id)

	windows, err := s.Windows(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, windows, 1)
	require.Equal(t, "rest", windows[0].Label)
	require.Equal(t, p.SampleCount(), windows[0].Samples)
	require.Equal(t, uint64(1), windows[0].Sequence)
	require.True(t, drainedAt.Equal(windows[0].DrainedAt))

	got, err := s.LoadWindow(ctx, "w-1")
	require.NoError(t, err)
	for _, ch := range biosession.AllChannels {
		require.Equal(t, p.Values(ch), got.Values(ch), ch.String())
	}
	require.Equal(t, "w-1", got.Meta.WindowID)
	require.Equal(t, "s-1", got.Meta.SessionID)
	require.Equal(t, uint64(1), got.Meta.Sequence)
	require.True(t, drainedAt.Equal(got.Meta.DrainedAt))
}

func TestWindowsOrderedBySequence(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	for _, seq := range []uint64{3, 1, 2} {
		p := packet(4)
		p.Meta = biosession.PacketMeta{SessionID: "s-1", Sequence: seq}
		_, err := s.SaveWindow(ctx, "task", p)
		require.NoError(t, err)
	}
	other := packet(4)
	other.Meta.SessionID = "s-2"
	_, err := s.SaveWindow(ctx, "task", other)
	require.NoError(t, err)

	windows, err := s.Windows(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, windows, 3)
	for i, w := range windows {
		require.Equal(t, uint64(i+1), w.Sequence)
	}
}

func TestSaveWindow_GeneratesID(t *testing.T) {
	s := openStore(t)

	id, err := s.SaveWindow(context.Background(), "task", packet(8))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	_, err = s.LoadWindow(context.Background(), id)
	require.NoError(t, err)
}

func TestLoadWindow_NotFound(t *testing.T) {
	s := openStore(t)

	_, err := s.LoadWindow(context.Background(), "missing")
	require.ErrorIs(t, err, archive.ErrNotFound)
}

func TestSubmissionRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	_, err := s.LatestSubmission(ctx, "s-1")
	require.ErrorIs(t, err, archive.ErrNotFound)

	p, err := submission.NewBuilder("s-1", "user-1", "participant-1").
		Context("lab", "baseline", "proj-1").
		Rest(packet(32)).
		AddTask(submission.TaskResult{ID: "t1", Name: "Stroop", Rating: 4}, packet(16)).
		Build()
	require.NoError(t, err)

	id, err := s.SaveSubmission(ctx, p)
	require.NoError(t, err)
	require.Positive(t, id)

	got, err := s.LatestSubmission(ctx, "s-1")
	require.NoError(t, err)
	require.Equal(t, p.SessionID, got.SessionID)
	require.Equal(t, p.ProjectID, got.ProjectID)
	require.Equal(t, p.Tasks, got.Tasks)
	require.Equal(t, p.RestData.EEG, got.RestData.EEG)
}

func TestCompression(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	p := packet(256 * 60)
	p.Meta.SessionID = "s-1"
	_, err := s.SaveWindow(ctx, "rest", p)
	require.NoError(t, err)

	windows, err := s.Windows(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, windows, 1)
	require.Less(t, windows[0].StoredSize, windows[0].RawSize)
}

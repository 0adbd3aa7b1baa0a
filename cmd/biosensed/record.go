package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-biosense/internal/archive"
	"github.com/e7canasta/orion-biosense/modules/biosession"
	"github.com/e7canasta/orion-biosense/modules/capture"
	"github.com/e7canasta/orion-biosense/modules/edfexport"
	"github.com/e7canasta/orion-biosense/modules/submission"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a rest baseline and task windows into a submission",
	Long: `Record a guided session:

  1. connect the headband and wait for the signal quality to settle
  2. capture the rest baseline (--rest)
  3. capture one window per --task, in order
  4. write one EDF file per window and the submission JSON to export.dir,
     and archive everything when archive.enabled

Tasks are given as id:name:duration[:rating], for example
  --task stroop:Stroop test:45s:4 --task nback:2-back:60s`,
	RunE: runRecord,
}

func init() {
	flags := recordCmd.Flags()
	flags.String("participant", "", "participant id (required)")
	flags.String("user", "", "operator user id (required)")
	flags.String("project", "", "project id")
	flags.String("context", "lab", "context type")
	flags.String("relation", "standalone", "session relation")
	flags.Duration("rest", time.Minute, "rest baseline duration")
	flags.StringArray("task", nil, "task window as id:name:duration[:rating] (repeatable)")
	flags.String("min-quality", biosession.Good.String(), "signal quality to wait for before recording")
	flags.Duration("quality-timeout", time.Minute, "maximum wait for the signal quality")
	flags.String("out", "", "output directory")

	recordCmd.MarkFlagRequired("participant")
	recordCmd.MarkFlagRequired("user")
	mustBind(flags, "export.dir", "out")
}

// taskSpec is one parsed --task flag.
type taskSpec struct {
	submission.TaskResult
	Duration time.Duration
}

// parseTask parses id:name:duration[:rating].
func parseTask(s string) (taskSpec, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 3 || len(parts) > 4 {
		return taskSpec{}, fmt.Errorf("task %q: want id:name:duration[:rating]", s)
	}

	spec := taskSpec{TaskResult: submission.TaskResult{ID: parts[0], Name: parts[1]}}
	if spec.ID == "" {
		return taskSpec{}, fmt.Errorf("task %q: empty id", s)
	}

	d, err := time.ParseDuration(parts[2])
	if err != nil || d <= 0 {
		return taskSpec{}, fmt.Errorf("task %q: invalid duration %q", s, parts[2])
	}
	spec.Duration = d

	if len(parts) == 4 {
		rating, err := strconv.Atoi(parts[3])
		if err != nil || rating < submission.MinRating || rating > submission.MaxRating {
			return taskSpec{}, fmt.Errorf("task %q: rating must be %d..%d",
				s, submission.MinRating, submission.MaxRating)
		}
		spec.Rating = rating
	}
	return spec, nil
}

func parseQuality(s string) (biosession.SignalQuality, error) {
	for _, q := range []biosession.SignalQuality{biosession.Poor, biosession.Fair, biosession.Good, biosession.Excellent} {
		if strings.EqualFold(s, q.String()) {
			return q, nil
		}
	}
	return 0, fmt.Errorf("unknown signal quality %q", s)
}

func runRecord(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	participant, _ := flags.GetString("participant")
	user, _ := flags.GetString("user")
	project, _ := flags.GetString("project")
	contextType, _ := flags.GetString("context")
	relation, _ := flags.GetString("relation")
	rest, _ := flags.GetDuration("rest")
	rawTasks, _ := flags.GetStringArray("task")
	minQualityName, _ := flags.GetString("min-quality")
	qualityTimeout, _ := flags.GetDuration("quality-timeout")

	minQuality, err := parseQuality(minQualityName)
	if err != nil {
		return err
	}
	if rest <= 0 {
		return fmt.Errorf("--rest must be positive")
	}
	tasks := make([]taskSpec, 0, len(rawTasks))
	for _, raw := range rawTasks {
		t, err := parseTask(raw)
		if err != nil {
			return err
		}
		tasks = append(tasks, t)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := newSession(cfg)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctrl := capture.New(sess)
	defer ctrl.Close()

	if state := sess.Connect(ctx); state != biosession.Connected {
		if derr := sess.LastError(); derr != nil {
			return fmt.Errorf("headband connection failed: %w", derr)
		}
		return fmt.Errorf("headband not connected (state %s)", state)
	}
	defer sess.Disconnect()

	sessionID := sess.SessionID()
	slog.Info("recording started",
		"session_id", sessionID,
		"participant_id", participant,
		"tasks", len(tasks),
	)

	if err := waitForQuality(ctx, sess, minQuality, qualityTimeout); err != nil {
		return err
	}

	slog.Info("capturing rest baseline", "duration", rest)
	restPacket, err := ctrl.CaptureWindow(ctx, rest)
	if err != nil {
		return fmt.Errorf("rest baseline: %w", err)
	}

	b := submission.NewBuilder(sessionID, user, participant).
		Context(contextType, relation, project).
		Rest(restPacket)

	taskPackets := make([]biosession.CapturePacket, len(tasks))
	for i, t := range tasks {
		slog.Info("capturing task", "task_id", t.ID, "task_name", t.Name, "duration", t.Duration)
		packet, err := ctrl.CaptureWindow(ctx, t.Duration)
		if err != nil {
			return fmt.Errorf("task %s: %w", t.ID, err)
		}
		taskPackets[i] = packet
		b.AddTask(t.TaskResult, packet)
	}

	sub, err := b.Build()
	if err != nil {
		return fmt.Errorf("submission: %w", err)
	}

	if err := writeRecording(cfg.Export.Dir, participant, sub, restPacket, tasks, taskPackets); err != nil {
		return err
	}

	if cfg.Archive.Enabled {
		if err := archiveRecording(ctx, cfg.Archive.Path, sub, restPacket, tasks, taskPackets); err != nil {
			return err
		}
	}

	slog.Info("recording complete", "session_id", sessionID, "dir", cfg.Export.Dir)
	return nil
}

// waitForQuality blocks until the session reports at least minQuality.
func waitForQuality(ctx context.Context, sess *biosession.Session, minQuality biosession.SignalQuality, timeout time.Duration) error {
	reached := make(chan struct{})
	var once sync.Once
	unsub := sess.ObserveQuality().Subscribe(func(q biosession.SignalQuality) {
		if q >= minQuality {
			once.Do(func() { close(reached) })
		}
	})
	defer unsub()

	slog.Info("waiting for signal quality", "min_quality", minQuality, "timeout", timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-reached:
		slog.Info("signal quality reached", "quality", sess.Quality())
		return nil
	case <-timer.C:
		return fmt.Errorf("signal quality stayed below %s for %s", minQuality, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeRecording writes one EDF per window and the submission JSON.
func writeRecording(dir, participant string, sub submission.Packet,
	rest biosession.CapturePacket, tasks []taskSpec, packets []biosession.CapturePacket) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	write := func(label string, p biosession.CapturePacket) error {
		path := filepath.Join(dir, fmt.Sprintf("%s-%s.edf", sub.SessionID, label))
		_, err := edfexport.WriteFile(path, p, edfexport.Options{
			PatientID:   participant,
			RecordingID: sub.SessionID + " " + label,
		})
		return err
	}

	if err := write("rest", rest); err != nil {
		return err
	}
	for i, t := range tasks {
		if packets[i].Empty() {
			slog.Warn("task window empty, no EDF written", "task_id", t.ID)
			continue
		}
		if err := write(t.ID, packets[i]); err != nil {
			return err
		}
	}

	path := filepath.Join(dir, sub.SessionID+"-submission.json")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create submission: %w", err)
	}
	if err := submission.WriteJSON(f, sub); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write submission: %w", err)
	}

	slog.Info("submission written", "path", path)
	return nil
}

func archiveRecording(ctx context.Context, path string, sub submission.Packet,
	rest biosession.CapturePacket, tasks []taskSpec, packets []biosession.CapturePacket) error {
	store, err := archive.Open(path)
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := store.SaveWindow(ctx, "rest", rest); err != nil {
		return err
	}
	for i, t := range tasks {
		if _, err := store.SaveWindow(ctx, t.ID, packets[i]); err != nil {
			return err
		}
	}
	_, err = store.SaveSubmission(ctx, sub)
	return err
}

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/san-kum/formcoach/server/engine"
	"github.com/san-kum/formcoach/server/exercise"
	"github.com/san-kum/formcoach/server/models"
)

const progressTemplate = `{{ string . "prefix" }} {{counters . }} {{bar . }} {{percent . }} {{etime . "%s elapsed"}}`

var statusStyles = map[models.Status]lipgloss.Style{
	models.StatusGood:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	models.StatusWarning: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	models.StatusError:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	models.StatusNeutral: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
}

type replaySummary struct {
	Frames      int
	Skipped     int
	Statuses    map[models.Status]int
	SetsLog     []string
	Final       models.Result
	MediaLength time.Duration
}

func newReplayCmd(configPath *string) *cobra.Command {
	var (
		exerciseID string
		quiet      bool
		verbose    bool
	)
	cmd := &cobra.Command{
		Use:   "replay <frames.jsonl>",
		Short: "Run a recorded keypoint stream through the analysis engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if !verbose {
				logger = zap.NewNop()
			}

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			frames, err := readFrames(f)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}

			e := engine.New(exercise.DefaultRegistry(), cfg.EngineOptions(), logger)
			if err := e.SelectExercise(models.ExerciseID(exerciseID)); err != nil {
				return err
			}
			if err := e.Start(); err != nil {
				return err
			}

			var bar *pb.ProgressBar
			if !quiet {
				bar = pb.ProgressBarTemplate(progressTemplate).New(len(frames)).
					SetWriter(cmd.ErrOrStderr()).
					Set("prefix", exerciseID).
					Start()
			}
			summary := replay(e, frames, func(models.Result) {
				if bar != nil {
					bar.Increment()
				}
			})
			if bar != nil {
				bar.Finish()
			}

			renderSummary(cmd.OutOrStdout(), exerciseID, summary)
			return nil
		},
	}
	cmd.Flags().StringVar(&exerciseID, "exercise", string(models.BicepCurls), "exercise id: bicepCurls|squats|frontKicks")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "hide the progress bar")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "log engine events")
	return cmd
}

// readFrames parses one JSON frame per line. Blank lines are ignored.
func readFrames(r io.Reader) ([]*models.Frame, error) {
	var frames []*models.Frame
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var f models.Frame
		if err := json.Unmarshal([]byte(text), &f); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		frames = append(frames, &f)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return frames, nil
}

// replay feeds frames to a started engine, advancing its clock by the gaps
// between frame timestamps.
func replay(e *engine.Engine, frames []*models.Frame, onFrame func(models.Result)) replaySummary {
	s := replaySummary{Statuses: make(map[models.Status]int)}
	var prev int64 = -1
	for _, f := range frames {
		if prev >= 0 && f.Timestamp > prev {
			gap := time.Duration(f.Timestamp-prev) * time.Millisecond
			e.Tick(gap)
			s.MediaLength += gap
		}
		res := e.ProcessFrame(f)
		s.Frames++
		if res.Skipped {
			s.Skipped++
		} else {
			prev = f.Timestamp
			if res.Form.Measured() {
				s.Statuses[res.Form.Status]++
			}
		}
		if res.Event == models.EventSetCompleted {
			s.SetsLog = append(s.SetsLog, fmt.Sprintf("set %d done at %.1fs (%d/%d correct so far)",
				res.Counter.TotalSetsCompleted, res.Stats.ExerciseElapsedSeconds, res.Stats.CorrectReps, res.Stats.TotalReps))
		}
		if onFrame != nil {
			onFrame(res)
		}
	}
	s.Final = e.Snapshot()
	return s
}

func renderSummary(w io.Writer, exerciseID string, s replaySummary) {
	st := s.Final.Stats
	_, _ = fmt.Fprintln(w, titleStyle.Render("Replay: "+exerciseID))
	_, _ = fmt.Fprintf(w, "  frames    %d (%d skipped) over %s\n", s.Frames, s.Skipped, s.MediaLength.Round(time.Millisecond))
	for _, line := range s.SetsLog {
		_, _ = fmt.Fprintf(w, "  %s\n", line)
	}
	_, _ = fmt.Fprintf(w, "  reps      %d total, %d correct (%.1f%%)\n", st.TotalReps, st.CorrectReps, st.Accuracy)
	_, _ = fmt.Fprintf(w, "  sets      %d completed, now set %d rep %d\n",
		s.Final.Counter.TotalSetsCompleted, s.Final.Counter.CurrentSet, s.Final.Counter.CurrentRep)
	_, _ = fmt.Fprintf(w, "  pose      %.0f%% average confidence\n", st.AverageConfidence*100)
	_, _ = fmt.Fprintf(w, "  form      %s %s %s\n",
		statusStyles[models.StatusGood].Render(fmt.Sprintf("good:%d", s.Statuses[models.StatusGood])),
		statusStyles[models.StatusWarning].Render(fmt.Sprintf("warning:%d", s.Statuses[models.StatusWarning])),
		statusStyles[models.StatusError].Render(fmt.Sprintf("error:%d", s.Statuses[models.StatusError])))
	if n := len(st.FormErrorLog); n > 0 {
		last := st.FormErrorLog[n-1]
		_, _ = fmt.Fprintf(w, "  last issue %s\n", statusStyles[last.Status].Render(last.Message))
	}
}

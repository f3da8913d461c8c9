package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cjeanneret/StarGuide/internal/config"
	"github.com/cjeanneret/StarGuide/internal/debug"
	"github.com/cjeanneret/StarGuide/internal/logic/backlash"
	"github.com/cjeanneret/StarGuide/internal/logic/calibration"
	"github.com/cjeanneret/StarGuide/internal/logic/capture"
	"github.com/cjeanneret/StarGuide/internal/logic/guider"
	"github.com/cjeanneret/StarGuide/internal/logic/motion"
	"github.com/cjeanneret/StarGuide/internal/metrics"
	"github.com/cjeanneret/StarGuide/internal/store"
	"github.com/cjeanneret/StarGuide/internal/web"
)

// outcomes forwards the end of guiding loops from the guider event stream.
type outcomes chan guider.OutcomeInfo

func (o outcomes) Publish(e guider.Event) {
	if e.Kind != guider.EventOutcome || e.Outcome == nil || e.Outcome.Worker != "guiding" {
		return
	}
	select {
	case o <- *e.Outcome:
	default:
	}
}

// calibrationFlags select how the guider gets its calibration.
type calibrationFlags struct {
	device string
	steps  int
	id     string // use a stored calibration
	reuse  bool   // use the latest stored calibration of the device
}

func (f *calibrationFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.device, "device", "guideport", "device to calibrate: guideport or ao")
	cmd.Flags().IntVar(&f.steps, "steps", 0, "calibration steps per direction, 0 = config")
}

func (f *calibrationFlags) registerReuse(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.id, "calibration", "", "use the stored calibration with this id")
	cmd.Flags().BoolVar(&f.reuse, "reuse", false, "use the latest stored calibration instead of calibrating")
}

func newCalibrateCommand(conf func() *config.Config) *cobra.Command {
	f := &calibrationFlags{}
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Calibrate a guide port or adaptive optics unit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := validateCalibrationFlags(f)
			if err != nil {
				return err
			}
			r, err := newRig(conf(), nil)
			if err != nil {
				return err
			}
			defer r.Close()

			cal, err := runCalibration(cmd.Context(), r.guider, t, f.steps)
			if err != nil {
				return err
			}
			printCalibration(cmd.OutOrStdout(), cal)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newGuideCommand(conf func() *config.Config, g *globalFlags) *cobra.Command {
	f := &calibrationFlags{}
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "guide",
		Short: "Calibrate if needed, then guide until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := validateCalibrationFlags(f)
			if err != nil {
				return err
			}
			if duration < 0 {
				return fmt.Errorf("duration must be >= 0, got %v", duration)
			}
			ctx := cmd.Context()
			done := make(outcomes, 4)
			r, err := newRig(conf(), done)
			if err != nil {
				return err
			}
			defer r.Close()
			r.watchGains(ctx, g.configPath)

			if err := prepareCalibration(ctx, r, t, f); err != nil {
				return err
			}
			if err := r.guider.StartGuiding(); err != nil {
				return err
			}
			outcome, gerr := waitGuiding(ctx, r.guider, done, duration)
			printSummary(cmd.OutOrStdout(), r.guider)
			switch {
			case outcome == guider.Completed || outcome == guider.Canceled:
				return nil
			case gerr != nil:
				return fmt.Errorf("guiding stopped: %s: %w", outcome, gerr)
			}
			return fmt.Errorf("guiding stopped: %s", outcome)
		},
	}
	f.register(cmd)
	f.registerReuse(cmd)
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop guiding after this long, 0 = until interrupted")
	return cmd
}

func newBacklashCommand(conf func() *config.Config) *cobra.Command {
	var axisName string
	cmd := &cobra.Command{
		Use:   "backlash",
		Short: "Measure the backlash of one mount axis",
		RunE: func(cmd *cobra.Command, _ []string) error {
			axis, err := backlash.ParseAxis(axisName)
			if err != nil {
				return err
			}
			r, err := newRig(conf(), nil)
			if err != nil {
				return err
			}
			defer r.Close()

			res, err := r.guider.MeasureBacklash(cmd.Context(), axis)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, res.String())
			fmt.Fprintf(out, "forward backlash:  %.3f px (%.2f s)\n", res.ForwardBacklash(), res.ForwardSeconds())
			fmt.Fprintf(out, "backward backlash: %.3f px (%.2f s)\n", res.BackwardBacklash(), res.BackwardSeconds())
			return nil
		},
	}
	cmd.Flags().StringVar(&axisName, "axis", "dec", "axis to measure: ra or dec")
	return cmd
}

func newCalibrationsCommand(conf func() *config.Config) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:     "calibrations",
		Aliases: []string{"cals"},
		Short:   "List stored calibrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, key, err := openStore(conf())
			if err != nil {
				return err
			}
			defer st.Close()
			if all {
				key = ""
			}
			cals, err := st.Calibrations(cmd.Context(), key)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tDATE\tDET\tQUALITY\tMATRIX")
			for i := range cals {
				c := &cals[i]
				fmt.Fprintf(w, "%s\t%s\t%s\t%.4f\t%.3f\t%s\n", c.ID, c.Type, c.Timestamp.Format(time.DateTime), c.Det, c.Quality, c.String())
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list calibrations of every guider")

	rm := &cobra.Command{
		Use:   "rm ID",
		Short: "Delete a stored calibration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := openStore(conf())
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.DeleteCalibration(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Calibration %s deleted.\n", args[0])
			return nil
		},
	}

	var limit int
	tracks := &cobra.Command{
		Use:   "tracks",
		Short: "List recent guiding runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, key, err := openStore(conf())
			if err != nil {
				return err
			}
			defer st.Close()
			recs, err := st.Tracks(cmd.Context(), key, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TRACK\tCALIBRATION\tSTART\tDURATION\tPOINTS\tRMS")
			for _, rec := range recs {
				dur, count, rms := "running", 0, "-"
				if rec.Finished != nil {
					dur = rec.Finished.Sub(rec.Start).Round(time.Second).String()
				}
				if rec.Summary != nil {
					count = rec.Summary.Count
					v := rec.Summary.RMS()
					rms = fmt.Sprintf("(%.2f,%.2f)", v.X, v.Y)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", rec.ID, rec.CalibrationID, rec.Start.Format(time.DateTime), dur, count, rms)
			}
			return w.Flush()
		},
	}
	tracks.Flags().IntVar(&limit, "limit", 20, "number of runs to list")

	cmd.AddCommand(rm, tracks)
	return cmd
}

func newServeCommand(conf func() *config.Config, g *globalFlags) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control and status server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := conf()
			if err := applyPort(cfg, port); err != nil {
				return err
			}
			ctx := cmd.Context()

			broadcaster := web.NewStatusBroadcaster()
			debug.SetOutput(io.MultiWriter(os.Stdout, web.LogWriter(broadcaster)))

			r, err := newRig(cfg, guider.MultiSink{broadcaster, metrics.Sink{}})
			if err != nil {
				return err
			}
			defer r.Close()
			r.watchGains(ctx, g.configPath)

			var history web.History
			if r.store != nil {
				history = r.store
			}
			srv := web.NewServer(ctx, fmt.Sprintf(":%d", cfg.Web.Port), broadcaster, r.guider, history)
			err = srv.Run(ctx)
			stopWorkers(r.guider)
			return err
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "listen port, 0 = web.port from config")
	return cmd
}

func newSequenceCommand(conf func() *config.Config, g *globalFlags) *cobra.Command {
	f := &calibrationFlags{}
	var sf sequenceFlags
	cmd := &cobra.Command{
		Use:   "sequence",
		Short: "Guide while the main camera takes a dithered series of exposures",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := conf()
			t, err := validateCalibrationFlags(f)
			if err != nil {
				return err
			}
			p, err := sequenceParams(cfg, sf)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			done := make(outcomes, 4)
			r, err := newRig(cfg, done)
			if err != nil {
				return err
			}
			defer r.Close()
			if r.shutter == nil {
				return errors.New("sequence needs a shutter: set shutter.type to gpio or sim")
			}
			r.watchGains(ctx, g.configPath)

			if err := prepareCalibration(ctx, r, t, f); err != nil {
				return err
			}
			if err := r.guider.StartGuiding(); err != nil {
				return err
			}

			// a guiding failure aborts the sequence
			seqCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				select {
				case o := <-done:
					debug.Errorf("guiding ended during the sequence: %s %s", o.Outcome, o.Error)
					cancel()
				case <-seqCtx.Done():
				}
			}()

			rep, seqErr := capture.NewSequence(r.shutter, r.guider).Run(seqCtx, p)
			stopWorkers(r.guider)
			printSummary(cmd.OutOrStdout(), r.guider)
			fmt.Fprintf(cmd.OutOrStdout(), "frames: %d/%d, dithers: %d (%d refused)\n", rep.Frames, p.Frames, rep.Dithers, rep.Failed)
			if seqErr != nil && !(capture.Interrupted(seqErr) && ctx.Err() != nil) {
				return seqErr
			}
			return nil
		},
	}
	f.register(cmd)
	f.registerReuse(cmd)
	cmd.Flags().IntVar(&sf.frames, "frames", 0, "number of frames, 0 = sequence.frames")
	cmd.Flags().DurationVar(&sf.exposure, "exposure", 0, "exposure per frame, 0 = sequence.exposure_s")
	cmd.Flags().IntVar(&sf.ditherEvery, "dither-every", -1, "dither after every N frames, 0 = never, -1 = sequence.dither_every")
	return cmd
}

// runCalibration calibrates t and waits for the result. Interrupting ctx
// cancels the run.
func runCalibration(ctx context.Context, g *guider.Guider, t motion.DeviceType, steps int) (calibration.Calibration, error) {
	if err := g.StartCalibrating(t, steps); err != nil {
		return calibration.Calibration{}, err
	}
	outcome, err := g.WaitCalibration(ctx)
	if ctx.Err() != nil {
		if cerr := g.CancelCalibrating(); cerr != nil && !errors.Is(cerr, guider.ErrIllegalTransition) {
			debug.Errorf("cancel calibration: %v", cerr)
		}
		return calibration.Calibration{}, ctx.Err()
	}
	if outcome != guider.Completed {
		return calibration.Calibration{}, fmt.Errorf("calibration %s: %w", outcome, err)
	}
	cal, _ := g.CurrentCalibration()
	return cal, nil
}

// prepareCalibration gives the guider a calibration for t: the stored one
// named by f.id, the latest stored one with f.reuse, or a fresh run.
func prepareCalibration(ctx context.Context, r *rig, t motion.DeviceType, f *calibrationFlags) error {
	if f.id != "" || f.reuse {
		if r.store == nil {
			return errors.New("stored calibrations need store.path in the config")
		}
		var (
			cal *calibration.Calibration
			err error
		)
		if f.id != "" {
			cal, err = r.store.Calibration(ctx, f.id)
		} else {
			cal, err = r.store.LatestCalibration(ctx, r.guider.Descriptor().Key(), t)
		}
		switch {
		case err == nil:
			if cal.Type != t {
				return fmt.Errorf("calibration %s is for %s, not %s", cal.ID, cal.Type, t)
			}
			return r.guider.UseCalibration(cal)
		case f.id == "" && errors.Is(err, store.ErrNotFound):
			debug.Info("No stored %s calibration, calibrating", t)
		default:
			return err
		}
	}
	cal, err := runCalibration(ctx, r.guider, t, f.steps)
	if err != nil {
		return err
	}
	debug.Info("Calibrated %s: %s quality %.3f", t, cal.String(), cal.Quality)
	return nil
}

// waitGuiding blocks until the guiding loop ends, ctx is done or d elapsed
// (d = 0 waits forever). The loop is stopped in the last two cases.
func waitGuiding(ctx context.Context, g *guider.Guider, done outcomes, d time.Duration) (guider.Outcome, error) {
	var timeout <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-done:
		return g.LastOutcome()
	case <-ctx.Done():
	case <-timeout:
	}
	if err := g.StopGuiding(); err != nil && !errors.Is(err, guider.ErrIllegalTransition) {
		return guider.Failed, err
	}
	return g.LastOutcome()
}

// stopWorkers ends whatever the guider is doing before the process exits.
func stopWorkers(g *guider.Guider) {
	switch g.CurrentState() {
	case guider.Guiding:
		_ = g.StopGuiding()
	case guider.Calibrating:
		_ = g.CancelCalibrating()
	}
}

func openStore(cfg *config.Config) (*store.Store, string, error) {
	if cfg.Store.Path == "" {
		return nil, "", errors.New("no calibration history: store.path is not set")
	}
	st, err := store.New(cfg.Store.Path)
	if err != nil {
		return nil, "", err
	}
	key := guider.Descriptor{
		CameraName:    cfg.Guider.CameraName,
		CCDID:         cfg.Guider.CCDID,
		GuidePortName: cfg.Guider.GuidePort,
	}.Key()
	return st, key, nil
}

func printCalibration(w io.Writer, c calibration.Calibration) {
	fmt.Fprintf(w, "calibration %s (%s)\n", c.ID, c.Type)
	fmt.Fprintf(w, "  matrix:        %s\n", c.String())
	fmt.Fprintf(w, "  determinant:   %.4f\n", c.Det)
	fmt.Fprintf(w, "  orthogonality: %.3f\n", c.Orthogonality())
	fmt.Fprintf(w, "  quality:       %.3f\n", c.Quality)
	fmt.Fprintf(w, "  points:        %d\n", len(c.Points))
}

func printSummary(w io.Writer, g *guider.Guider) {
	s := g.CurrentSummary()
	rms := s.RMS()
	fmt.Fprintf(w, "track %s: %d cycles, average offset %s px, rms (%.3f, %.3f) px\n", s.TrackID, s.Count, s.Average, rms.X, rms.Y)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hochfrequenz/claude-cycle-runner/internal/agent"
	"github.com/hochfrequenz/claude-cycle-runner/internal/batch"
	"github.com/hochfrequenz/claude-cycle-runner/internal/config"
	"github.com/hochfrequenz/claude-cycle-runner/internal/domain"
	"github.com/hochfrequenz/claude-cycle-runner/internal/logging"
	"github.com/hochfrequenz/claude-cycle-runner/internal/notify"
	"github.com/hochfrequenz/claude-cycle-runner/internal/plan"
	"github.com/hochfrequenz/claude-cycle-runner/internal/taskstore"
	"github.com/hochfrequenz/claude-cycle-runner/internal/worktree"
	"github.com/hochfrequenz/claude-cycle-runner/tui"
	"github.com/hochfrequenz/claude-cycle-runner/web/api"
)

var (
	runMaxCycles    int
	runMaxCost      float64
	runMaxDuration  time.Duration
	runMaxParallel  int
	runRetryBlocked bool
	runServe        bool
	runDash         bool

	statusRuns int

	sessionsTask  string
	sessionsLimit int

	servePort int

	scheduleFile   string
	scheduleRunNow string
	scheduleList   bool
	scheduleServe  bool
)

func init() {
	// run command
	runCmd := &cobra.Command{
		Use:   "run PLAN",
		Short: "Run a plan (YAML file or directory of markdown tasks)",
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().IntVar(&runMaxCycles, "max-cycles", 0, "override the cycle budget")
	runCmd.Flags().Float64Var(&runMaxCost, "max-cost", 0, "override the cost budget in USD")
	runCmd.Flags().DurationVar(&runMaxDuration, "max-duration", 0, "override the time budget")
	runCmd.Flags().IntVar(&runMaxParallel, "max-parallel", 0, "override the number of concurrent tasks")
	runCmd.Flags().BoolVar(&runRetryBlocked, "retry-blocked", false, "carry blocked tasks into the next cycle")
	runCmd.Flags().BoolVar(&runServe, "serve", false, "serve the web API while running")
	runCmd.Flags().BoolVar(&runDash, "dash", false, "show the live dashboard while running")
	rootCmd.AddCommand(runCmd)

	// status command
	statusCmd := &cobra.Command{
		Use:   "status [RUN]",
		Short: "Show a recorded run (default: the latest)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatus,
	}
	statusCmd.Flags().IntVar(&statusRuns, "runs", 0, "list the most recent N runs instead")
	rootCmd.AddCommand(statusCmd)

	// sessions command
	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded agent sessions",
		RunE:  runSessions,
	}
	sessionsCmd.Flags().StringVar(&sessionsTask, "task", "", "only sessions of this task")
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "maximum sessions to show")
	rootCmd.AddCommand(sessionsCmd)

	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the web API over recorded runs",
		RunE:  runServeCmd,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	rootCmd.AddCommand(serveCmd)

	// schedule command
	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Run plans on cron schedules",
		RunE:  runSchedule,
	}
	scheduleCmd.Flags().StringVar(&scheduleFile, "file", "", "schedule file (default ~/.config/claude-cycle/schedule.toml)")
	scheduleCmd.Flags().StringVar(&scheduleRunNow, "run-now", "", "run the named batch once and exit")
	scheduleCmd.Flags().BoolVar(&scheduleList, "list", false, "list batches and their next run")
	scheduleCmd.Flags().BoolVar(&scheduleServe, "serve", false, "serve the web API while scheduling")
	rootCmd.AddCommand(scheduleCmd)

	// worktrees command
	worktreesCmd := &cobra.Command{
		Use:   "worktrees",
		Short: "List task worktrees left in the repository",
		RunE:  runWorktrees,
	}
	rootCmd.AddCommand(worktreesCmd)

	// dash command
	dashCmd := &cobra.Command{
		Use:   "dash",
		Short: "Dashboard over the run database",
		RunE:  runDashCmd,
	}
	rootCmd.AddCommand(dashCmd)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// runBudget layers config, plan and flag budgets
func runBudget(cmd *cobra.Command, p *plan.Plan) domain.RunBudget {
	b := p.ApplyBudget(configBudget(cfg))
	flags := cmd.Flags()
	if flags.Changed("max-cycles") {
		b.MaxCycles = runMaxCycles
	}
	if flags.Changed("max-cost") {
		b.MaxCostUSD = runMaxCost
	}
	if flags.Changed("max-duration") {
		b.MaxDuration = runMaxDuration
	}
	if flags.Changed("max-parallel") {
		b.MaxParallel = runMaxParallel
	}
	return b
}

func apiAddr(port int) string {
	if port == 0 {
		port = cfg.Web.Port
	}
	return fmt.Sprintf("%s:%d", cfg.Web.Host, port)
}

func runRun(cmd *cobra.Command, args []string) error {
	p, err := plan.Load(args[0])
	if err != nil {
		return fmt.Errorf("loading plan: %w", err)
	}
	budget := runBudget(cmd, p)

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx, cfg, logger, runRetryBlocked)
	if err != nil {
		return err
	}
	defer a.Close()

	if runServe {
		server := api.NewServer(api.Deps{
			Store:      a.store,
			Sessions:   a.registry,
			Controller: a.controller,
			Metrics:    a.observer,
			Events:     a.events,
			Logger:     logger,
		}, apiAddr(0))
		go func() {
			if err := server.Start(ctx); err != nil {
				logger.Error("web api stopped", zap.Error(err))
			}
		}()
	}

	var run *domain.Run
	if runDash {
		run, err = runWithDashboard(ctx, a, p, budget)
	} else {
		run, err = a.controller.Run(ctx, p, budget)
	}
	if err != nil {
		return err
	}

	printRun(cmd.OutOrStdout(), run, nil)
	return outcomeError(run)
}

// runWithDashboard drives the run in the background while the dashboard
// owns the terminal. Quitting the dashboard stops the run.
func runWithDashboard(ctx context.Context, a *app, p *plan.Plan, budget domain.RunBudget) (*domain.Run, error) {
	type result struct {
		run *domain.Run
		err error
	}
	done := make(chan result, 1)
	go func() {
		run, err := a.controller.Run(ctx, p, budget)
		done <- result{run, err}
	}()

	feed, cancel := a.events.Subscribe(256)
	defer cancel()

	model := tui.NewModel(tui.ModelConfig{
		Source:    a,
		Events:    feed,
		MaxActive: cfg.Limits.MaxActiveSessions,
	})
	if _, err := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx)).Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		logger.Warn("dashboard exited", zap.Error(err))
	}

	select {
	case r := <-done:
		return r.run, r.err
	default:
	}
	a.controller.Stop()
	r := <-done
	return r.run, r.err
}

// outcomeError turns a failed or blocked run into a non-zero exit
func outcomeError(run *domain.Run) error {
	switch run.Outcome {
	case domain.OutcomeFailed, domain.OutcomeBlocked:
		return fmt.Errorf("run %s: %s", run.Outcome, run.Reason)
	}
	return nil
}

func formatUSD(v float64) string {
	return "$" + humanize.FormatFloat("#,###.##", v)
}

// printRun writes a run summary, and its tasks when given
func printRun(out io.Writer, run *domain.Run, tasks []*domain.Task) {
	fmt.Fprintf(out, "Run %s: %s\n", run.ID, run.PlanTitle)
	fmt.Fprintf(out, "Started %s, elapsed %s, cost %s\n",
		humanize.Time(run.StartedAt), run.Elapsed().Round(time.Second), formatUSD(run.CostUSD))
	if run.Outcome != "" {
		fmt.Fprintf(out, "Outcome: %s (%s)\n", run.Outcome, run.Reason)
	} else {
		fmt.Fprintln(out, "Outcome: still running")
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nCYCLE\tTITLE\tCOMPLETION\tTESTS\tCOST\tOUTCOME")
	for _, c := range run.Cycles {
		tests := "fail"
		if c.TestsPassed {
			tests = "pass"
		}
		fmt.Fprintf(w, "%d\t%s\t%.0f%%\t%s\t%s\t%s\n",
			c.Number, c.Title, c.Completion, tests, formatUSD(c.CostUSD), c.Outcome)
	}
	w.Flush()

	if len(tasks) == 0 {
		return
	}
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\nCYCLE\tTASK\tSTATUS\tTESTS\tCOST\tREASON")
	for _, t := range tasks {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d/%d\t%s\t%s\n",
			t.Cycle, t.ID, t.Status, t.TestsPassed, t.TestsPassed+t.TestsFailed, formatUSD(t.CostUSD), t.Reason)
	}
	w.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	out := cmd.OutOrStdout()

	if statusRuns > 0 {
		runs, err := store.ListRuns(statusRuns)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tPLAN\tSTARTED\tCOST\tOUTCOME")
		for _, r := range runs {
			outcome := string(r.Outcome)
			if outcome == "" {
				outcome = "running"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.PlanTitle, humanize.Time(r.StartedAt), formatUSD(r.CostUSD), outcome)
		}
		return w.Flush()
	}

	var run *domain.Run
	if len(args) == 1 {
		run, err = store.GetRun(args[0])
	} else {
		run, err = store.LatestRun()
	}
	if errors.Is(err, taskstore.ErrNotFound) && len(args) == 0 {
		fmt.Fprintln(out, "No runs recorded")
		return nil
	}
	if err != nil {
		return err
	}

	tasks, err := store.ListTasks(run.ID)
	if err != nil {
		return err
	}
	printRun(out, run, tasks)
	return nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.ListSessions(sessionsTask, sessionsLimit)
	if err != nil {
		return err
	}
	printSessions(cmd.OutOrStdout(), sessions)
	return nil
}

func printSessions(out io.Writer, sessions []agent.Info) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tTASK\tSTARTED\tTOKENS\tCOMPACTIONS\tCOST\tEXIT")
	for _, s := range sessions {
		exit := fmt.Sprintf("%d", s.ExitCode)
		if s.Running {
			exit = "running"
		} else if s.Error != "" {
			exit += " (" + s.Error + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			s.Key, s.TaskID, humanize.Time(s.StartedAt), humanize.Comma(int64(s.Usage.Total())),
			s.Compactions, formatUSD(s.CostUSD), exit)
	}
	w.Flush()
}

func runWorktrees(cmd *cobra.Command, args []string) error {
	repoDir, err := repoRoot(cfg)
	if err != nil {
		return err
	}
	mgr := worktree.NewManager(repoDir, cfg.General.WorktreeDir, cfg.General.BaseBranch, logger)
	infos, err := mgr.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing worktrees: %w", err)
	}
	printWorktrees(cmd.OutOrStdout(), infos)
	return nil
}

// printWorktrees lists the worktrees on task branches. Blocked tasks keep
// theirs when keep_blocked_worktrees is set.
func printWorktrees(out io.Writer, infos []worktree.Info) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	n := 0
	for _, info := range infos {
		if info.IsMain || !strings.HasPrefix(info.Branch, worktree.BranchName("")) {
			continue
		}
		if n == 0 {
			fmt.Fprintln(w, "TASK\tBRANCH\tPATH")
		}
		n++
		fmt.Fprintf(w, "%s\t%s\t%s\n", strings.TrimPrefix(info.Branch, worktree.BranchName("")), info.Branch, info.Path)
	}
	if n == 0 {
		fmt.Fprintln(w, "No task worktrees.")
	}
	w.Flush()
}

func runServeCmd(cmd *cobra.Command, args []string) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	addr := apiAddr(servePort)
	fmt.Fprintf(cmd.OutOrStdout(), "Serving web API at http://%s\n", addr)
	return api.NewServer(api.Deps{Store: store, Logger: logger}, addr).Start(ctx)
}

func defaultScheduleFile() string {
	return filepath.Join(filepath.Dir(cfgPathOrDefault()), "schedule.toml")
}

func cfgPathOrDefault() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func runSchedule(cmd *cobra.Command, args []string) error {
	path := scheduleFile
	if path == "" {
		path = defaultScheduleFile()
	}
	sched, err := batch.LoadScheduleConfig(path)
	if err != nil {
		return err
	}
	if len(sched.Batches) == 0 {
		return fmt.Errorf("no batches configured in %s", path)
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.Close()

	scheduler, err := batch.NewScheduler(sched.Batches, batchRunner(a), logger)
	if err != nil {
		return err
	}

	if scheduleList {
		printSchedule(cmd.OutOrStdout(), scheduler.Status())
		return nil
	}
	if scheduleRunNow != "" {
		return scheduler.RunNow(ctx, scheduleRunNow)
	}

	if scheduleServe {
		server := api.NewServer(api.Deps{
			Store:    a.store,
			Sessions: a.registry,
			Metrics:  a.observer,
			Events:   a.events,
			Logger:   logger,
		}, apiAddr(0))
		go func() {
			if err := server.Start(ctx); err != nil {
				logger.Error("web api stopped", zap.Error(err))
			}
		}()
	}

	scheduler.Start()
	printSchedule(cmd.OutOrStdout(), scheduler.Status())
	<-ctx.Done()
	scheduler.Stop()
	return nil
}

// batchRunner runs one scheduled batch on its own controller
func batchRunner(a *app) batch.RunFunc {
	log := logging.Component(a.logger, "batch-runner")
	return func(ctx context.Context, b batch.BatchConfig) error {
		p, err := plan.Load(b.Plan)
		if err != nil {
			return fmt.Errorf("loading plan: %w", err)
		}
		budget := b.Budget(p.ApplyBudget(configBudget(a.cfg)))

		c := a.newController()
		defer a.release(c)
		run, err := c.Run(ctx, p, budget)
		if err != nil {
			return err
		}
		log.Info("scheduled run finished",
			zap.String("batch", b.Name),
			zap.String("run_id", run.ID),
			zap.String("outcome", string(run.Outcome)),
			zap.Float64("cost_usd", run.CostUSD))

		if b.NotifyOnComplete {
			note := notify.Notification{
				Type:    notify.NotifyInfo,
				Title:   "Scheduled run " + b.Name + " finished",
				Message: fmt.Sprintf("%s: %s (%s)", run.Outcome, run.Reason, formatUSD(run.CostUSD)),
				RunID:   run.ID,
			}
			if err := notifier(a.cfg).Send(note); err != nil {
				log.Warn("batch notification failed", zap.String("batch", b.Name), zap.Error(err))
			}
		}
		return outcomeError(run)
	}
}

func printSchedule(out io.Writer, statuses []batch.Status) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BATCH\tCRON\tPLAN\tNEXT\tLAST")
	for _, s := range statuses {
		last := "never"
		if !s.LastRun.IsZero() {
			last = humanize.Time(s.LastRun)
			if s.LastErr != "" {
				last += " (" + s.LastErr + ")"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.Name, s.Cron, s.Plan, humanize.Time(s.Next), last)
	}
	w.Flush()
}

func runDashCmd(cmd *cobra.Command, args []string) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	model := tui.NewModel(tui.ModelConfig{
		Source: &storeSource{
			store:         store,
			hangThreshold: cfg.Heuristics.HangThreshold.Duration,
			logger:        logger,
		},
		MaxActive: cfg.Limits.MaxActiveSessions,
		Refresh:   2 * time.Second,
	})
	_, err = tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(cmd.Context())).Run()
	return err
}

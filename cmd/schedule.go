package cmd

import (
	"context"
	"fmt"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/rcrowley/go-metrics"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/aelpxy/btrback/internal/backup"
	"github.com/aelpxy/btrback/internal/schedule"
	"github.com/aelpxy/btrback/pkg/models"
)

var (
	scheduleOnce            bool
	scheduleMetricsInterval time.Duration
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "run configured backup schedules",
}

var scheduleRunCmd = &cobra.Command{
	Use:   "run [name...]",
	Short: "run the backup scheduler in the foreground",
	Long: "Register every [[schedule]] entry of the config file and run them\n" +
		"until interrupted. With --once the named schedules (or all of them)\n" +
		"run a single time and the command exits.",
	Run: runSchedule,
}

func runSchedule(cmd *cobra.Command, args []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := newServices(ctx)
	schedules := selectSchedules(s.cfg.Schedules, args)
	if len(schedules) == 0 {
		fail("no schedules configured in %s", s.configPath)
	}

	sched := schedule.New(s.backups)

	if scheduleOnce {
		failed := 0
		for _, sc := range schedules {
			b, err := sched.Run(ctx, sc)
			if err != nil {
				failed++
				fmt.Println(errorStyle.Render("  [fail]") + " " + sc.Name + ": " + err.Error())
				continue
			}
			fmt.Println(successStyle.Render("  [ok]") + " " + sc.Name + " " + dimStyle.Render(b.ID))
		}
		printStats(s.metrics)
		if failed > 0 {
			os.Exit(1)
		}
		return
	}

	for _, sc := range schedules {
		if err := sched.Add(ctx, sc); err != nil {
			fail("%v", err)
		}
	}

	if scheduleMetricsInterval > 0 {
		go metrics.Log(s.metrics, scheduleMetricsInterval, log.StandardLogger())
	}

	sched.Start()
	fmt.Println(infoStyle.Render(fmt.Sprintf("==> scheduler running with %d schedule(s), ctrl-c to stop", sched.Len())))

	<-ctx.Done()
	log.Info("stopping scheduler")
	<-sched.Stop().Done()
}

func printStats(r metrics.Registry) {
	stats := backup.Snapshot(r)
	names := slices.Sorted(maps.Keys(stats))
	fmt.Println()
	for _, name := range names {
		fmt.Printf("  %s %d\n", dimStyle.Render(fmt.Sprintf("%-28s", name)), stats[name])
	}
}

func selectSchedules(all []models.ScheduleConfig, names []string) []models.ScheduleConfig {
	if len(names) == 0 {
		return all
	}
	byName := make(map[string]models.ScheduleConfig, len(all))
	for _, sc := range all {
		byName[sc.Name] = sc
	}
	selected := make([]models.ScheduleConfig, 0, len(names))
	for _, name := range names {
		sc, ok := byName[name]
		if !ok {
			fail("schedule %q not found", name)
		}
		selected = append(selected, sc)
	}
	return selected
}

func init() {
	scheduleRunCmd.Flags().BoolVar(&scheduleOnce, "once", false, "run the schedules once and exit")
	scheduleRunCmd.Flags().DurationVar(&scheduleMetricsInterval, "metrics-interval", 15*time.Minute, "how often to log backup metrics (0 disables)")
	scheduleCmd.AddCommand(scheduleRunCmd)
	rootCmd.AddCommand(scheduleCmd)
}

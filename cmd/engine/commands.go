package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dewei/PriceRadar/pkg/engine"
	"github.com/dewei/PriceRadar/pkg/messaging"
	"github.com/dewei/PriceRadar/pkg/model"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Evaluate alerts on the configured cron schedule until interrupted",
	Run: func(cmd *cobra.Command, args []string) {
		a := setup(cmd)
		defer a.Close()

		ctx, stop := signalContext()
		defer stop()

		a.StartHealthChecks(ctx, 30*time.Second)

		sched, err := a.NewScheduler()
		if err != nil {
			log.Fatalf("failed to create scheduler: %v", err)
		}
		sched.Start()

		<-ctx.Done()
		sched.Stop()
		log.Info("engine stopped")
	},
}

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run a single evaluation cycle and print its summary",
	Run: func(cmd *cobra.Command, args []string) {
		a := setup(cmd)
		defer a.Close()

		ctx, stop := signalContext()
		defer stop()

		sum, err := a.Engine.RunCycle(ctx)
		renderSummary(sum)
		if err != nil {
			log.Fatalf("cycle failed: %v", err)
		}
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored alerts",
	Run: func(cmd *cobra.Command, args []string) {
		a := setup(cmd)
		defer a.Close()

		filter, err := cmd.Flags().GetString("status")
		if err != nil {
			log.Fatalf("failed to read status flag: %v", err)
		}

		ctx := context.Background()
		var alerts []*model.Alert
		if filter != "" {
			status, perr := model.ParseStatus(filter)
			if perr != nil {
				log.Fatalf("invalid status: %v", perr)
			}
			alerts, err = a.Store.Alerts.FindByStatus(ctx, []model.Status{status})
		} else {
			alerts, err = a.Store.Alerts.List(ctx)
		}
		if err != nil {
			log.Fatalf("failed to list alerts: %v", err)
		}
		renderAlerts(alerts)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database tables",
	Run: func(cmd *cobra.Command, args []string) {
		// tables are migrated when the postgres store opens
		a := setup(cmd)
		defer a.Close()

		if a.Store.Postgres == nil {
			log.Warn("storage driver is not postgres, nothing to migrate")
			return
		}
		log.Info("database migrated")
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Print alert events from NATS until interrupted",
	Run: func(cmd *cobra.Command, args []string) {
		a := setup(cmd)
		defer a.Close()

		if a.NATS == nil {
			log.Fatal("NATS is not configured or unreachable, set nats.url")
		}

		ctx, stop := signalContext()
		defer stop()

		consumer := fmt.Sprintf("price-radar-cli-%d", os.Getpid())
		err := a.NATS.Subscribe(consumer, a.NATS.Subject("*"), func(data []byte) error {
			var event model.AlertEvent
			if err := json.Unmarshal(data, &event); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			printEvent(event)
			return nil
		})
		if err != nil {
			log.Fatalf("failed to subscribe: %v", err)
		}
		log.Infof("listening for %s and %s events", messaging.EventTriggered, messaging.EventStatus)

		<-ctx.Done()
	},
}

func renderSummary(sum engine.CycleSummary) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Metric", "Count"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	rows := []struct {
		name  string
		value int
	}{
		{"alerts", sum.Alerts},
		{"pairs", sum.Pairs},
		{"fetch failures", sum.FetchFailures},
		{"recovered", sum.Recovered},
		{"errored", sum.Errored},
		{"webhook resets", sum.WebhookResets},
		{"evaluated", sum.Evaluated},
		{"skipped", sum.Skipped},
		{"triggered", sum.Triggered},
		{"notified", sum.Notified},
		{"delivery failures", sum.DeliveryFailures},
		{"no webhook", sum.NoWebhook},
		{"save failures", sum.SaveFailures},
		{"stale", sum.Stale},
	}
	for _, r := range rows {
		table.Append([]string{r.name, strconv.Itoa(r.value)})
	}
	table.SetFooter([]string{"duration", sum.Duration.Round(time.Millisecond).String()})
	table.Render()
}

func renderAlerts(alerts []*model.Alert) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Ticker", "Asset", "Condition", "Target", "Status", "Last Price", "Last Checked", "Last Triggered"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for _, a := range alerts {
		table.Append([]string{
			a.ID,
			a.Ticker,
			string(a.AssetType),
			a.Condition.Label(),
			humanize.FormatFloat("#,###.##", a.TargetPrice),
			string(a.Status),
			price(a.LastCheckedPrice),
			ago(a.LastCheckedTimestamp),
			ago(a.LastTriggeredTimestamp),
		})
	}
	table.Render()
}

func printEvent(e model.AlertEvent) {
	fmt.Printf("%s  %-10s %-8s %s -> %s  price=%s notified=%t\n",
		e.Timestamp.Format(time.RFC3339), e.Ticker, e.AssetType, e.FromStatus, e.ToStatus, price(e.Price), e.Notified)
}

func price(p *float64) string {
	if p == nil {
		return "-"
	}
	return humanize.FormatFloat("#,###.##", *p)
}

func ago(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return humanize.Time(*t)
}

// opctl drives bulk user operations against an opstream server and renders
// their progress streams on the terminal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ahrav/opstream/internal/client"
	"github.com/ahrav/opstream/internal/client/announce"
	"github.com/ahrav/opstream/internal/domain/operation"
	"github.com/ahrav/opstream/pkg/common/logger"
)

const serviceName = "opctl"

func main() {
	var (
		server    = flag.String("server", "http://localhost:8080", "base URL of the opstream server")
		kindArg   = flag.String("operation", "", "bulk operation to run (activate, deactivate, delete, export, send_welcome_email, reset_password, verify_email)")
		usersArg  = flag.String("users", "", "comma-separated user IDs to target")
		usersFile = flag.String("users-file", "", "file with one user ID per line (overrides -users)")
		timeout   = flag.Duration("timeout", 0, "abort the operation after this duration (0 = no limit)")
		milestone = flag.Int("milestone", announce.DefaultMilestoneInterval, "announce progress every N items")
		verbose   = flag.Bool("v", false, "log every progress snapshot, not just announcements")
	)
	flag.Parse()

	if err := run(*server, *kindArg, *usersArg, *usersFile, *timeout, *milestone, *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "opctl: %v\n", err)
		os.Exit(1)
	}
}

func run(server, kindArg, usersArg, usersFile string, timeout time.Duration, milestone int, verbose bool) error {
	kind, err := operation.ParseKind(kindArg)
	if err != nil {
		return err
	}

	userIDs, err := loadUserIDs(usersArg, usersFile)
	if err != nil {
		return err
	}

	minLevel := logger.LevelWarn
	if verbose {
		minLevel = logger.LevelDebug
	}
	log := logger.New(os.Stderr, minLevel, serviceName, nil)

	// Announcements go to stdout so the progress narrative survives piping;
	// structured logs stay on stderr.
	region := announce.LiveRegionFunc(func(_ context.Context, text string, politeness announce.Politeness) {
		fmt.Printf("[%s] %s\n", politeness, text)
	})
	announcer := announce.New(region, announce.WithMilestoneInterval(milestone))

	coord := client.NewCoordinator(server, log, client.WithAnnouncer(announcer))

	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	snap, err := coord.Execute(ctx, kind, userIDs)
	if err != nil {
		return err
	}

	// First interrupt cancels the operation; a second one kills the process.
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-interrupt
		fmt.Fprintln(os.Stderr, "opctl: cancelling, interrupt again to force quit")
		if err := coord.Cancel(snap.ID); err != nil {
			log.Warn(ctx, "cancel failed", "operation_id", snap.ID, "error", err)
		}
		signal.Stop(interrupt)
	}()

	updates := coord.Subscribe()
	go func() {
		for s := range updates {
			if verbose {
				log.Debug(ctx, "progress",
					"operation_id", s.ID,
					"status", s.Status,
					"processed", s.ProcessedItems,
					"total", s.TotalItems)
			}
			if s.Status.IsTerminal() {
				return
			}
		}
	}()

	final, err := coord.Wait(ctx, snap.ID)
	if err != nil {
		return err
	}

	printSummary(final)
	if final.Status != operation.StatusCompleted {
		os.Exit(2)
	}
	return nil
}

// loadUserIDs resolves the target list from -users-file or -users, trimming
// whitespace and dropping blank entries.
func loadUserIDs(usersArg, usersFile string) ([]string, error) {
	var raw []string
	switch {
	case usersFile != "":
		data, err := os.ReadFile(usersFile)
		if err != nil {
			return nil, fmt.Errorf("reading users file: %w", err)
		}
		raw = strings.Split(string(data), "\n")
	case usersArg != "":
		raw = strings.Split(usersArg, ",")
	default:
		return nil, fmt.Errorf("no targets: pass -users or -users-file")
	}

	ids := make([]string, 0, len(raw))
	for _, id := range raw {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no targets: the user list is empty")
	}
	return ids, nil
}

func printSummary(snap operation.Snapshot) {
	fmt.Printf("\noperation %s: %s\n", snap.ID, snap.Status)
	fmt.Printf("  processed:  %d/%d\n", snap.ProcessedItems, snap.TotalItems)
	fmt.Printf("  successful: %d\n", snap.SuccessfulItems)
	fmt.Printf("  failed:     %d\n", snap.FailedItems)
	if d := duration(snap); d > 0 {
		fmt.Printf("  duration:   %s\n", d.Round(time.Millisecond))
	}
	for _, e := range snap.Errors {
		if e.ItemID != "" {
			fmt.Printf("  error:      %s: %s (%s)\n", e.ItemID, e.Message, e.Code)
		} else {
			fmt.Printf("  error:      %s (%s)\n", e.Message, e.Code)
		}
	}
}

func duration(snap operation.Snapshot) time.Duration {
	if snap.StartTime == nil || snap.EndTime == nil {
		return 0
	}
	return snap.EndTime.Sub(*snap.StartTime)
}

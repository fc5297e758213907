// Command aozoractl is the operator CLI: it publishes record and merge
// commands to a running daemon, tails its progress events, and manages the
// library-level settings the daemon reads at startup.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nthree/aozorastation/internal/bus"
	"github.com/nthree/aozorastation/internal/config"
	"github.com/nthree/aozorastation/internal/locale"
	"github.com/nthree/aozorastation/internal/protocol"
	"github.com/nthree/aozorastation/internal/synthesis"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "record":
		err = runRecord(os.Args[2:])
	case "merge":
		err = runMerge(os.Args[2:])
	case "watch":
		err = runWatch(os.Args[2:])
	case "models":
		err = runModels(os.Args[2:])
	case "lang":
		err = runLang(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: aozoractl <command> [flags]

commands:
  record   publish a record command (segment sources and synthesize audio)
  merge    publish a merge command (consolidate staged audio)
  watch    tail status and notice events from the daemon
  models   list the models offered by the synthesis service
  lang     get or set the display language preference
  version  print version and exit`)
}

func loadConfig(path string) (config.Config, error) {
	return config.Load(path)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func connect(cfg config.Config) (*bus.Client, error) {
	return bus.Connect(cfg.Bus, quietLogger())
}

func runRecord(args []string) error {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	modelID := fs.Int("model", 0, "Synthesis model id (0 uses the daemon default)")
	follow := fs.Bool("follow", false, "Stay attached and print progress events")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	client, err := connect(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	payload, err := json.Marshal(protocol.RecordRequest{
		ModelID:   *modelID,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if err := client.Conn().Publish(protocol.SubjectRecordCommand, payload); err != nil {
		return fmt.Errorf("publish record command: %w", err)
	}
	if err := client.Conn().Flush(); err != nil {
		return err
	}
	fmt.Println("record command published")

	if *follow {
		return tail(client, true)
	}
	return nil
}

func runMerge(args []string) error {
	fs := flag.NewFlagSet("merge", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	follow := fs.Bool("follow", false, "Stay attached and print progress events")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	client, err := connect(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	payload, err := json.Marshal(protocol.MergeRequest{Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := client.Conn().Publish(protocol.SubjectMergeCommand, payload); err != nil {
		return fmt.Errorf("publish merge command: %w", err)
	}
	if err := client.Conn().Flush(); err != nil {
		return err
	}
	fmt.Println("merge command published")

	if *follow {
		return tail(client, true)
	}
	return nil
}

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	client, err := connect(cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	return tail(client, false)
}

// tail prints status and notice events. With untilDone it returns once a
// batch-terminal notice arrives: the completion message, or a batch-level
// error (one without a document scope but with a stage). Otherwise it runs
// until interrupted.
func tail(client *bus.Client, untilDone bool) error {
	done := make(chan struct{})
	var closeDone sync.Once

	statusSub, err := client.Conn().Subscribe(protocol.SubjectStatus, func(msg *nats.Msg) {
		var update protocol.StatusUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			return
		}
		if update.Target != "" {
			fmt.Printf("[status] %s %s / %s\n", shortRun(update.RunID), update.Status, update.Target)
			return
		}
		fmt.Printf("[status] %s %s\n", shortRun(update.RunID), update.Status)
	})
	if err != nil {
		return err
	}
	defer statusSub.Unsubscribe()

	noticeSub, err := client.Conn().Subscribe(protocol.SubjectNotice, func(msg *nats.Msg) {
		var notice protocol.Notice
		if err := json.Unmarshal(msg.Data, &notice); err != nil {
			return
		}
		scope := notice.Stage
		if notice.DocumentID != "" {
			scope = scope + "/" + notice.DocumentID
		}
		if scope != "" {
			fmt.Printf("[%s] %s %s: %s\n", notice.Level, shortRun(notice.RunID), scope, notice.Message)
		} else {
			fmt.Printf("[%s] %s %s\n", notice.Level, shortRun(notice.RunID), notice.Message)
		}
		if !untilDone {
			return
		}
		finished := notice.Level == protocol.LevelInfo && notice.Stage == ""
		aborted := notice.Level == protocol.LevelError && notice.DocumentID == ""
		if finished || aborted {
			closeDone.Do(func() { close(done) })
		}
	})
	if err != nil {
		return err
	}
	defer noticeSub.Unsubscribe()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	select {
	case <-ctx.Done():
	case <-done:
	}
	return nil
}

func shortRun(runID string) string {
	if len(runID) > 8 {
		return runID[:8]
	}
	return runID
}

func runModels(args []string) error {
	fs := flag.NewFlagSet("models", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	client := synthesis.NewClient(cfg.Synthesis, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	models, err := client.Models(ctx)
	if err != nil {
		return err
	}
	for _, model := range models {
		fmt.Printf("%s\t%s\n", model.ID, model.Name)
	}
	return nil
}

func runLang(args []string) error {
	fs := flag.NewFlagSet("lang", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		lang, err := locale.Load(cfg.Locale.Path, cfg.Locale.Default)
		if err != nil {
			return err
		}
		fmt.Println(lang)
		return nil
	}
	lang := rest[0]
	if err := locale.Save(cfg.Locale.Path, lang); err != nil {
		return err
	}
	fmt.Printf("language preference set to %s (restart the daemon to apply)\n", lang)
	return nil
}

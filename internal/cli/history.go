package cli

import (
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/MrCodeEU/FaceAttend/internal/config"
	"github.com/MrCodeEU/FaceAttend/internal/journal"
)

// RunHistory prints recent attempts from the local journal
func RunHistory(args []string) {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	name := fs.String("name", "", "Only show attempts for this student")
	limit := fs.Int("limit", 20, "Maximum number of entries")
	configPath := fs.String("config", "", "Path to configuration file")
	verbose := fs.Bool("verbose", false, "Enable verbose output")
	_ = fs.Parse(args)

	cfg, logger := loadConfig(*configPath, *verbose)

	store := openJournal(cfg, logger)
	if store == nil {
		logger.Fatalf("Journal unavailable at %s", cfg.Storage.JournalPath)
	}
	defer func() { _ = store.Close() }()

	var entries []journal.Entry
	var err error
	if *name != "" {
		entries, err = store.ForSubject(*name, *limit)
	} else {
		entries, err = store.Recent(*limit)
	}
	if err != nil {
		_ = store.Close()
		logger.Fatalf("Failed to read journal: %v", err)
	}

	printHistory(os.Stdout, entries)
}

func printHistory(out io.Writer, entries []journal.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No recorded attempts.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tSUBJECT\tOUTCOME\tDISTANCE\tMESSAGE")
	for _, e := range entries {
		subject := e.Subject
		if subject == "" {
			subject = "-"
		}
		distance := "-"
		if e.Distance != nil {
			distance = fmt.Sprintf("%.3f", *e.Distance)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			e.Action, subject, e.Outcome, distance, e.Message)
	}
	_ = w.Flush()
}

// RunConfig prints the effective configuration or writes a default file
func RunConfig(args []string) {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	initPath := fs.String("init", "", "Write the default configuration to this path")
	_ = fs.Parse(args)

	if *initPath != "" {
		if err := config.DefaultConfig().Save(*initPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to %s\n", *initPath)
		return
	}

	cfg, logger := loadConfig(*configPath, false)
	data, err := cfg.YAML()
	if err != nil {
		logger.Fatalf("Failed to render configuration: %v", err)
	}
	_, _ = os.Stdout.Write(data)
}

package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/proxy-rotator/internal/checker"
	"github.com/proxy-rotator/internal/storage"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Health-check every configured proxy once and print the verdicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg)
		if err != nil {
			return err
		}

		results := a.checker.TestAll(cmd.Context())
		byID := make(map[uint64]checker.Result, len(results))
		for _, r := range results {
			byID[r.ID] = r
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PROXY\tWORKING\tBLACKLISTED\tLATENCY_MS\tERROR")
		for _, d := range a.registry.All() {
			r := byID[d.ID]
			fmt.Fprintf(w, "%s\t%t\t%t\t%d\t%s\n", d.URL, d.Working, d.Blacklisted, r.LatencyMs, r.Error)
		}
		return w.Flush()
	},
}

var (
	fetchRandom   bool
	fetchAttempts int
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <url>",
	Short: "Check the pool, then fetch a URL through it and print the body",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
		defer cancel()

		a.checker.TestAll(ctx)

		for attempt := 1; attempt <= fetchAttempts; attempt++ {
			var body []byte
			if fetchRandom {
				body, err = a.executor.GetRequestWithRandomProxy(ctx, args[0])
			} else {
				body, err = a.executor.MakeRequest(ctx, args[0])
			}
			if err != nil {
				return err
			}
			if body != nil {
				_, err = os.Stdout.Write(body)
				return err
			}
		}
		return fmt.Errorf("fetch %s: no proxy succeeded after %d attempts", args[0], fetchAttempts)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the last published status report",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := storage.NewStorage(cfg.Storage.Type, cfg.Storage.Path)
		if err != nil {
			return err
		}
		defer store.Close()

		snap, err := store.Load()
		if err != nil {
			return err
		}
		if snap == nil {
			fmt.Println("no status report published yet")
			return nil
		}

		st := snap.Stats
		fmt.Printf("updated:      %s\n", snap.Updated.Format(time.RFC3339))
		fmt.Printf("proxies:      %d (%d working, %d blacklisted, %.1f%%)\n", st.Total, st.Working, st.Blacklisted, st.WorkingPercent)
		fmt.Printf("current:      %d\n", st.CurrentIndex)
		fmt.Printf("last rotated: %s\n", st.LastRotation.Format(time.RFC3339))
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("proxyrotator %s\n", version)
	},
}

func init() {
	fetchCmd.Flags().BoolVar(&fetchRandom, "random", false, "use a random working proxy for each attempt")
	fetchCmd.Flags().IntVar(&fetchAttempts, "attempts", 3, "number of proxies to try")
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/isakskogstad/LoopDesk-sub005/audit"
	"github.com/isakskogstad/LoopDesk-sub005/kit"
	"github.com/isakskogstad/LoopDesk-sub005/kungorelser"
)

var (
	runSkipDetails bool
	runDetailLimit int
	runParallelism int
	runDetach      bool

	searchSkipDetails bool
	searchDetailLimit int
	searchParallelism int

	listQuery  string
	listOrg    string
	listType   string
	listFrom   string
	listTo     string
	listCursor string
	listLimit  int

	scheduleEnable   bool
	scheduleDisable  bool
	scheduleInterval string

	proxiesRefresh bool
	companyRefresh bool
	runsLimit      int
	auditLimit     int
)

func addCommands(root *cobra.Command) {
	runCmd.Flags().BoolVar(&runSkipDetails, "skip-details", false, "store summaries only")
	runCmd.Flags().IntVar(&runDetailLimit, "detail-limit", 0, "detail fetches per query (0 = all)")
	runCmd.Flags().IntVarP(&runParallelism, "parallelism", "p", 0, "detail workers per query")
	runCmd.Flags().BoolVarP(&runDetach, "detach", "d", false, "start the run and return")

	searchCmd.Flags().BoolVar(&searchSkipDetails, "skip-details", false, "store summaries only")
	searchCmd.Flags().IntVar(&searchDetailLimit, "detail-limit", -1, "detail fetches (-1 = configured default, 0 = all)")
	searchCmd.Flags().IntVarP(&searchParallelism, "parallelism", "p", 0, "detail workers")

	listCmd.Flags().StringVarP(&listQuery, "query", "q", "", "free text filter")
	listCmd.Flags().StringVar(&listOrg, "org", "", "organisation number")
	listCmd.Flags().StringVarP(&listType, "type", "t", "", "announcement type")
	listCmd.Flags().StringVar(&listFrom, "from", "", "earliest publication date (YYYY-MM-DD)")
	listCmd.Flags().StringVar(&listTo, "to", "", "latest publication date (YYYY-MM-DD)")
	listCmd.Flags().StringVar(&listCursor, "cursor", "", "continue after a previous page")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "max results")

	scheduleCmd.Flags().BoolVar(&scheduleEnable, "enable", false, "enable scheduled runs")
	scheduleCmd.Flags().BoolVar(&scheduleDisable, "disable", false, "disable scheduled runs")
	scheduleCmd.Flags().StringVar(&scheduleInterval, "interval", "", "hourly, every6h, daily or weekly")
	scheduleCmd.MarkFlagsMutuallyExclusive("enable", "disable")

	proxiesCmd.Flags().BoolVar(&proxiesRefresh, "refresh", false, "pull the provider list first")
	companyCmd.Flags().BoolVar(&companyRefresh, "refresh", false, "scrape even when the cache is fresh")
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "max runs")
	auditCmd.Flags().IntVarP(&auditLimit, "limit", "n", 50, "max entries")

	watchCmd.AddCommand(watchAddCmd, watchListCmd, watchRemoveCmd)

	root.AddCommand(runCmd, stopCmd, statusCmd, searchCmd, listCmd, companyCmd,
		statsCmd, scheduleCmd, proxiesCmd, watchCmd, runsCmd, auditCmd)
}

var runCmd = &cobra.Command{
	Use:   "run [query]",
	Short: "Start a run for one query, or for the whole watch list",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		events, cancel := svc.Subscribe(64)
		defer cancel()

		req := kungorelser.RunRequest{
			Query:       strings.Join(args, " "),
			SkipDetails: runSkipDetails,
			DetailLimit: runDetailLimit,
			Parallelism: runParallelism,
		}
		rs, err := audited(ctx, "kungorelser_run_now", req, func(ctx context.Context) (*kungorelser.RunState, error) {
			return svc.RunNow(ctx, req)
		})
		if err != nil {
			return err
		}
		fmt.Printf("run %s started (%d queries)\n", rs.RunID, rs.Progress.QueriesTotal)
		if runDetach {
			return nil
		}

		for {
			select {
			case <-ctx.Done():
				stopCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				if _, err := audited(stopCtx, "kungorelser_stop", nil, svc.Stop); err != nil {
					return err
				}
				fmt.Println("stopping")
				return svc.Wait(stopCtx)
			case e := <-events:
				p := e.Progress
				switch e.Type {
				case "progress":
					fmt.Printf("  %d/%d queries  %d found  %d errors\n",
						p.QueriesDone, p.QueriesTotal, p.AnnouncementsFound, p.ErrorsCount)
				case "finished":
					fmt.Printf("run %s %s: %d found, %d errors\n", e.RunID, e.Status, p.AnnouncementsFound, p.ErrorsCount)
					if e.Error != "" {
						fmt.Println("last error:", e.Error)
					}
					return nil
				}
			}
		}
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask the active run to stop",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rs, err := audited(cmd.Context(), "kungorelser_stop", nil, svc.Stop)
		if err != nil {
			return err
		}
		fmt.Printf("run %s %s\n", rs.RunID, rs.Status)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the schedule and the current run",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := svc.ScheduleState(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(st)
		}
		sc, rs := st.Schedule, st.Run
		t := newTable("FIELD", "VALUE")
		t.add("schedule", onOff(sc.Enabled)+" "+sc.Interval)
		t.add("last run", formatMs(sc.LastRunAt))
		t.add("next run", formatMs(sc.NextRunAt))
		t.add("run status", string(rs.Status))
		if rs.RunID != "" {
			t.add("run id", rs.RunID)
			t.add("triggered by", rs.TriggeredBy)
			t.add("started", formatMs(rs.StartedAt))
			t.add("finished", formatMs(rs.FinishedAt))
			t.add("queries", fmt.Sprintf("%d/%d", rs.Progress.QueriesDone, rs.Progress.QueriesTotal))
			t.add("found", strconv.Itoa(rs.Progress.AnnouncementsFound))
			t.add("errors", strconv.Itoa(rs.Progress.ErrorsCount))
		}
		if rs.LastError != nil {
			t.add("last error", *rs.LastError)
		}
		t.write(os.Stdout)
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Scrape the gazette for a company name or organisation number now",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := kungorelser.SearchRequest{
			Query:       strings.Join(args, " "),
			SkipDetails: searchSkipDetails,
			Parallelism: searchParallelism,
		}
		if searchDetailLimit >= 0 {
			req.DetailLimit = &searchDetailLimit
		}
		res, err := svc.Search(cmd.Context(), req)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(res)
		}
		printAnnouncements(res.Announcements)
		fmt.Printf("\n%d found (%d new, %d updated, %d with detail) over %d pages via %q\n",
			res.Found, res.Inserted, res.Updated, res.Detailed, res.Pages, res.UsedQuery)
		for _, e := range res.Errors {
			fmt.Println("error:", e)
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored announcements, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		f := kungorelser.Filter{
			Query:     listQuery,
			OrgNumber: listOrg,
			Type:      listType,
			Cursor:    listCursor,
			Limit:     listLimit,
		}
		var err error
		if f.From, err = parseDay(listFrom); err != nil {
			return err
		}
		if f.To, err = parseDay(listTo); err != nil {
			return err
		}
		page, err := svc.ListAnnouncements(cmd.Context(), f)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(page)
		}
		printAnnouncements(page.Items)
		fmt.Printf("\n%d of %d\n", len(page.Items), page.Total)
		if page.HasMore {
			fmt.Printf("next: --cursor %s\n", page.NextCursor)
		}
		return nil
	},
}

var companyCmd = &cobra.Command{
	Use:   "company <org-number>",
	Short: "Show a company's announcements, scraping when the cache is stale",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := svc.CompanyAnnouncements(cmd.Context(), args[0], companyRefresh)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(c)
		}
		printAnnouncements(c.Announcements)
		fmt.Printf("\n%d announcements for %s (%s, scraped %s)\n", c.Count, c.OrgNumber, c.Source, formatMs(c.LastScrapedAt))
		if c.RefreshError != "" {
			fmt.Println("refresh failed:", c.RefreshError)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show announcement totals and scraper counters",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := svc.Stats(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(st)
		}
		fmt.Printf("%d announcements, %d with detail\n", st.TotalAnnouncements, st.WithDetails)
		fmt.Printf("%d searches, %d captcha solves, %d errors, last search %s\n\n",
			st.Scrape.TotalSearches, st.Scrape.CaptchaSolves, st.Scrape.Errors, formatMs(st.Scrape.LastSearchAt))

		t := newTable("TYPE", "COUNT")
		for _, c := range st.ByType {
			t.add(c.Key, strconv.Itoa(c.Count))
		}
		t.write(os.Stdout)
		fmt.Println()

		t = newTable("ORG NUMBER", "COMPANY", "COUNT")
		for _, c := range st.ByCompany {
			t.add(c.OrgNumber, c.CompanyName, strconv.Itoa(c.Count))
		}
		t.write(os.Stdout)
		return nil
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Show or change the run schedule",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var u kungorelser.ConfigUpdate
		if scheduleEnable || scheduleDisable {
			on := scheduleEnable
			u.Enabled = &on
		}
		if scheduleInterval != "" {
			iv := kungorelser.Interval(scheduleInterval)
			u.Interval = &iv
		}

		var sc *kungorelser.ScheduleConfig
		if u.Enabled == nil && u.Interval == nil {
			st, err := svc.ScheduleState(cmd.Context())
			if err != nil {
				return err
			}
			sc = st.Schedule
		} else {
			var err error
			sc, err = audited(cmd.Context(), "kungorelser_update_schedule", u, func(ctx context.Context) (*kungorelser.ScheduleConfig, error) {
				return svc.UpdateSchedule(ctx, u)
			})
			if err != nil {
				return err
			}
		}
		if jsonOut {
			return printJSON(sc)
		}
		fmt.Printf("%s %s, last run %s, next run %s\n",
			onOff(sc.Enabled), sc.Interval, formatMs(sc.LastRunAt), formatMs(sc.NextRunAt))
		return nil
	},
}

var proxiesCmd = &cobra.Command{
	Use:   "proxies",
	Short: "Show proxy pool health",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st := svc.ProxyStatus()
		if proxiesRefresh {
			var err error
			if st, err = svc.RefreshProxies(cmd.Context()); err != nil {
				return err
			}
		}
		if jsonOut {
			return printJSON(st)
		}
		fmt.Printf("%d proxies: %d available, %d cooling down, %d failed, %d retired (use proxy: %v)\n",
			st.Total, st.Available, st.CoolingDown, st.Failed, st.Retired, st.UseProxy)
		if st.Reason != "" {
			fmt.Println("provider:", st.Reason)
		}
		if st.Captcha != nil {
			fmt.Printf("captcha circuit %s, %d solved, %d failed\n", st.Captcha.Circuit, st.Captcha.Solved, st.Captcha.Failed)
		}
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Manage the companies scheduled runs scrape",
}

var watchAddCmd = &cobra.Command{
	Use:   "add <org-number> [name]",
	Short: "Add a company to the watch list",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := ""
		if len(args) > 1 {
			name = args[1]
		}
		params := map[string]string{"action": "add", "org_number": args[0], "name": name}
		w, err := audited(cmd.Context(), "kungorelser_watch", params, func(ctx context.Context) (*kungorelser.WatchedCompany, error) {
			return svc.Watch(ctx, args[0], name)
		})
		if err != nil {
			return err
		}
		fmt.Printf("watching %s %s\n", w.OrgNumber, w.Name)
		return nil
	},
}

var watchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the watch list",
	RunE: func(cmd *cobra.Command, _ []string) error {
		list, err := svc.Watched(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(list)
		}
		t := newTable("ORG NUMBER", "NAME", "ENABLED", "LAST SCRAPED")
		for _, w := range list {
			t.add(w.OrgNumber, w.Name, onOff(w.Enabled), formatMs(w.LastScrapedAt))
		}
		t.write(os.Stdout)
		return nil
	},
}

var watchRemoveCmd = &cobra.Command{
	Use:   "remove <org-number>",
	Short: "Remove a company from the watch list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]string{"action": "remove", "org_number": args[0]}
		_, err := audited(cmd.Context(), "kungorelser_watch", params, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, svc.Unwatch(ctx, args[0])
		})
		if err != nil {
			return err
		}
		fmt.Println("removed", args[0])
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List recent schedule, run and watch-list changes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		entries, err := svc.AuditLog(cmd.Context(), auditLimit)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(entries)
		}
		t := newTable("TIME", "ACTION", "VIA", "USER", "STATUS", "PARAMETERS")
		for _, e := range entries {
			status := e.Status
			if e.Error != "" {
				status += ": " + e.Error
			}
			t.add(formatMs(&e.Timestamp), e.Action, e.Transport, e.UserID, truncate(status, 40), truncate(e.Parameters, 60))
		}
		t.write(os.Stdout)
		return nil
	},
}

// audited runs fn with an audit entry, the way the API audits its
// mutating routes.
func audited[T any](ctx context.Context, action string, req any, fn func(context.Context) (T, error)) (T, error) {
	ctx = kit.WithUserID(kit.WithTransport(ctx, kit.TransportCLI), cliUser())
	resp, err := audit.Middleware(svc.Audit(), action)(func(ctx context.Context, _ any) (any, error) {
		return fn(ctx)
	})(ctx, req)
	v, _ := resp.(T)
	return v, err
}

func cliUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent finished runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		runs, err := svc.Runs(cmd.Context(), runsLimit)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(runs)
		}
		t := newTable("RUN", "TRIGGER", "STATUS", "STARTED", "DURATION", "QUERIES", "FOUND", "ERRORS")
		for _, r := range runs {
			t.add(r.RunID, r.TriggeredBy, r.Status,
				formatMs(&r.StartedAt),
				(time.Duration(r.FinishedAt-r.StartedAt) * time.Millisecond).Truncate(time.Second).String(),
				fmt.Sprintf("%d/%d", r.QueriesDone, r.QueriesTotal),
				strconv.Itoa(r.Found), strconv.Itoa(r.ErrorsCount))
		}
		t.write(os.Stdout)
		return nil
	},
}

// --- output helpers ---

func printAnnouncements(items []*kungorelser.Announcement) {
	t := newTable("ID", "PUBLISHED", "TYPE", "COMPANY", "ORG NUMBER", "DETAIL")
	for _, a := range items {
		company := a.CompanyName
		if company == "" {
			company = a.Subject
		}
		t.add(a.ExternalID, formatDay(a.PubDate), truncate(a.Type, 28), truncate(company, 40),
			a.OrgNumber, onOff(a.DetailText != nil))
	}
	t.write(os.Stdout)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func onOff(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func formatMs(ms *int64) string {
	if ms == nil || *ms == 0 {
		return "-"
	}
	return time.UnixMilli(*ms).Local().Format("2006-01-02 15:04")
}

func formatDay(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).UTC().Format(time.DateOnly)
}

// parseDay reads YYYY-MM-DD as UTC midnight, the form publication dates
// are stored in.
func parseDay(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return 0, fmt.Errorf("date %q: want YYYY-MM-DD", s)
	}
	return t.UnixMilli(), nil
}

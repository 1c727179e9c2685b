package main

import (
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rankhive/orchestrator/internal/adapters/queue"
)

// runStats prints a snapshot of job, execution, and queue state.
func runStats(ctx *commandContext, _ []string) error {
	db, err := connectDB(ctx)
	if err != nil {
		return err
	}
	defer closeQuietly(ctx, db)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	if err = printStatusCounts(ctx, db, w, "jobs"); err != nil {
		return err
	}
	if err = printStatusCounts(ctx, db, w, "job_items"); err != nil {
		return err
	}
	if err = printStatusCounts(ctx, db, w, "executions"); err != nil {
		return err
	}

	return printQueueDepth(ctx, w)
}

var statusCountQueries = map[string]string{
	"jobs":       `SELECT status, count(*) FROM jobs GROUP BY status ORDER BY status`,
	"job_items":  `SELECT status, count(*) FROM job_items GROUP BY status ORDER BY status`,
	"executions": `SELECT status, count(*) FROM executions GROUP BY status ORDER BY status`,
}

func printStatusCounts(ctx *commandContext, db *sql.DB, w *tabwriter.Writer, table string) error {
	rows, err := db.QueryContext(ctx.Ctx, statusCountQueries[table])
	if err != nil {
		return fmt.Errorf("query %s stats: %w", table, err)
	}
	defer rows.Close()

	fmt.Fprintf(w, "%s:\n", table)
	empty := true
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err = rows.Scan(&status, &count); err != nil {
			return fmt.Errorf("scan %s stats: %w", table, err)
		}
		fmt.Fprintf(w, "  %s\t%d\n", status, count)
		empty = false
	}
	if err = rows.Err(); err != nil {
		return fmt.Errorf("iterate %s stats: %w", table, err)
	}
	if empty {
		fmt.Fprintf(w, "  (none)\n")
	}
	return nil
}

func printQueueDepth(ctx *commandContext, w *tabwriter.Writer) error {
	client, err := connectRedis(ctx)
	if err != nil {
		return err
	}
	defer closeQuietly(ctx, client)

	depth, err := queue.NewBroker(client).Depth(ctx.Ctx, ctx.Config.Worker.Queue)
	if err != nil {
		return fmt.Errorf("queue depth: %w", err)
	}

	fmt.Fprintf(w, "queue %s:\t%d\n", ctx.Config.Worker.Queue, depth)
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
)

func main() {
	pool, err := pgxpool.New(context.Background(), os.Getenv("DATABASE_URL"))
	if err != nil {
		panic(err)
	}
	defer pool.Close()

	ctx := context.Background()

	if len(os.Args) > 1 && os.Args[1] == "cleanup" {
		tag, _ := pool.Exec(ctx, "DELETE FROM episodes WHERE episode_guid = ''")
		fmt.Printf("Deleted %d bogus episodes\n", tag.RowsAffected())
		tag, _ = pool.Exec(ctx, "DELETE FROM story_arc_events WHERE story_arc_id NOT IN (SELECT id FROM story_arcs)")
		fmt.Printf("Deleted %d orphan arc events\n", tag.RowsAffected())
		tag, _ = pool.Exec(ctx, "DELETE FROM newsletter_survey_responses WHERE issue_id NOT IN (SELECT id FROM newsletter_issues)")
		fmt.Printf("Deleted %d orphan survey responses\n", tag.RowsAffected())
		return
	}

	if len(os.Args) > 1 && os.Args[1] == "stuck" {
		rows, _ := pool.Query(ctx, `
			SELECT id, episode_guid, status, updated_at
			FROM episodes
			WHERE status = 'processing'
			ORDER BY updated_at ASC
		`)
		defer rows.Close()
		fmt.Println("Episodes in processing:")
		for rows.Next() {
			var id int64
			var guid, status, updated string
			rows.Scan(&id, &guid, &status, &updated)
			fmt.Printf("  %d %s %s since %s\n", id, guid, status, updated)
		}
		return
	}

	if len(os.Args) > 1 && os.Args[1] == "arcs" {
		rows, _ := pool.Query(ctx, `
			SELECT a.id, a.arc_name, a.event_count, count(e.id)
			FROM story_arcs a
			LEFT JOIN story_arc_events e ON e.story_arc_id = a.id
			GROUP BY a.id, a.arc_name, a.event_count
			HAVING a.event_count <> count(e.id)
			ORDER BY a.id
		`)
		defer rows.Close()
		fmt.Println("Arcs with stale event counters:")
		for rows.Next() {
			var id int64
			var name string
			var cached, actual int
			rows.Scan(&id, &name, &cached, &actual)
			fmt.Printf("  %d %q cached=%d actual=%d\n", id, name, cached, actual)
		}
		return
	}

	// Default: table counts
	tables := []string{
		"feeds", "topics", "episodes", "episode_topics",
		"story_arcs", "story_arc_events",
		"newsletter_issues", "newsletter_examples", "newsletter_survey_responses",
		"pipeline_runs", "web_settings",
	}
	fmt.Println("Table                        Count")
	fmt.Println("─────────────────────────────────")
	for _, t := range tables {
		var count int64
		pool.QueryRow(ctx, "SELECT count(*) FROM "+t).Scan(&count)
		fmt.Printf("%-28s %d\n", t, count)
	}
}

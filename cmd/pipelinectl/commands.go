package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"photo_pipeline/internal/domain"
	"photo_pipeline/internal/fingerprint"
	"photo_pipeline/internal/inventory"
	"photo_pipeline/internal/service"
	"photo_pipeline/internal/source/local"
	"photo_pipeline/internal/storage/postgres"
	"photo_pipeline/internal/storage/sqlite"
)

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	fs.SetOutput(os.Stderr)
	return fs.Parse(args)
}

func (a *app) listRemote(ctx context.Context, prefix string) ([]domain.RemoteObject, error) {
	lister, err := a.lister(ctx)
	if err != nil {
		return nil, err
	}

	var objs []domain.RemoteObject
	for obj, err := range lister.List(ctx, a.cfg.Storage.Bucket, prefix) {
		if err != nil {
			return nil, err
		}
		objs = append(objs, obj)
	}
	return objs, nil
}

func runInventory(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("inventory", flag.ContinueOnError)
	prefix := fs.String("prefix", a.cfg.Storage.Prefix, "key prefix to list")
	imagesOnly := fs.Bool("images", false, "count image objects only")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	objs, err := a.listRemote(ctx, *prefix)
	if err != nil {
		return err
	}
	if *imagesOnly {
		kept := objs[:0]
		for _, obj := range objs {
			if inventory.IsImage(obj.Key) {
				kept = append(kept, obj)
			}
		}
		objs = kept
	}

	var (
		total int64
		tw    = newTable()
	)
	fmt.Fprintln(tw, "PREFIX\tOBJECTS\tSIZE")
	for _, st := range inventory.SummarizeByPrefix(objs) {
		name := st.Prefix
		if name == "" {
			name = "/"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", name, humanize.Comma(int64(st.Items)), humanize.IBytes(uint64(st.Size)))
		total += st.Size
	}
	fmt.Fprintf(tw, "TOTAL\t%s\t%s\n", humanize.Comma(int64(len(objs))), humanize.IBytes(uint64(total)))
	return tw.Flush()
}

func runDiff(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("diff", flag.ContinueOnError)
	dir := fs.String("dir", a.cfg.Sync.LocalDir, "local directory to compare")
	prefix := fs.String("prefix", a.cfg.Storage.Prefix, "bucket prefix the directory maps to")
	cachePath := fs.String("cache", a.cfg.Sync.FingerprintCache, "fingerprint cache file; empty disables caching")
	verbose := fs.Bool("v", false, "list every differing key")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *dir == "" {
		return fmt.Errorf("no local directory given")
	}

	var cache local.FingerprintCache
	if *cachePath != "" {
		c, err := sqlite.Open(ctx, *cachePath)
		if err != nil {
			return err
		}
		defer c.Close()
		cache = c
	}

	localObjs, err := local.Walk(ctx, *dir, a.cfg.Storage.PartSize, cache)
	if err != nil {
		return err
	}
	if *prefix != "" {
		for i := range localObjs {
			localObjs[i].Key = path.Join(*prefix, localObjs[i].Key)
		}
	}

	remoteObjs, err := a.listRemote(ctx, *prefix)
	if err != nil {
		return err
	}

	res := inventory.Diff(localObjs, remoteObjs)

	tw := newTable()
	fmt.Fprintln(tw, "STATE\tOBJECTS\tSIZE")
	for _, row := range []struct {
		state string
		objs  []domain.RemoteObject
	}{
		{"new", res.New},
		{"changed", res.Changed},
		{"unchanged", res.Unchanged},
		{"missing", res.Missing},
	} {
		var size int64
		for _, obj := range row.objs {
			size += obj.Size
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", row.state, humanize.Comma(int64(len(row.objs))), humanize.IBytes(uint64(size)))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if *verbose {
		for _, obj := range res.New {
			fmt.Printf("+ %s\n", obj.Key)
		}
		remoteByKey := make(map[string]domain.RemoteObject, len(remoteObjs))
		for _, obj := range remoteObjs {
			remoteByKey[obj.Key] = obj
		}
		for _, obj := range res.Changed {
			// Differing part counts usually mean the object was uploaded
			// with another part size, not that its content changed.
			lp, rp := fingerprint.Parts(obj.Fingerprint), fingerprint.Parts(remoteByKey[obj.Key].Fingerprint)
			if lp != rp {
				fmt.Printf("~ %s (local %d parts, remote %d parts)\n", obj.Key, lp, rp)
				continue
			}
			fmt.Printf("~ %s\n", obj.Key)
		}
		for _, obj := range res.Missing {
			fmt.Printf("- %s\n", obj.Key)
		}
	}
	return nil
}

func runSync(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	db, err := a.database(ctx)
	if err != nil {
		return err
	}
	lister, err := a.lister(ctx)
	if err != nil {
		return err
	}
	pub, err := a.publisher()
	if err != nil {
		return err
	}

	taskTypes := make([]domain.TaskType, 0, len(a.cfg.Sync.TaskTypes))
	for _, name := range a.cfg.Sync.TaskTypes {
		taskType, err := domain.ParseTaskType(name)
		if err != nil {
			return err
		}
		taskTypes = append(taskTypes, taskType)
	}

	svc := service.NewSyncService(
		lister,
		postgres.NewPhotoStore(db),
		postgres.NewMetadataEntryStore(db),
		postgres.NewQuarantineStore(db),
		postgres.NewTransactionManager(db),
		service.NewDispatcher(postgres.NewTaskStore(db), pub, a.logger),
		a.logger,
		service.SyncOptions{
			Bucket:         a.cfg.Storage.Bucket,
			Prefix:         a.cfg.Storage.Prefix,
			BatchSize:      a.cfg.Sync.BatchSize,
			TaskTypes:      taskTypes,
			MetadataSource: a.cfg.Aggregate.MetadataSource,
		},
	)

	stats, err := svc.Sync(ctx)
	if stats != nil {
		tw := newTable()
		fmt.Fprintf(tw, "listed\t%d\nignored\t%d\nnew\t%d\nchanged\t%d\nunchanged\t%d\nquarantined\t%d\nenqueued\t%d\nerrors\t%d\nduration\t%s\n",
			stats.Listed, stats.Ignored, stats.New, stats.Changed, stats.Unchanged,
			stats.Quarantined, stats.Enqueued, stats.Errors, stats.Duration)
		tw.Flush()
	}
	return err
}

func runTasks(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("tasks", flag.ContinueOnError)
	status := fs.String("status", "", "filter by status (queued, running, succeeded, failed)")
	taskType := fs.String("type", "", "filter by task type")
	limit := fs.Int("limit", domain.DefaultTaskLimit, "maximum number of tasks")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	filter := domain.TaskFilter{Limit: *limit}
	if *status != "" {
		st, err := domain.ParseTaskStatus(*status)
		if err != nil {
			return err
		}
		filter.Status = &st
	}
	if *taskType != "" {
		tt, err := domain.ParseTaskType(*taskType)
		if err != nil {
			return err
		}
		filter.TaskType = &tt
	}

	db, err := a.database(ctx)
	if err != nil {
		return err
	}
	ledger := service.NewLedgerService(
		postgres.NewTaskStore(db),
		postgres.NewPhotoStore(db),
		postgres.NewTransactionManager(db),
		a.logger,
	)

	tasks, err := ledger.List(ctx, filter)
	if err != nil {
		return err
	}

	tw := newTable()
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tSTATUS\tPROGRESS\tATTEMPTS\tCREATED\tERROR")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d%%\t%d\t%s\t%s\n",
			t.ID, t.Name, t.TaskType, t.Status, t.Progress, t.Attempts,
			humanize.Time(t.CreatedAt), deref(t.ErrorMessage))
	}
	return tw.Flush()
}

func runEnqueue(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	photoID := fs.Int64("photo", 0, "photo id")
	types := fs.String("types", strings.Join(a.cfg.Sync.TaskTypes, ","), "comma-separated task types")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	if *photoID <= 0 {
		return fmt.Errorf("-photo is required")
	}

	db, err := a.database(ctx)
	if err != nil {
		return err
	}
	pub, err := a.publisher()
	if err != nil {
		return err
	}

	photo, err := postgres.NewPhotoStore(db).Get(ctx, *photoID)
	if err != nil {
		return err
	}

	dispatcher := service.NewDispatcher(postgres.NewTaskStore(db), pub, a.logger)
	for _, name := range strings.Split(*types, ",") {
		taskType, err := domain.ParseTaskType(strings.TrimSpace(name))
		if err != nil {
			return err
		}
		payload, err := domain.NewPayload(taskType, photo.ID, photo.ObjectKey)
		if err != nil {
			return err
		}
		task, err := dispatcher.Enqueue(ctx, fmt.Sprintf("%s %s", taskType, photo.ObjectKey), payload, nil)
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%s\n", task.ID, task.Name)
	}
	return nil
}

func runRequeue(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("requeue", flag.ContinueOnError)
	limit := fs.Int("limit", domain.DefaultTaskLimit, "maximum number of tasks to republish")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	db, err := a.database(ctx)
	if err != nil {
		return err
	}
	pub, err := a.publisher()
	if err != nil {
		return err
	}

	n, err := service.NewDispatcher(postgres.NewTaskStore(db), pub, a.logger).RequeueQueued(ctx, *limit)
	fmt.Printf("republished %d task(s)\n", n)
	return err
}

func runPlaces(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("places", flag.ContinueOnError)
	level := fs.Int("level", 0, "detail level; 3+ requires a state, 6+ a city")
	country := fs.String("country", "", "filter by country")
	state := fs.String("state", "", "filter by state or province")
	limit := fs.Int("limit", 20, "maximum number of places")
	offset := fs.Int("offset", 0, "number of places to skip")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	q := domain.PlaceQuery{Level: *level, Limit: *limit, Offset: *offset}
	if *country != "" {
		q.Country = country
	}
	if *state != "" {
		q.StateProvince = state
	}

	db, err := a.database(ctx)
	if err != nil {
		return err
	}

	places, err := postgres.NewPlaceSummaryStore(db).Query(ctx, q)
	if err != nil {
		return err
	}

	tw := newTable()
	fmt.Fprintln(tw, "LAT\tLON\tNAME\tCITY\tSTATE\tCOUNTRY\tPHOTOS\tFIRST\tLAST")
	for _, p := range places {
		fmt.Fprintf(tw, "%.6f\t%.6f\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.Latitude, p.Longitude, deref(p.PlaceName), deref(p.City), deref(p.StateProvince), deref(p.Country),
			humanize.Comma(p.PhotoCount), p.FirstPhotoDate.Format("2006-01-02"), p.LastPhotoDate.Format("2006-01-02"))
	}
	return tw.Flush()
}

func runAggregate(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("aggregate", flag.ContinueOnError)
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	db, err := a.database(ctx)
	if err != nil {
		return err
	}
	places := postgres.NewPlaceSummaryStore(db)
	svc := service.NewAggregateService(
		postgres.NewPhotoStore(db),
		places,
		postgres.NewDayBlockStore(db),
		postgres.NewMetadataEntryStore(db),
		a.logger,
		service.AggregateOptions{
			CoordinatePrecision: a.cfg.Aggregate.CoordinatePrecision,
			BatchSize:           a.cfg.Aggregate.BatchSize,
			MetadataSource:      a.cfg.Aggregate.MetadataSource,
		},
	)

	stats, err := svc.RefreshAll(ctx)

	tw := newTable()
	fmt.Fprintln(tw, "PASS\tGROUPS\tUPSERTED\tSKIPPED\tFAILED\tPRUNED\tDURATION")
	for _, st := range stats {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			st.Pass, st.Groups, st.Upserted, st.Skipped, st.Failed, st.Pruned, st.Duration)
	}
	tw.Flush()
	return err
}

func runQuarantine(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("quarantine", flag.ContinueOnError)
	limit := fs.Int("limit", 50, "maximum number of records")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	db, err := a.database(ctx)
	if err != nil {
		return err
	}

	records, err := postgres.NewQuarantineStore(db).List(ctx, *limit)
	if err != nil {
		return err
	}

	tw := newTable()
	fmt.Fprintln(tw, "ID\tSOURCE\tKEY\tREASON\tSIZE\tWHEN")
	for _, r := range records {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Source, r.Key, r.Reason, humanize.Bytes(uint64(len(r.Payload))), humanize.Time(r.CreatedAt))
	}
	return tw.Flush()
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

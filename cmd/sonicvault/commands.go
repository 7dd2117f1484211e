package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/sonicvault/sonicvault-go/internal/catalog"
	"github.com/sonicvault/sonicvault-go/internal/download"
	apperrors "github.com/sonicvault/sonicvault-go/internal/errors"
	"github.com/sonicvault/sonicvault-go/internal/quality"
	"github.com/sonicvault/sonicvault-go/internal/storage"
	"github.com/sonicvault/sonicvault-go/internal/store"
)

var errUsage = errors.New("invalid usage")

const progressInterval = time.Second

func (a *app) runCommand(ctx context.Context, name string, args []string) error {
	switch name {
	case "download":
		return a.cmdDownload(ctx, args)
	case "resolve":
		return a.cmdResolve(ctx, args)
	case "list":
		return a.cmdList()
	case "summary":
		return a.cmdSummary()
	case "suggest":
		return a.cmdSuggest()
	case "clean":
		return a.cmdClean(args)
	case "delete":
		return a.cmdDelete(args)
	case "clear":
		return a.cmdClear()
	case "limit":
		return a.cmdLimit(args)
	case "health":
		return a.cmdHealth()
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, name)
	}
}

func (a *app) cmdDownload(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: download needs at least one track id", errUsage)
	}

	if !a.client.HasSession() {
		return apperrors.ErrNoSession
	}

	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}

	queued, lookups := 0, 0
	for _, id := range ids {
		track, err := a.client.GetTrack(ctx, id)
		if err != nil {
			a.logger.Warn("Track lookup failed", zap.String("track_id", id), zap.Error(err))
			fmt.Fprintf(a.out, "%s: %v\n", id, err)
			lookups++
			continue
		}
		item, err := a.scheduler.Enqueue(download.Request{
			Track:            track,
			Quality:          a.cfg.Download.DefaultQuality,
			IsAutoDownloaded: a.auto,
		})
		if err != nil {
			return err
		}
		if item.State == download.StateCompleted {
			fmt.Fprintf(a.out, "%s: already cached at %s or better\n", track.DisplayName(), item.RequestedQuality)
			continue
		}
		queued++
	}

	if queued > 0 {
		if err := a.waitWithProgress(ctx); err != nil {
			return err
		}
	}

	snapshot := a.scheduler.Snapshot()
	if a.json {
		return a.printJSON(snapshot)
	}

	for _, item := range snapshot.Failed {
		fmt.Fprintf(a.out, "FAILED %s: %s\n", item.Track.DisplayName(), item.ErrorMessage())
	}
	fmt.Fprintf(a.out, "%d completed, %d failed\n", len(snapshot.Completed), len(snapshot.Failed))
	if failed := len(snapshot.Failed) + lookups; failed > 0 {
		return fmt.Errorf("%d downloads failed", failed)
	}
	return nil
}

// waitWithProgress blocks until the queue drains, printing running transfers.
func (a *app) waitWithProgress(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- a.scheduler.WaitIdle(ctx) }()

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			if a.json {
				continue
			}
			progress := a.scheduler.Progress()
			keys := make([]string, 0, len(progress))
			for k := range progress {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				p := progress[k]
				fmt.Fprintf(a.out, "  %s %5.1f%% %s of %s, %s, ETA %s\n",
					p.DisplayName,
					p.Progress*100,
					humanize.IBytes(uint64(p.BytesProcessed)),
					humanize.IBytes(uint64(p.TotalBytes)),
					download.FormatSpeed(p.Speed),
					download.FormatETA(p.ETA),
				)
			}
		}
	}
}

func (a *app) cmdResolve(ctx context.Context, ids []string) error {
	if len(ids) != 1 {
		return fmt.Errorf("%w: resolve needs exactly one track id", errUsage)
	}

	track := catalog.Track{ID: ids[0]}
	sessionID := a.client.NewSessionID()
	requested := a.cfg.Download.DefaultQuality

	if a.client.HasSession() {
		fetched, err := a.client.GetTrack(ctx, track.ID)
		if err != nil {
			return err
		}
		track = fetched

		// Prime the transcoding descriptor for this session
		params := catalog.ParamsFor(quality.SafeQuality(requested, quality.Default))
		if _, err := a.client.FetchPlaybackInfo(ctx, track.ID, params, sessionID); err != nil {
			a.logger.Warn("Playback info unavailable, using universal stream", zap.String("track_id", track.ID), zap.Error(err))
		}
	}

	res, err := a.resolver.Resolve(track, requested, a.store.List(), sessionID)
	if err != nil {
		return err
	}

	if a.json {
		return a.printJSON(map[string]string{
			"url":     res.URL,
			"source":  string(res.Source),
			"outcome": res.Outcome.String(),
		})
	}
	fmt.Fprintf(a.out, "%s\t%s\t%s\n", res.Source, res.Outcome, res.URL)
	return nil
}

func (a *app) cmdList() error {
	records := a.store.List()
	if a.json {
		return a.printJSON(records)
	}

	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TRACK\tQUALITY\tSIZE\tSAVED\tAUTO\tTITLE")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
			r.TrackID,
			r.Quality,
			humanize.IBytes(uint64(r.TotalBytes())),
			humanize.Time(r.SavedAt),
			r.IsAutoDownloaded,
			r.Title,
		)
	}
	return w.Flush()
}

func (a *app) cmdSummary() error {
	s := a.storage.Summarize()
	if a.json {
		return a.printJSON(s)
	}

	if s.SpaceKnown {
		fmt.Fprintf(a.out, "Device: %s free of %s\n", humanize.IBytes(s.DeviceFree), humanize.IBytes(s.DeviceTotal))
	} else {
		fmt.Fprintln(a.out, "Device: space unavailable")
	}
	fmt.Fprintf(a.out, "Cache: %s in %s tracks (%s audio, %s artwork)\n",
		humanize.IBytes(uint64(s.UsedBytes)),
		humanize.Comma(int64(s.RecordCount)),
		humanize.IBytes(uint64(s.AudioBytes)),
		humanize.IBytes(uint64(s.ArtworkBytes)),
	)
	fmt.Fprintf(a.out, "Automatic: %d of %d allowed, manual: %d\n", s.AutoCount, a.store.AutoDownloadLimit(), s.ManualCount)
	return nil
}

func (a *app) cmdSuggest() error {
	suggestions := a.storage.SuggestCleanup()
	if a.json {
		return a.printJSON(suggestions)
	}
	if len(suggestions) == 0 {
		fmt.Fprintln(a.out, "Nothing to clean up")
		return nil
	}
	for _, s := range suggestions {
		fmt.Fprintf(a.out, "[%s] %s: %s\n", s.Kind, s.Title, s.Description)
	}
	return nil
}

func (a *app) cmdClean(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: clean needs one of stale, large, missing", errUsage)
	}
	kind := storage.Kind(args[0])

	for _, s := range a.storage.SuggestCleanup() {
		if s.Kind == kind {
			return a.printResult(a.storage.ApplySuggestion(s))
		}
	}

	fmt.Fprintf(a.out, "No %s items to clean\n", kind)
	return nil
}

func (a *app) cmdDelete(ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: delete needs at least one track id", errUsage)
	}
	for _, id := range ids {
		a.storage.SetSelected(id, true)
	}
	return a.printResult(a.storage.DeleteSelection())
}

func (a *app) cmdClear() error {
	return a.printResult(a.storage.ClearAll())
}

func (a *app) cmdLimit(args []string) error {
	switch len(args) {
	case 0:
	case 1:
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return fmt.Errorf("%w: limit must be a non-negative integer", errUsage)
		}
		if err := a.store.SetAutoDownloadLimit(n); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: limit takes at most one value", errUsage)
	}

	if a.json {
		return a.printJSON(map[string]int{"auto_download_limit": a.store.AutoDownloadLimit()})
	}
	fmt.Fprintf(a.out, "Automatic download limit: %d\n", a.store.AutoDownloadLimit())
	return nil
}

func (a *app) cmdHealth() error {
	pending, inFlight := a.scheduler.Counts()
	report := a.health.Check(pending, inFlight)
	report.Transfers = a.scheduler.ActiveTransfers()
	return a.printJSON(report)
}

func (a *app) printResult(result store.DeleteResult) error {
	if a.json {
		return a.printJSON(result)
	}
	fmt.Fprintf(a.out, "Deleted %d, failed %d, freed %s\n",
		result.Deleted, result.Failed, humanize.IBytes(uint64(result.FreedBytes)))
	for _, id := range result.FailedIDs {
		fmt.Fprintf(a.out, "  could not delete %s\n", id)
	}
	return nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

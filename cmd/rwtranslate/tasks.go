package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/cheggaaa/pb/v3"
	"github.com/fatih/color"

	"rusted-workshop-web/inspect"
	"rusted-workshop-web/models"
	"rusted-workshop-web/tasks"
	"rusted-workshop-web/utils"
)

const statusTemplate = `{{string . "state"}} {{bar . "[" "=" ">" " " "]"}} {{percent . }}`

// tracker bundles a Manager with the channel its view updates arrive on.
type tracker struct {
	manager *tasks.Manager
	updates chan models.TaskStatus
	bar     *pb.ProgressBar
}

func (a *app) newTracker() *tracker {
	s := &tracker{updates: make(chan models.TaskStatus, 1)}

	var realtime tasks.Realtime
	if a.config.WebsocketEnabled {
		realtime = tasks.NewRealtimeClient(a.config.RealtimeURL, a.config.ReconnectDelay, a.logger)
	}

	s.manager = tasks.NewManager(tasks.ManagerOptions{
		API:             a.client,
		Realtime:        realtime,
		Notifier:        a.notes,
		Logger:          a.logger,
		PollInterval:    a.config.PollInterval,
		MaxFileSize:     a.config.MaxFileSizeBytes(),
		DefaultLanguage: a.config.DefaultLanguage,
		DefaultStyle:    a.config.DefaultStyle,
		Confirm:         a.confirm,
		OnChange:        s.publish,
		WrapDownload:    s.wrapDownload,
	})
	return s
}

// publish keeps only the newest view when the reader falls behind.
func (s *tracker) publish(view models.TaskStatus) {
	select {
	case s.updates <- view:
		return
	default:
	}
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- view:
	default:
	}
}

func (s *tracker) wrapDownload(r io.Reader, size int64) io.Reader {
	if size <= 0 {
		return r
	}
	s.bar = pb.Full.Start64(size)
	return s.bar.NewProxyReader(r)
}

func (s *tracker) finishDownload() {
	if s.bar != nil {
		s.bar.Finish()
		s.bar = nil
	}
}

// follow renders the merged view until the task reaches a terminal state.
func (s *tracker) follow(ctx context.Context) (models.TaskStatus, error) {
	bar := pb.ProgressBarTemplate(statusTemplate).Start(100)
	defer bar.Finish()

	if view, ok := s.manager.View(); ok && view.IsTerminal() {
		bar.SetCurrent(int64(view.Progress))
		return view, nil
	}

	for {
		select {
		case <-ctx.Done():
			return models.TaskStatus{}, ctx.Err()
		case view := <-s.updates:
			bar.Set("state", fmt.Sprintf("%-10s %s", view.Status, view.Message))
			bar.SetCurrent(int64(view.Progress))
			if view.IsTerminal() {
				if view.Status == models.StatusCompleted {
					bar.SetCurrent(100)
				}
				return view, nil
			}
		}
	}
}

func (a *app) create(ctx context.Context) error {
	if *filePath == "" {
		return fmt.Errorf("-file is required")
	}
	if a.config.InspectUploads {
		report, err := inspect.InspectFile(*filePath, inspect.DefaultOptions())
		if err != nil {
			return err
		}
		for _, w := range report.Warnings {
			color.Yellow("! %s", w)
		}
	}

	s := a.newTracker()
	defer s.manager.Close()

	key, err := s.manager.Create(ctx, *filePath, *language, *style)
	if err != nil {
		return err
	}
	fmt.Printf("Task key: %s\n", color.CyanString(key))
	if !*watch {
		return nil
	}
	return a.followAndReport(ctx, s)
}

func (a *app) restore(ctx context.Context, follow bool) error {
	s := a.newTracker()
	defer s.manager.Close()

	view, err := s.manager.Restore(ctx, *taskKey)
	if err != nil {
		return err
	}
	printStatus(*view)
	if !follow {
		return nil
	}
	return a.followAndReport(ctx, s)
}

func (a *app) followAndReport(ctx context.Context, s *tracker) error {
	view, err := s.follow(ctx)
	if err != nil {
		return err
	}
	printStatus(view)
	if connected, rtErr := s.manager.RealtimeState(); a.config.WebsocketEnabled && !connected && rtErr != nil {
		color.Yellow("Realtime updates unavailable: %v", rtErr)
	}
	if view.Status == models.StatusCompleted {
		fmt.Printf("Download with: rwtranslate -action=download -key=%s\n", view.TaskKey)
	}
	return nil
}

func (a *app) cancel(ctx context.Context) error {
	s := a.newTracker()
	defer s.manager.Close()

	if _, err := s.manager.Restore(ctx, *taskKey); err != nil {
		return err
	}
	return s.manager.Cancel(ctx)
}

func (a *app) retry(ctx context.Context) error {
	s := a.newTracker()
	defer s.manager.Close()

	if _, err := s.manager.Restore(ctx, *taskKey); err != nil {
		return err
	}
	if _, err := s.manager.Retry(ctx); err != nil {
		return err
	}
	if !*watch {
		return nil
	}
	return a.followAndReport(ctx, s)
}

func (a *app) download(ctx context.Context) error {
	if *viaProxy {
		return a.downloadViaProxy(ctx)
	}

	s := a.newTracker()
	defer s.manager.Close()

	if _, err := s.manager.Restore(ctx, *taskKey); err != nil {
		return err
	}
	path, err := s.manager.Download(ctx, *outDir)
	s.finishDownload()
	if err != nil {
		return err
	}
	a.printSaved(path)
	return nil
}

func (a *app) downloadViaProxy(ctx context.Context) error {
	if *taskKey == "" {
		return utils.ErrNoTrackedTask
	}
	dl, err := a.client.DownloadViaProxy(ctx, *taskKey)
	if err != nil {
		return err
	}
	defer dl.Body.Close()

	name := dl.Filename
	if name == "" {
		name = *taskKey + utils.TranslatedSuffix + utils.ModFileExt
	}
	s := &tracker{}
	body := s.wrapDownload(dl.Body, dl.ContentLength)
	dst := utils.UniquePath(filepath.Join(*outDir, filepath.Base(name)))
	_, err = utils.NewFileManager(a.logger).WriteAtomically(dst, body)
	s.finishDownload()
	if err != nil {
		return utils.WrapAPIError(utils.ErrCodeDownload, "", 0, err)
	}
	a.printSaved(dst)
	return nil
}

func (a *app) printSaved(path string) {
	color.Green("Saved %s", path)
	if sum, err := utils.NewFileManager(a.logger).CalculateFileHash(path); err == nil {
		fmt.Printf("sha256 %s\n", sum)
	}
}

func (a *app) list(ctx context.Context) error {
	list, err := a.client.ListTasks(ctx, *page, *limit)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No tasks")
		return nil
	}
	fmt.Printf("%-24s %-11s %6s  %s\n", "KEY", "STATUS", "PROG", "FILE")
	for _, t := range list {
		fmt.Printf("%-24s %-11s %5.1f%%  %s\n", t.TaskKey, statusColor(t.Status)(string(t.Status)), t.Progress, t.Filename)
	}
	return nil
}

func (a *app) batchCancel(ctx context.Context) error {
	var list []string
	for _, k := range strings.Split(*keys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			list = append(list, k)
		}
	}
	if len(list) == 0 {
		return fmt.Errorf("-keys is required")
	}
	if !a.confirm(fmt.Sprintf("Cancel %d task(s)?", len(list))) {
		return utils.ErrNotConfirmed
	}

	result, err := a.client.BatchCancel(ctx, list)
	if result != nil {
		for _, k := range result.Cancelled {
			color.Green("✔ cancelled %s", k)
		}
		for _, f := range result.Failed {
			color.Red("✖ %s: %s (%d)", f.TaskKey, f.Message, f.Status)
		}
	}
	return err
}

func (a *app) logs(ctx context.Context) error {
	entries, err := a.client.TaskLogs(ctx, *taskKey, *limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s %-5s %s\n", e.Timestamp, strings.ToUpper(e.Level), e.Message)
	}
	return nil
}

func (a *app) languages(ctx context.Context) error {
	langs, err := a.client.Languages(ctx)
	if err != nil {
		return err
	}
	fmt.Println(strings.Join(langs, " "))
	return nil
}

func (a *app) publicConfig(ctx context.Context) error {
	cfg, err := a.client.PublicConfig(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Service:     %s (%s)\n", cfg.ServiceName, cfg.APIVersion)
	fmt.Printf("Backend:     %s\n", cfg.APIBaseURL)
	fmt.Printf("Realtime:    %t\n", cfg.WebsocketEnabled)
	fmt.Printf("Max upload:  %d MB\n", cfg.MaxFileSizeMB)
	fmt.Printf("Styles:      %s\n", strings.Join(cfg.TranslateStyles, ", "))
	return nil
}

func (a *app) inspect() error {
	if *filePath == "" {
		return fmt.Errorf("-file is required")
	}
	if err := utils.ValidateModFile(filepath.Base(*filePath), 0, a.config.MaxFileSizeBytes()); err != nil {
		return err
	}
	report, err := inspect.InspectFile(*filePath, inspect.DefaultOptions())
	if err != nil {
		return err
	}

	fmt.Printf("Format:       %s\n", report.Format)
	fmt.Printf("Entries:      %d\n", len(report.Entries))
	fmt.Printf("Uncompressed: %s\n", utils.FormatFileSize(int64(report.TotalUncompressed)))
	fmt.Printf("Text files:   %d\n", report.TextFiles)
	if report.Encrypted {
		color.Yellow("Encrypted:    yes")
	}
	for _, w := range report.Warnings {
		color.Yellow("! %s", w)
	}
	for _, p := range report.Previews {
		color.Cyan("--- %s (%s, %d%%)", p.Name, p.Charset, p.Confidence)
		fmt.Println(p.Text)
	}
	return nil
}

func printStatus(s models.TaskStatus) {
	fmt.Printf("%s  %s  %.1f%%  %s\n", s.TaskKey, statusColor(s.Status)(string(s.Status)), s.Progress, s.Message)
	if s.ErrorMessage != nil && *s.ErrorMessage != "" && s.Status == models.StatusFailed {
		color.Red("  %s", *s.ErrorMessage)
	}
}

func statusColor(s models.Status) func(a ...interface{}) string {
	switch s {
	case models.StatusCompleted:
		return color.New(color.FgGreen).SprintFunc()
	case models.StatusFailed:
		return color.New(color.FgRed).SprintFunc()
	case models.StatusCancelled:
		return color.New(color.FgYellow).SprintFunc()
	case models.StatusProcessing:
		return color.New(color.FgCyan).SprintFunc()
	}
	return fmt.Sprint
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/fatih/color"

	"rusted-workshop-web/models"
)

func (a *app) login(ctx context.Context) error {
	pw := *password
	if pw == "" {
		fmt.Print("Admin password: ")
		line, _ := a.stdin.ReadString('\n')
		pw = strings.TrimSpace(line)
	}
	if err := a.admin.Login(ctx, pw); err != nil {
		return err
	}
	color.Green("Logged in, token saved to %s", a.config.TokenPath)
	return nil
}

func (a *app) logout(ctx context.Context) error {
	if err := a.admin.Logout(ctx); err != nil {
		return err
	}
	color.Green("Logged out")
	return nil
}

func (a *app) adminConfig(ctx context.Context) error {
	cfg, err := a.admin.Config(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("System status:  %s\n", cfg.SystemStatus)
	fmt.Printf("Max file size:  %d\n", cfg.MaxFileSize)
	fmt.Printf("Max queue size: %d\n", cfg.MaxQueueSize)
	fmt.Printf("Languages:      %s\n", strings.Join(cfg.SupportedLanguages, ", "))
	fmt.Printf("Styles:         %s\n", strings.Join(cfg.TranslationStyles, ", "))
	if cfg.Message != "" {
		fmt.Printf("Message:        %s\n", cfg.Message)
	}
	return nil
}

func (a *app) adminSet(ctx context.Context) error {
	patch, err := parseSettings(*settings)
	if err != nil {
		return err
	}
	raw, err := a.admin.UpdateConfig(ctx, patch)
	if err != nil {
		return err
	}
	color.Green("Config updated")
	if len(raw) > 0 && string(raw) != "null" {
		fmt.Println(string(raw))
	}
	return nil
}

// parseSettings turns "a=1,b=x" into a patch. Integers and booleans keep
// their type; list fields take "|" separated values.
func parseSettings(s string) (map[string]any, error) {
	patch := make(map[string]any)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid setting %q, want key=value", pair)
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		switch {
		case strings.Contains(v, "|"):
			patch[k] = strings.Split(v, "|")
		case v == "true" || v == "false":
			patch[k] = v == "true"
		default:
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				patch[k] = n
			} else {
				patch[k] = v
			}
		}
	}
	if len(patch) == 0 {
		return nil, fmt.Errorf("-set is required")
	}
	return patch, nil
}

func (a *app) adminTasks(ctx context.Context) error {
	result, err := a.admin.Tasks(ctx, models.AdminTaskQuery{
		Page:     *page,
		Limit:    *limit,
		Status:   *status,
		Language: *language,
	})
	if err != nil {
		return err
	}
	fmt.Printf("%-24s %-11s %-8s %-10s %s\n", "ID", "STATUS", "LANG", "SIZE", "FILE")
	for _, t := range result.Tasks {
		fmt.Printf("%-24s %-11s %-8s %-10d %s\n", t.ID, t.Status, t.TargetLanguage, t.FileSize, t.Filename)
	}
	p := result.Pagination
	fmt.Printf("Page %d of %d, %d task(s)\n", p.Page, p.TotalPages, p.Total)
	return nil
}

func (a *app) adminDelete(ctx context.Context) error {
	if *taskKey == "" {
		return fmt.Errorf("-key is required")
	}
	if err := a.admin.DeleteTask(ctx, *taskKey, a.confirm); err != nil {
		return err
	}
	color.Green("Deleted %s", *taskKey)
	return nil
}

func (a *app) cleanup(ctx context.Context) error {
	if !*dryRun && !a.confirm(fmt.Sprintf("Delete tasks older than %d days?", *days)) {
		return fmt.Errorf("cleanup not confirmed")
	}
	raw, err := a.admin.Cleanup(ctx, *days, *dryRun)
	if err != nil {
		return err
	}
	var pretty map[string]any
	if json.Unmarshal(raw, &pretty) == nil {
		out, _ := json.MarshalIndent(pretty, "", "  ")
		fmt.Println(string(out))
		return nil
	}
	fmt.Println(string(raw))
	return nil
}

func (a *app) audit(ctx context.Context) error {
	entries, err := a.admin.Audit(ctx, *limit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		result := color.GreenString("%s", e.Result)
		if e.Result != "SUCCESS" {
			result = color.RedString("%s", e.Result)
		}
		fmt.Printf("%s  %-20s %-13s %-24s %s\n", e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Action, result, e.Resource, e.IPAddress)
		if e.ErrorMsg != "" {
			fmt.Printf("    %s\n", e.ErrorMsg)
		}
	}
	return nil
}

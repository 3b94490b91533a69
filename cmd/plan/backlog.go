package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"questlog/api/internal/schedule"
)

type backlogFile struct {
	Preferences struct {
		WeeklyBudgetMinutes  int    `yaml:"weeklyBudgetMinutes"`
		SessionLengthMinutes int    `yaml:"sessionLengthMinutes"`
		Timezone             string `yaml:"timezone"`
	} `yaml:"preferences"`
	Items []struct {
		ID                    int64  `yaml:"id"`
		Name                  string `yaml:"name"`
		EstimatedTotalMinutes *int   `yaml:"estimatedTotalMinutes"`
		ConsumedMinutes       int    `yaml:"consumedMinutes"`
	} `yaml:"items"`
}

type backlog struct {
	prefs schedule.Preferences
	items []schedule.BacklogItem
}

func (b backlog) name(id int64) string {
	for _, item := range b.items {
		if item.ID == id {
			return item.Name
		}
	}
	return fmt.Sprintf("item %d", id)
}

func loadBacklog(path string) (backlog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return backlog{}, fmt.Errorf("read backlog: %w", err)
	}
	return parseBacklog(raw)
}

func parseBacklog(raw []byte) (backlog, error) {
	var file backlogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return backlog{}, fmt.Errorf("parse backlog: %w", err)
	}

	out := backlog{
		prefs: schedule.Preferences{
			WeeklyBudgetMinutes:  file.Preferences.WeeklyBudgetMinutes,
			SessionLengthMinutes: file.Preferences.SessionLengthMinutes,
			Timezone:             file.Preferences.Timezone,
		},
		items: make([]schedule.BacklogItem, 0, len(file.Items)),
	}
	if out.prefs.Timezone == "" {
		out.prefs.Timezone = "UTC"
	}

	seen := make(map[int64]bool, len(file.Items))
	for i, item := range file.Items {
		id := item.ID
		if id == 0 {
			id = int64(i + 1)
		}
		if seen[id] {
			return backlog{}, fmt.Errorf("parse backlog: duplicate item id %d", id)
		}
		seen[id] = true
		out.items = append(out.items, schedule.BacklogItem{
			ID:                    id,
			Name:                  item.Name,
			EstimatedTotalMinutes: item.EstimatedTotalMinutes,
			ConsumedMinutes:       item.ConsumedMinutes,
		})
	}
	return out, nil
}

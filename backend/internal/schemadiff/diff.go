// Package schemadiff reconciles saved table configuration with the live source schema.
package schemadiff

import (
	"time"

	"github.com/samber/lo"

	"dbcopier/backend/internal/types"
)

// ColumnReport 列变化摘要
type ColumnReport struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

func (r ColumnReport) Changed() bool {
	return len(r.Added) > 0 || len(r.Removed) > 0
}

// DiffColumns merges saved columns with the live column list.
//
// Live order wins for matched and added columns; removed columns keep their saved
// configuration, are tagged Removed and are appended in their saved order. The
// saved slice is not modified.
func DiffColumns(saved []types.ColumnConfig, live []string) ([]types.ColumnConfig, ColumnReport) {
	savedByName := lo.SliceToMap(saved, func(c types.ColumnConfig) (string, types.ColumnConfig) {
		return c.Name, c
	})
	liveSet := make(map[string]struct{}, len(live))

	merged := make([]types.ColumnConfig, 0, len(live)+len(saved))
	report := ColumnReport{Added: []string{}, Removed: []string{}}

	for _, name := range live {
		if _, dup := liveSet[name]; dup {
			continue
		}
		liveSet[name] = struct{}{}

		if existing, ok := savedByName[name]; ok {
			col := existing.Clone()
			col.Status = types.Unchanged
			merged = append(merged, col)
			continue
		}
		merged = append(merged, types.ColumnConfig{Name: name, Status: types.Added})
		report.Added = append(report.Added, name)
	}

	for _, c := range saved {
		if _, ok := liveSet[c.Name]; ok {
			continue
		}
		col := c.Clone()
		col.Status = types.Removed
		merged = append(merged, col)
		report.Removed = append(report.Removed, c.Name)
	}

	return merged, report
}

// DiffTable applies DiffColumns to one table and returns a new TableConfig.
func DiffTable(saved types.TableConfig, live []string) (types.TableConfig, ColumnReport) {
	out := saved.Clone()
	var report ColumnReport
	out.Columns, report = DiffColumns(saved.Columns, live)
	return out, report
}

// TableReport 表级变化摘要
type TableReport struct {
	Added   []string                `json:"added"`
	Removed []string                `json:"removed"`
	Columns map[string]ColumnReport `json:"columns"`
}

// MergeTables reconciles whole table lists. Tables new to the live schema arrive
// ignored and tagged Added so nothing is copied until the operator opts in; saved
// tables missing from the live schema are kept, tagged Removed, at the end.
// columns maps live table name to its live column list.
func MergeTables(saved []types.TableConfig, live []string, columns map[string][]string) ([]types.TableConfig, TableReport) {
	savedByName := lo.SliceToMap(saved, func(t types.TableConfig) (string, types.TableConfig) {
		return t.Name, t
	})
	liveSet := make(map[string]struct{}, len(live))

	report := TableReport{Added: []string{}, Removed: []string{}, Columns: map[string]ColumnReport{}}
	merged := make([]types.TableConfig, 0, len(live)+len(saved))

	for _, name := range live {
		if _, dup := liveSet[name]; dup {
			continue
		}
		liveSet[name] = struct{}{}

		table, ok := savedByName[name]
		if ok {
			table = table.Clone()
			table.Status = types.Unchanged
		} else {
			table = types.TableConfig{Name: name, Ignore: true, Status: types.Added}
			report.Added = append(report.Added, name)
		}

		var colReport ColumnReport
		table.Columns, colReport = DiffColumns(table.Columns, columns[name])
		if ok && colReport.Changed() {
			report.Columns[name] = colReport
		}
		merged = append(merged, table)
	}

	for _, t := range saved {
		if _, ok := liveSet[t.Name]; ok {
			continue
		}
		table := t.Clone()
		table.Status = types.Removed
		merged = append(merged, table)
		report.Removed = append(report.Removed, t.Name)
	}

	return merged, report
}

// Commit accepts a diffed table: every status tag is cleared and LastUpdated is
// stamped. Removed columns stay; dropping them is AcceptRemovals' job.
func Commit(table types.TableConfig, now time.Time) types.TableConfig {
	out := table.Clone()
	out.Status = types.Unchanged
	for i := range out.Columns {
		out.Columns[i].Status = types.Unchanged
	}
	ts := now.UTC()
	out.LastUpdated = &ts
	return out
}

// AcceptRemovals drops the columns tagged Removed.
func AcceptRemovals(table types.TableConfig) types.TableConfig {
	out := table.Clone()
	out.Columns = lo.Filter(out.Columns, func(c types.ColumnConfig, _ int) bool {
		return c.Status != types.Removed
	})
	return out
}

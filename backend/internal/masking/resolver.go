// Package masking decides, per column, what the copy engine is asked to do with
// the column's values, and rejects unusable rules before anything is submitted.
package masking

import (
	"errors"
	"fmt"

	"github.com/samber/lo"

	"dbcopier/backend/internal/types"
)

// Transform is one of Skip, Verbatim, Hash, Fixed or Pattern.
type Transform interface {
	transform()
}

// Skip 列被忽略，既不读取也不写入
type Skip struct{}

// Verbatim 原样复制
type Verbatim struct{}

type Hash struct{}

type Fixed struct {
	Value string
}

// Pattern carries an engine-side generator expression; it is passed through as is.
type Pattern struct {
	Expr string
}

func (Skip) transform()     {}
func (Verbatim) transform() {}
func (Hash) transform()     {}
func (Fixed) transform()    {}
func (Pattern) transform()  {}

// Resolve returns the effective transform for a column.
func Resolve(col types.ColumnConfig) (Transform, error) {
	if col.Ignore {
		return Skip{}, nil
	}
	if col.MaskRule == nil {
		return Verbatim{}, nil
	}
	rule := *col.MaskRule
	switch rule.RuleType {
	case types.MaskNone:
		return Verbatim{}, nil
	case types.MaskHash:
		return Hash{}, nil
	case types.MaskFixed:
		return Fixed{Value: rule.Pattern}, nil
	case types.MaskPattern:
		if rule.Pattern == "" {
			return nil, columnError(col.Name, "pattern is required for pattern rules")
		}
		return Pattern{Expr: rule.Pattern}, nil
	default:
		return nil, columnError(col.Name, fmt.Sprintf("unknown rule_type %q", rule.RuleType))
	}
}

// Rule converts a transform back to the wire MaskRule; nil means no masking.
func Rule(t Transform) *types.MaskRule {
	switch v := t.(type) {
	case Hash:
		r := types.HashRule()
		return &r
	case Fixed:
		r := types.FixedRule(v.Value)
		return &r
	case Pattern:
		return &types.MaskRule{RuleType: types.MaskPattern, Pattern: v.Expr}
	default:
		return nil
	}
}

func columnError(column, message string) *types.Error {
	return types.NewValidationError("columns."+column+".mask_rule", message)
}

// ValidateTable resolves every column of a table and joins all failures.
func ValidateTable(t types.TableConfig) error {
	var errs []error
	for _, col := range t.Columns {
		if _, err := Resolve(col); err != nil {
			errs = append(errs, tableError(t.Name, err))
		}
	}
	return errors.Join(errs...)
}

// ValidateConfig checks the mask rules of every table, ignored ones included, so
// a broken rule is caught at save time and not on the day the table is enabled.
func ValidateConfig(c types.Config) error {
	var errs []error
	for _, t := range c.Tables {
		if err := ValidateTable(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func tableError(table string, err error) error {
	var e *types.Error
	if errors.As(err, &e) {
		cp := *e
		cp.Field = "tables." + table + "." + e.Field
		return &cp
	}
	return err
}

// PrepareSubmission builds the Config actually sent to start_copy:
//   - ignored tables, ignored columns and columns tagged Removed are dropped
//   - structure-only tables keep their column list but lose every mask rule
//   - rules are rewritten from their resolved transform (hash drops its pattern)
//   - every status tag is cleared
//
// The input is left untouched. A Config with no enabled table is rejected.
func PrepareSubmission(c types.Config) (types.Config, error) {
	if err := ValidateConfig(c); err != nil {
		return types.Config{}, err
	}

	out := c.Clone()
	out.Tables = make([]types.TableConfig, 0, len(c.Tables))
	for _, t := range c.Tables {
		if t.Ignore || t.Status == types.Removed {
			continue
		}
		table := t.Clone()
		table.Status = types.Unchanged
		table.Columns = make([]types.ColumnConfig, 0, len(t.Columns))
		for _, col := range t.Columns {
			if col.Status == types.Removed {
				continue
			}
			tr, _ := Resolve(col)
			if _, skip := tr.(Skip); skip {
				continue
			}
			col = col.Clone()
			col.Status = types.Unchanged
			col.MaskRule = Rule(tr)
			if t.StructureOnly {
				col.MaskRule = nil
			}
			table.Columns = append(table.Columns, col)
		}
		out.Tables = append(out.Tables, table)
	}

	if len(out.Tables) == 0 {
		return types.Config{}, types.NewValidationError("tables", "no table is enabled for copying")
	}
	return out, nil
}

// MaskedColumns lists "table.column" for every column that will be masked.
func MaskedColumns(c types.Config) []string {
	var out []string
	for _, t := range c.Tables {
		if t.Ignore || t.StructureOnly {
			continue
		}
		out = append(out, lo.FilterMap(t.Columns, func(col types.ColumnConfig, _ int) (string, bool) {
			tr, err := Resolve(col)
			if err != nil {
				return "", false
			}
			switch tr.(type) {
			case Hash, Fixed, Pattern:
				return t.Name + "." + col.Name, true
			}
			return "", false
		})...)
	}
	return out
}

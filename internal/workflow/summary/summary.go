// Package summary aggregates the classified errors of a batch and renders
// the operator report.
package summary

import (
	"slices"

	"github.com/vietddude/ihebatch/internal/core/domain"
)

// Summarize aggregates infos. The error rate is expressed in percent of
// patientCount and is 0 when patientCount is 0.
func Summarize(infos []domain.ErrorInfo, patientCount int) domain.ErrorSummary {
	s := domain.ErrorSummary{
		TotalErrors:      len(infos),
		PatientCount:     patientCount,
		ByCategory:       make(map[domain.Category]int),
		ByType:           make(map[string]int),
		AffectedPatients: make(map[string][]string),
	}
	if patientCount > 0 {
		s.ErrorRate = float64(len(infos)) / float64(patientCount) * 100
	}

	// order keeps first-seen order of error types for tie breaking
	var order []domain.ErrorTypeCount
	index := make(map[string]int)
	affected := make(map[string]map[string]struct{})

	for _, info := range infos {
		category := info.Category
		if !category.IsValid() {
			category = domain.CategoryCritical
		}
		s.ByCategory[category]++
		s.ByType[info.ErrorType]++

		if i, ok := index[info.ErrorType]; ok {
			order[i].Count++
		} else {
			index[info.ErrorType] = len(order)
			order = append(order, domain.ErrorTypeCount{
				ErrorType: info.ErrorType,
				Category:  category,
				Count:     1,
			})
		}

		if info.PatientID == "" {
			continue
		}
		seen, ok := affected[info.ErrorType]
		if !ok {
			seen = make(map[string]struct{})
			affected[info.ErrorType] = seen
		}
		if _, dup := seen[info.PatientID]; !dup {
			seen[info.PatientID] = struct{}{}
			s.AffectedPatients[info.ErrorType] = append(s.AffectedPatients[info.ErrorType], info.PatientID)
		}
	}

	slices.SortStableFunc(order, func(a, b domain.ErrorTypeCount) int {
		return b.Count - a.Count
	})
	s.Ranked = order
	return s
}

// Top returns at most n entries of the frequency ranking.
func Top(s domain.ErrorSummary, n int) []domain.ErrorTypeCount {
	if n <= 0 || n >= len(s.Ranked) {
		return s.Ranked
	}
	return s.Ranked[:n]
}

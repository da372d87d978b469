package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	rtv1 "github.com/outbreakstack/renewal-rt/internal/grpc/renewalv1"
	"github.com/outbreakstack/renewal-rt/internal/utils"
)

// readIncidenceCSV reads either date,count rows or one onset date per row.
// Rows may come in any order; days missing from date,count input count zero.
// A header row is skipped when its second column is not a number.
func readIncidenceCSV(r io.Reader) (rtv1.IncidenceInput, error) {
	records, err := readRecords(r)
	if err != nil {
		return rtv1.IncidenceInput{}, err
	}
	if len(records) == 0 {
		return rtv1.IncidenceInput{}, errors.New("incidence file holds no rows")
	}

	if len(records[0]) == 1 {
		var onsets []string
		for i, rec := range records {
			if _, err := utils.ParseDate(rec[0]); err != nil {
				if i == 0 {
					continue
				}
				return rtv1.IncidenceInput{}, fmt.Errorf("row %d: %w", i+1, err)
			}
			onsets = append(onsets, strings.TrimSpace(rec[0]))
		}
		return rtv1.IncidenceInput{Onsets: onsets}, nil
	}

	type row struct {
		date  time.Time
		count int
	}
	rows := make([]row, 0, len(records))
	var first, last time.Time
	for i, rec := range records {
		if len(rec) < 2 {
			return rtv1.IncidenceInput{}, fmt.Errorf("row %d: expected date,count", i+1)
		}
		count, err := strconv.Atoi(strings.TrimSpace(rec[1]))
		if err != nil {
			if i == 0 {
				continue
			}
			return rtv1.IncidenceInput{}, fmt.Errorf("row %d: count %q: %w", i+1, rec[1], err)
		}
		if count < 0 {
			return rtv1.IncidenceInput{}, fmt.Errorf("row %d: negative count %d", i+1, count)
		}
		date, err := utils.ParseDate(strings.TrimSpace(rec[0]))
		if err != nil {
			return rtv1.IncidenceInput{}, fmt.Errorf("row %d: %w", i+1, err)
		}
		if first.IsZero() || date.Before(first) {
			first = date
		}
		if date.After(last) {
			last = date
		}
		rows = append(rows, row{date: date, count: count})
	}
	if len(rows) == 0 {
		return rtv1.IncidenceInput{}, errors.New("incidence file holds no counts")
	}

	counts := make([]int, int(last.Sub(first).Hours()/24)+1)
	for _, r := range rows {
		counts[int(r.date.Sub(first).Hours()/24)] += r.count
	}
	return rtv1.IncidenceInput{Start: utils.FormatDate(first), Counts: counts}, nil
}

// readPairsCSV reads infector_onset,infectee_onset rows.
func readPairsCSV(r io.Reader) ([]rtv1.TransmissionPair, error) {
	records, err := readRecords(r)
	if err != nil {
		return nil, err
	}
	var pairs []rtv1.TransmissionPair
	for i, rec := range records {
		if len(rec) < 2 {
			return nil, fmt.Errorf("row %d: expected infector_onset,infectee_onset", i+1)
		}
		infector, infectee := strings.TrimSpace(rec[0]), strings.TrimSpace(rec[1])
		if _, err := utils.ParseDate(infector); err != nil {
			if i == 0 {
				continue
			}
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		if _, err := utils.ParseDate(infectee); err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		pairs = append(pairs, rtv1.TransmissionPair{InfectorOnset: infector, InfecteeOnset: infectee})
	}
	if len(pairs) == 0 {
		return nil, errors.New("pairs file holds no rows")
	}
	return pairs, nil
}

func readRecords(r io.Reader) ([][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	return records, nil
}

func openCSV(path string, parse func(io.Reader) error) error {
	if path == "-" {
		return parse(os.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return parse(f)
}

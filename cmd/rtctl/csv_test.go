package main

import (
	"strings"
	"testing"
)

func TestReadIncidenceCSVFillsMissingDays(t *testing.T) {
	in := "date,cases\n2014-05-03,4\n2014-05-01,2\n2014-05-01,1\n"
	got, err := readIncidenceCSV(strings.NewReader(in))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.Start != "2014-05-01" {
		t.Fatalf("unexpected start %s", got.Start)
	}
	want := []int{3, 0, 4}
	if len(got.Counts) != len(want) {
		t.Fatalf("expected %v, got %v", want, got.Counts)
	}
	for i := range want {
		if got.Counts[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got.Counts)
		}
	}
}

func TestReadIncidenceCSVOnsets(t *testing.T) {
	in := "onset\n# first cluster\n2009-04-20\n2009-04-22\n"
	got, err := readIncidenceCSV(strings.NewReader(in))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(got.Onsets) != 2 || got.Counts != nil {
		t.Fatalf("expected two onsets, got %+v", got)
	}
}

func TestReadIncidenceCSVRejectsBadRows(t *testing.T) {
	cases := map[string]string{
		"negative": "2014-05-01,-1\n",
		"date":     "2014-05-01,1\nyesterday,2\n",
		"count":    "2014-05-01,1\n2014-05-02,many\n",
		"empty":    "",
	}
	for name, in := range cases {
		if _, err := readIncidenceCSV(strings.NewReader(in)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestReadPairsCSV(t *testing.T) {
	in := "infector,infectee\n2009-04-20,2009-04-23\n2009-04-21, 2009-04-24\n"
	pairs, err := readPairsCSV(strings.NewReader(in))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(pairs) != 2 || pairs[1].InfecteeOnset != "2009-04-24" {
		t.Fatalf("unexpected pairs %+v", pairs)
	}
	if _, err := readPairsCSV(strings.NewReader("2009-04-20,never\n")); err == nil {
		t.Fatalf("expected error for malformed infectee date")
	}
}

func TestParseWindow(t *testing.T) {
	w, err := parseWindow("2:10")
	if err != nil || w.Start != 2 || w.End != 10 {
		t.Fatalf("unexpected window %+v %v", w, err)
	}
	for _, bad := range []string{"2-10", "a:3", "2:"} {
		if _, err := parseWindow(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

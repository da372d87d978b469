package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/outbreakstack/renewal-rt/internal/utils"
)

func jsonResponse(t *testing.T, status int, payload any) *http.Response {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &http.Response{
		StatusCode: status,
		Status:     http.StatusText(status),
		Body:       io.NopCloser(bytes.NewReader(data)),
		Header:     make(http.Header),
	}
}

func newSurveillance(t *testing.T, rt roundTripFunc) (*SurveillanceClient, *stubCache) {
	t.Helper()
	stub := newStubCache()
	client := NewSurveillanceClient(SurveillanceOptions{
		BaseURL:       "https://surveillance.example.com/api",
		IncidencePath: "/v1/incidence",
		PairsPath:     "/v1/pairs",
		Timeout:       time.Second,
		MaxRetries:    2,
	}, stub, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	client.httpClient = newTestClient(rt)
	return client, stub
}

func TestFetchIncidenceCachesCounts(t *testing.T) {
	hits := 0
	client, _ := newSurveillance(t, func(req *http.Request) (*http.Response, error) {
		hits++
		if req.URL.Path != "/api/v1/incidence" {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		var body map[string]string
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body["dataset"] != "flu-1918" || body["start"] != "1918-09-01" {
			t.Fatalf("unexpected request body: %v", body)
		}
		return jsonResponse(t, http.StatusOK, map[string]any{
			"dataset":  "flu-1918",
			"start":    "1918-09-01",
			"interval": 1,
			"counts":   []int{1, 0, 3, 5},
		}), nil
	})

	ctx := context.Background()
	first := time.Date(1918, 9, 1, 0, 0, 0, 0, time.UTC)
	last := time.Date(1918, 9, 4, 0, 0, 0, 0, time.UTC)

	series, err := client.FetchIncidence(ctx, "flu-1918", first, last)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if series.Len() != 4 || series.Total() != 9 || !series.Start.Equal(first) {
		t.Fatalf("unexpected series: %+v %v", series, series.Counts())
	}

	cached, err := client.FetchIncidence(ctx, "flu-1918", first, last)
	if err != nil {
		t.Fatalf("unexpected cached error: %v", err)
	}
	if hits != 1 {
		t.Fatalf("cache miss triggered network call; hits=%d", hits)
	}
	if cached.Total() != 9 {
		t.Fatalf("unexpected cached series: %v", cached.Counts())
	}
}

func TestFetchIncidenceBinsOnsets(t *testing.T) {
	client, _ := newSurveillance(t, func(req *http.Request) (*http.Response, error) {
		return jsonResponse(t, http.StatusOK, map[string]any{
			"onsets": []string{"2014-06-03", "2014-06-01", "2014-06-03"},
		}), nil
	})

	series, err := client.FetchIncidence(context.Background(), "ebola", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []int{1, 0, 2}
	got := series.Counts()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestFetchIncidenceNotFoundIsPermanent(t *testing.T) {
	hits := 0
	client, _ := newSurveillance(t, func(req *http.Request) (*http.Response, error) {
		hits++
		return jsonResponse(t, http.StatusNotFound, map[string]string{"error": "unknown dataset"}), nil
	})

	_, err := client.FetchIncidence(context.Background(), "missing", time.Time{}, time.Time{})
	if !errors.Is(err, utils.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if hits != 1 {
		t.Fatalf("404 must not be retried, hits=%d", hits)
	}
	if op := utils.Operation(err); op != "surveillance.FetchIncidence" {
		t.Fatalf("unexpected operation %q", op)
	}
}

func TestFetchIncidenceRetriesServerErrors(t *testing.T) {
	hits := 0
	client, _ := newSurveillance(t, func(req *http.Request) (*http.Response, error) {
		hits++
		if hits < 3 {
			return jsonResponse(t, http.StatusServiceUnavailable, nil), nil
		}
		return jsonResponse(t, http.StatusOK, map[string]any{"start": "2020-03-01", "counts": []int{2, 4}}), nil
	})

	series, err := client.FetchIncidence(context.Background(), "covid", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("unexpected error after retries: %v", err)
	}
	if hits != 3 || series.Total() != 6 {
		t.Fatalf("expected success on third attempt, hits=%d total=%d", hits, series.Total())
	}
}

func TestFetchIncidenceGivesUpAfterMaxRetries(t *testing.T) {
	hits := 0
	client, _ := newSurveillance(t, func(req *http.Request) (*http.Response, error) {
		hits++
		return jsonResponse(t, http.StatusBadGateway, nil), nil
	})

	_, err := client.FetchIncidence(context.Background(), "covid", time.Time{}, time.Time{})
	if !errors.Is(err, utils.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if hits != 3 {
		t.Fatalf("expected 1 attempt plus 2 retries, got %d", hits)
	}
}

func TestFetchTransmissionPairs(t *testing.T) {
	client, stub := newSurveillance(t, func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/api/v1/pairs" {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		return jsonResponse(t, http.StatusOK, map[string]any{
			"pairs": []map[string]string{
				{"infector_onset": "2009-04-20", "infectee_onset": "2009-04-23"},
				{"infector_onset": "2009-04-21", "infectee_onset": "2009-04-22"},
			},
		}), nil
	})

	pairs, err := client.FetchTransmissionPairs(context.Background(), "h1n1-school")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pairs) != 2 || pairs[0].Lag() != 3 || pairs[1].Lag() != 1 {
		t.Fatalf("unexpected pairs: %+v", pairs)
	}
	if _, ok := stub.store["rt:pairs:h1n1-school"]; !ok {
		t.Fatalf("expected response to be cached")
	}
}

func TestSurveillanceClientRequiresBaseURL(t *testing.T) {
	client := NewSurveillanceClient(SurveillanceOptions{}, nil, 0, nil)
	if _, err := client.FetchIncidence(context.Background(), "x", time.Time{}, time.Time{}); err == nil {
		t.Fatalf("expected error without base URL")
	}
}

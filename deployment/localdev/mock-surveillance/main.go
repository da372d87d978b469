package main

import (
	"encoding/json"
	"log"
	"net/http"
	"time"
)

type incidenceRequest struct {
	Dataset string `json:"dataset"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

type pair struct {
	InfectorOnset string `json:"infector_onset"`
	InfecteeOnset string `json:"infectee_onset"`
}

// Binned daily counts.
var countDatasets = map[string]struct {
	start  string
	counts []int
}{
	"ebola-2014":   {start: "2014-05-01", counts: []int{4, 3, 4, 6, 9, 5, 7, 7, 2, 8, 11, 9, 14, 12, 16, 15, 21, 19, 24, 22, 27}},
	"measles-1861": {start: "1861-10-26", counts: []int{1, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0, 5, 1, 9, 6, 12, 8, 14, 19, 12, 12, 7, 9, 11, 3, 2, 3, 1, 0, 0, 1}},
}

// Raw onset dates, binned by the client.
var onsetDatasets = map[string][]string{
	"h1n1-school": {
		"2009-04-20", "2009-04-21", "2009-04-21", "2009-04-22", "2009-04-23", "2009-04-23",
		"2009-04-23", "2009-04-24", "2009-04-24", "2009-04-24", "2009-04-25", "2009-04-25",
		"2009-04-26", "2009-04-26", "2009-04-26", "2009-04-27", "2009-04-28", "2009-04-29",
	},
}

var pairDatasets = map[string][]pair{
	"h1n1-school": {
		{"2009-04-20", "2009-04-22"}, {"2009-04-20", "2009-04-23"}, {"2009-04-21", "2009-04-23"},
		{"2009-04-21", "2009-04-24"}, {"2009-04-22", "2009-04-25"}, {"2009-04-22", "2009-04-26"},
		{"2009-04-23", "2009-04-25"}, {"2009-04-23", "2009-04-27"}, {"2009-04-24", "2009-04-26"},
		{"2009-04-24", "2009-04-28"}, {"2009-04-25", "2009-04-28"}, {"2009-04-26", "2009-04-29"},
	},
}

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/v1/surveillance/incidence", func(w http.ResponseWriter, r *http.Request) {
		var req incidenceRequest
		if !decodePost(w, r, &req) {
			return
		}
		if ds, ok := countDatasets[req.Dataset]; ok {
			writeJSON(w, map[string]any{"dataset": req.Dataset, "start": ds.start, "interval": 1, "counts": ds.counts})
			return
		}
		if onsets, ok := onsetDatasets[req.Dataset]; ok {
			writeJSON(w, map[string]any{"dataset": req.Dataset, "onsets": within(onsets, req.Start, req.End)})
			return
		}
		http.NotFound(w, r)
	})

	mux.HandleFunc("/api/v1/surveillance/transmission-pairs", func(w http.ResponseWriter, r *http.Request) {
		var req incidenceRequest
		if !decodePost(w, r, &req) {
			return
		}
		pairs, ok := pairDatasets[req.Dataset]
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, map[string]any{"dataset": req.Dataset, "pairs": pairs})
	})

	logger := log.New(log.Writer(), "surveillance-mock ", log.LstdFlags|log.Lmicroseconds)
	srv := &http.Server{
		Addr:    ":8080",
		Handler: logRequests(logger, mux),
	}

	logger.Println("listening on :8080")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

// within keeps the onsets between start and end; empty bounds are open.
// Dates compare lexically in YYYY-MM-DD form.
func within(onsets []string, start, end string) []string {
	out := make([]string, 0, len(onsets))
	for _, d := range onsets {
		if (start == "" || d >= start) && (end == "" || d <= end) {
			out = append(out, d)
		}
	}
	return out
}

func decodePost(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Package main implements a mock collector for local development. It
// replays recorded feed files over the paging protocol the HTTP source
// speaks, so ingestion can be exercised without a browser-automation
// sidecar.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// pageResponse mirrors the collector reply decoded by collect.HTTPSource.
type pageResponse struct {
	Records []json.RawMessage `json:"records"`
	End     bool              `json:"end"`
}

func main() {
	port := flag.Int("port", 8089, "port to listen on")
	dir := flag.String("dir", "tools/mock-server/testdata", "directory of recorded *.jsonl feeds")
	token := flag.String("token", "", "bearer token to require (empty disables auth)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	feeds, err := loadFeeds(*dir)
	if err != nil {
		logger.Error("failed to load feeds", "dir", *dir, "error", err)
		os.Exit(1)
	}
	for name, pages := range feeds {
		logger.Info("loaded feed", "feed", name, "pages", len(pages))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /feeds/{name}", feedHandler(logger, feeds, *token))

	addr := fmt.Sprintf(":%d", *port)
	logger.Info("starting mock collector", "addr", addr)

	srv := &http.Server{
		Addr:         addr,
		Handler:      requestLogger(logger, mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// loadFeeds reads every *.jsonl file in dir. Each non-empty line is one
// page, a JSON array of raw records. Feeds are keyed by file name without
// the extension.
func loadFeeds(dir string) (map[string][][]json.RawMessage, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("listing feeds: %w", err)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no *.jsonl feeds in %s", dir)
	}

	feeds := make(map[string][][]json.RawMessage, len(matches))
	for _, path := range matches {
		pages, err := loadPages(path)
		if err != nil {
			return nil, err
		}
		feeds[strings.TrimSuffix(filepath.Base(path), ".jsonl")] = pages
	}
	return feeds, nil
}

func loadPages(path string) ([][]json.RawMessage, error) {
	data, err := os.ReadFile(path) //nolint:gosec // feed path from trusted CLI flag
	if err != nil {
		return nil, fmt.Errorf("reading feed: %w", err)
	}

	var pages [][]json.RawMessage
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for n := 1; sc.Scan(); n++ {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var records []json.RawMessage
		if err := json.Unmarshal(line, &records); err != nil {
			return nil, fmt.Errorf("parsing %s line %d: %w", filepath.Base(path), n, err)
		}
		pages = append(pages, records)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", filepath.Base(path), err)
	}
	return pages, nil
}

func requestLogger(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("request", "method", r.Method, "path", r.URL.Path, "query", r.URL.RawQuery)
		next.ServeHTTP(w, r)
	})
}

func feedHandler(logger *slog.Logger, feeds map[string][][]json.RawMessage, token string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
			logger.Warn("feed request with missing or wrong bearer token")
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}

		name := strings.TrimSuffix(r.PathValue("name"), ".jsonl")
		pages, ok := feeds[name]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown feed " + name})
			return
		}

		page := 0
		if s := r.URL.Query().Get("page"); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid page " + s})
				return
			}
			page = v
		}

		resp := pageResponse{Records: []json.RawMessage{}}
		if page < len(pages) {
			resp.Records = pages[page]
		}
		resp.End = page >= len(pages)-1

		writeJSON(w, http.StatusOK, resp)
		logger.Info("page", "feed", name, "page", page, "records", len(resp.Records), "end", resp.End)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	//nolint:errcheck,gosec // best-effort write to HTTP response in mock server
	json.NewEncoder(w).Encode(v)
}

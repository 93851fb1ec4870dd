// Package httpapi exposes the REST control surface: watchlist mutation,
// discovered-listing reads, and the live feed's tracked-set maintenance.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"github.com/Todd838/Coin-Insights/internal/discovery"
	"github.com/Todd838/Coin-Insights/internal/symbols"
	"github.com/Todd838/Coin-Insights/internal/watchlist"
)

// FeedController is the slice of the live feed client the API drives.
type FeedController interface {
	Track(products ...string) bool
	Tracked() []string
	Resubscribe()
}

// Server handles the JSON control API.
type Server struct {
	store   *watchlist.Store
	feed    FeedController
	dataDir string
	logger  zerolog.Logger
	mux     *http.ServeMux
}

// New constructs the API server.
func New(store *watchlist.Store, feed FeedController, dataDir string, logger zerolog.Logger) *Server {
	s := &Server{
		store:   store,
		feed:    feed,
		dataDir: dataDir,
		logger:  logger.With().Str("component", "httpapi").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/discovered/onchain", s.listingFile(discovery.OnChainFile))
	mux.HandleFunc("GET /api/discovered/dex", s.listingFile(discovery.DexFile))
	mux.HandleFunc("GET /api/discovered/all", s.handleDiscoveredAll)
	mux.HandleFunc("GET /api/listings/binance", s.listingFile(discovery.BinanceFile))
	mux.HandleFunc("GET /api/listings/coinbase", s.listingFile(discovery.CoinbaseFile))
	mux.HandleFunc("GET /api/watchlist", s.handleGetWatchlist)
	mux.HandleFunc("POST /api/watchlist/add", s.handleAdd)
	mux.HandleFunc("POST /api/watchlist/bulk-add", s.handleBulkAdd)
	mux.HandleFunc("POST /api/watchlist/remove", s.handleRemove)
	mux.HandleFunc("POST /api/watchlist/remove-all", s.handleRemoveAll)
	mux.HandleFunc("POST /api/watchlist/sync-coinbase", s.handleSyncCoinbase)
	mux.HandleFunc("/", s.handleNotFound)
	s.mux = mux
	return s
}

// Handler wraps the route table with the CORS middleware.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "Not found")
}

// listingFile serves one persisted listing document, substituting the empty
// shape when the file does not exist yet.
func (s *Server) listingFile(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := discovery.ReadListings(filepath.Join(s.dataDir, name))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, doc)
	}
}

func (s *Server) handleDiscoveredAll(w http.ResponseWriter, r *http.Request) {
	merged := make([]discovery.Listing, 0)
	for _, name := range []string{discovery.OnChainFile, discovery.DexFile} {
		doc, err := discovery.ReadListings(filepath.Join(s.dataDir, name))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		merged = append(merged, doc.Items...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].SeenAt > merged[j].SeenAt
	})
	writeJSON(w, http.StatusOK, map[string]any{"items": merged})
}

func (s *Server) handleGetWatchlist(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	doc, err := s.store.Load(userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

type addRequest struct {
	Symbol   string `json:"symbol"`
	Category string `json:"category"`
	UserID   string `json:"userId"`
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "Missing symbol")
		return
	}

	legacy, added, err := s.store.Add(req.UserID, req.Symbol, req.Category)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !added {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Already in watchlist"})
		return
	}

	product := symbols.ToVenue(legacy)
	s.feed.Track(product)
	s.feed.Resubscribe()

	s.logger.Info().Str("symbol", legacy).Str("product", product).Str("user", req.UserID).Msg("watchlist add")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "symbol": legacy, "coinbaseSymbol": product})
}

type bulkAddRequest struct {
	Symbols  []string `json:"symbols"`
	Category string   `json:"category"`
	UserID   string   `json:"userId"`
}

func (s *Server) handleBulkAdd(w http.ResponseWriter, r *http.Request) {
	var req bulkAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Symbols == nil {
		writeError(w, http.StatusBadRequest, "Missing or invalid symbols array")
		return
	}

	added, err := s.store.BulkAdd(req.UserID, req.Symbols, req.Category)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if len(added) > 0 {
		products := make([]string, 0, len(added))
		for _, legacy := range added {
			products = append(products, symbols.ToVenue(legacy))
		}
		s.feed.Track(products...)
		s.feed.Resubscribe()
	}

	s.logger.Info().Int("added", len(added)).Int("total", len(req.Symbols)).Str("user", req.UserID).Msg("watchlist bulk add")
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"added":   len(added),
		"total":   len(req.Symbols),
		"message": fmt.Sprintf("Added %d of %d symbols", len(added), len(req.Symbols)),
	})
}

type removeRequest struct {
	Symbol string `json:"symbol"`
	UserID string `json:"userId"`
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	var req removeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "Missing symbol")
		return
	}

	legacy := symbols.NormalizeLegacy(req.Symbol)
	removed, err := s.store.Remove(req.UserID, legacy)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !removed {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "message": "Symbol not in watchlist"})
		return
	}

	s.logger.Info().Str("symbol", legacy).Str("user", req.UserID).Msg("watchlist remove")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "symbol": legacy, "removed": true})
}

type removeAllRequest struct {
	Category string `json:"category"`
	UserID   string `json:"userId"`
}

func (s *Server) handleRemoveAll(w http.ResponseWriter, r *http.Request) {
	var req removeAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Category == "" {
		writeError(w, http.StatusBadRequest, "Missing category")
		return
	}

	count, err := s.store.RemoveAll(req.UserID, req.Category)
	if err != nil {
		var unknown watchlist.ErrUnknownCategory
		if errors.As(err, &unknown) {
			writeError(w, http.StatusBadRequest, "Invalid category")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info().Str("category", req.Category).Int("removed", count).Str("user", req.UserID).Msg("watchlist clear")
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "category": req.Category, "removedCount": count})
}

type syncRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) handleSyncCoinbase(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	products := s.feed.Tracked()
	legacies := make([]string, 0, len(products))
	for _, product := range products {
		legacies = append(legacies, symbols.ToLegacy(product))
	}

	if err := s.store.ReplaceCategory(req.UserID, watchlist.CategoryCoinbase, legacies); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info().Int("count", len(legacies)).Str("user", req.UserID).Msg("coinbase category synced")
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"count":   len(legacies),
		"message": fmt.Sprintf("Synced all %d Coinbase coins", len(legacies)),
	})
}

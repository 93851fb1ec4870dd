// Package watchlist persists per-user symbol lists as JSON documents under
// the data directory. Documents group symbols into three fixed categories
// and store every symbol in the legacy spelling.
package watchlist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Todd838/Coin-Insights/internal/symbols"
)

// Fixed category names. Duplicates across categories are allowed; a symbol
// appears at most once within one category.
const (
	CategoryCoinGecko = "CoinGecko"
	CategoryDex       = "Dex/OnChain"
	CategoryCoinbase  = "CoinBase"
)

// Categories lists the fixed category set in display order.
var Categories = []string{CategoryCoinGecko, CategoryDex, CategoryCoinbase}

// Document is one user's watchlist.
type Document struct {
	Categories map[string][]string `json:"categories"`
	UpdatedAt  string              `json:"updatedAt"`
}

// legacyDocument is the pre-categorisation flat shape, migrated on first read.
type legacyDocument struct {
	Symbols    []string            `json:"symbols"`
	Categories map[string][]string `json:"categories"`
}

// NewDocument returns an empty document with all categories present.
func NewDocument() Document {
	doc := Document{Categories: make(map[string][]string, len(Categories))}
	for _, cat := range Categories {
		doc.Categories[cat] = []string{}
	}
	doc.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	return doc
}

// Store reads and writes watchlist documents. Writes go through a per-user
// mutex so concurrent HTTP mutations cannot interleave around the
// read-modify-write cycle; the write itself is last-writer-wins.
type Store struct {
	dir    string
	logger zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore builds a store rooted at dir. The directory is created on demand.
func NewStore(dir string, logger zerolog.Logger) *Store {
	return &Store{
		dir:    dir,
		logger: logger.With().Str("component", "watchlist").Logger(),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Path returns the document path for a user id. Empty or the literal string
// "undefined" (sent by clients with no signed-in user) maps to the shared
// default document.
func (s *Store) Path(userID string) string {
	if userID == "" || userID == "undefined" {
		return filepath.Join(s.dir, "watchlist.json")
	}
	return filepath.Join(s.dir, fmt.Sprintf("watchlist_%s.json", userID))
}

func (s *Store) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.Path(userID)
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

// Load returns the user's document, creating and persisting a fresh default
// when no document exists. A corrupt file is treated the same as a missing
// one. The legacy flat-array shape is migrated into the categorised shape,
// old entries landing under CoinGecko.
func (s *Store) Load(userID string) (Document, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	return s.loadLocked(userID)
}

func (s *Store) loadLocked(userID string) (Document, error) {
	path := s.Path(userID)

	raw, err := os.ReadFile(path)
	if err == nil {
		if doc, migrated, ok := decodeDocument(raw); ok {
			if fillCategories(&doc) || migrated {
				if err := s.saveLocked(userID, doc); err != nil {
					return Document{}, err
				}
			}
			return doc, nil
		}
		s.logger.Warn().Str("path", path).Msg("unreadable watchlist document, replacing with default")
	}

	doc := NewDocument()
	if err := s.saveLocked(userID, doc); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// decodeDocument parses either document shape. migrated reports that the
// payload was the legacy flat array and must be written back in the
// categorised shape; ok is false only when the payload is unusable.
func decodeDocument(raw []byte) (doc Document, migrated, ok bool) {
	var parsed legacyDocument
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Document{}, false, false
	}
	if parsed.Categories != nil {
		return Document{Categories: parsed.Categories}, false, true
	}
	if parsed.Symbols != nil {
		doc := NewDocument()
		doc.Categories[CategoryCoinGecko] = append([]string{}, parsed.Symbols...)
		return doc, true, true
	}
	return Document{}, false, false
}

// fillCategories guarantees all fixed categories exist, reporting whether the
// document changed and needs to be persisted.
func fillCategories(doc *Document) bool {
	changed := false
	if doc.Categories == nil {
		doc.Categories = make(map[string][]string, len(Categories))
		changed = true
	}
	for _, cat := range Categories {
		if _, ok := doc.Categories[cat]; !ok {
			doc.Categories[cat] = []string{}
			changed = true
		}
	}
	return changed
}

// Save overwrites the user's document wholesale.
func (s *Store) Save(userID string, doc Document) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	return s.saveLocked(userID, doc)
}

func (s *Store) saveLocked(userID string, doc Document) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	doc.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal watchlist: %w", err)
	}

	path := s.Path(userID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write watchlist: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace watchlist: %w", err)
	}
	return nil
}

// Add appends a symbol to one category. The symbol may arrive in either
// spelling; it is stored in legacy form. Returns the stored symbol and
// whether the document changed.
func (s *Store) Add(userID, symbol, category string) (string, bool, error) {
	legacy := symbols.NormalizeLegacy(symbol)
	if legacy == "" {
		return "", false, fmt.Errorf("empty symbol")
	}
	if category == "" {
		category = CategoryCoinGecko
	}

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	doc, err := s.loadLocked(userID)
	if err != nil {
		return "", false, err
	}

	if contains(doc.Categories[category], legacy) {
		return legacy, false, nil
	}
	doc.Categories[category] = append(doc.Categories[category], legacy)
	if err := s.saveLocked(userID, doc); err != nil {
		return "", false, err
	}
	return legacy, true, nil
}

// BulkAdd appends many symbols to one category, skipping those already
// present. Returns the legacy spellings that were actually added.
func (s *Store) BulkAdd(userID string, syms []string, category string) ([]string, error) {
	if category == "" {
		category = CategoryCoinGecko
	}

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	doc, err := s.loadLocked(userID)
	if err != nil {
		return nil, err
	}

	existing := make(map[string]struct{}, len(doc.Categories[category]))
	for _, sym := range doc.Categories[category] {
		existing[sym] = struct{}{}
	}

	added := make([]string, 0, len(syms))
	for _, sym := range syms {
		legacy := symbols.NormalizeLegacy(sym)
		if legacy == "" {
			continue
		}
		if _, ok := existing[legacy]; ok {
			continue
		}
		doc.Categories[category] = append(doc.Categories[category], legacy)
		existing[legacy] = struct{}{}
		added = append(added, legacy)
	}

	if len(added) > 0 {
		if err := s.saveLocked(userID, doc); err != nil {
			return nil, err
		}
	}
	return added, nil
}

// Remove deletes a symbol from every category it appears in.
func (s *Store) Remove(userID, symbol string) (bool, error) {
	legacy := symbols.NormalizeLegacy(symbol)

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	doc, err := s.loadLocked(userID)
	if err != nil {
		return false, err
	}

	removed := false
	for cat, list := range doc.Categories {
		kept := list[:0]
		for _, sym := range list {
			if sym == legacy {
				removed = true
				continue
			}
			kept = append(kept, sym)
		}
		doc.Categories[cat] = kept
	}

	if !removed {
		return false, nil
	}
	if err := s.saveLocked(userID, doc); err != nil {
		return false, err
	}
	return true, nil
}

// ErrUnknownCategory reports a category outside the fixed set.
type ErrUnknownCategory struct{ Category string }

func (e ErrUnknownCategory) Error() string {
	return fmt.Sprintf("unknown category %q", e.Category)
}

// RemoveAll empties one category, leaving others untouched. Returns the
// number of symbols removed.
func (s *Store) RemoveAll(userID, category string) (int, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	doc, err := s.loadLocked(userID)
	if err != nil {
		return 0, err
	}

	list, ok := doc.Categories[category]
	if !ok {
		return 0, ErrUnknownCategory{Category: category}
	}

	removed := len(list)
	doc.Categories[category] = []string{}
	if err := s.saveLocked(userID, doc); err != nil {
		return 0, err
	}
	return removed, nil
}

// ReplaceCategory overwrites one category's contents wholesale.
func (s *Store) ReplaceCategory(userID, category string, syms []string) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	doc, err := s.loadLocked(userID)
	if err != nil {
		return err
	}
	doc.Categories[category] = append([]string{}, syms...)
	return s.saveLocked(userID, doc)
}

// CategoryUnion scans every watchlist document in the data directory and
// returns the union of one category's symbols across all users.
func (s *Store) CategoryUnion(category string) (map[string]struct{}, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]struct{}{}, nil
		}
		return nil, fmt.Errorf("read data dir: %w", err)
	}

	union := make(map[string]struct{})
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "watchlist") || !strings.HasSuffix(name, ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			s.logger.Warn().Err(err).Str("file", name).Msg("skipping unreadable watchlist")
			continue
		}
		doc, _, ok := decodeDocument(raw)
		if !ok {
			continue
		}
		for _, sym := range doc.Categories[category] {
			union[sym] = struct{}{}
		}
	}
	return union, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// HistoryCap bounds the number of retained entries per listing file.
const HistoryCap = 500

const (
	// BinanceFile holds newly observed Binance USDT listings.
	BinanceFile = "new_binance_listings.json"
	// CoinbaseFile holds newly observed Coinbase USD listings.
	CoinbaseFile = "new_coinbase_listings.json"
	// OnChainFile holds freshly created DEX pairs.
	OnChainFile = "discovered_onchain.json"
	// DexFile holds tokens discovered by the external DexScreener scanner.
	// Nothing in this process writes it; the control API only serves it.
	DexFile = "discovered_dexscreener.json"
)

// Listing is one discovered market, newest entries first in the files.
type Listing struct {
	Symbol     string `json:"symbol"`
	Source     string `json:"source"`
	BaseAsset  string `json:"baseAsset,omitempty"`
	QuoteAsset string `json:"quoteAsset,omitempty"`
	Status     string `json:"status,omitempty"`
	SeenAt     string `json:"seenAt"`
	Address    string `json:"address,omitempty"`
	Pair       string `json:"pair,omitempty"`
}

// ListingFile is the on-disk document shape.
type ListingFile struct {
	UpdatedAt string    `json:"updatedAt"`
	Items     []Listing `json:"items"`
}

// ReadListings loads a listing file, returning an empty document when the
// file does not exist yet.
func ReadListings(path string) (ListingFile, error) {
	var doc ListingFile
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ListingFile{Items: []Listing{}}, nil
		}
		return doc, fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ListingFile{Items: []Listing{}}, nil
	}
	if doc.Items == nil {
		doc.Items = []Listing{}
	}
	return doc, nil
}

// WriteListings persists a listing document atomically, trimming the history
// to HistoryCap entries.
func WriteListings(path string, items []Listing) error {
	if len(items) > HistoryCap {
		items = items[:HistoryCap]
	}
	doc := ListingFile{
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
		Items:     items,
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

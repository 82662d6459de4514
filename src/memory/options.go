package memory

import (
	"log/slog"
	"os"
	"time"
)

// Options configures the memory Service. Zero values take the defaults
// listed in DefaultOptions.
type Options struct {
	SimilarityThreshold float64
	TopK                int
	CandidateCap        int
	CrossSessionMin     int
	SummaryInterval     int
	SummaryWindow       int
	RecentPairs         int
	SummaryLimit        int

	EmbedTimeout    time.Duration
	StoreTimeout    time.Duration
	GenerateTimeout time.Duration

	// SummaryModel is passed to the generator for digests; empty uses the
	// generator's own model.
	SummaryModel string

	Logger *slog.Logger
	Clock  func() time.Time
}

func DefaultOptions() Options {
	return Options{
		SimilarityThreshold: 0.45,
		TopK:                8,
		CandidateCap:        200,
		CrossSessionMin:     50,
		SummaryInterval:     10,
		SummaryWindow:       12,
		RecentPairs:         6,
		SummaryLimit:        3,
		EmbedTimeout:        10 * time.Second,
		StoreTimeout:        5 * time.Second,
		GenerateTimeout:     30 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.SimilarityThreshold <= 0 {
		o.SimilarityThreshold = def.SimilarityThreshold
	}
	if o.TopK <= 0 {
		o.TopK = def.TopK
	}
	if o.CandidateCap <= 0 {
		o.CandidateCap = def.CandidateCap
	}
	if o.CrossSessionMin <= 0 {
		o.CrossSessionMin = def.CrossSessionMin
	}
	if o.SummaryInterval <= 0 {
		o.SummaryInterval = def.SummaryInterval
	}
	if o.SummaryWindow <= 0 {
		o.SummaryWindow = def.SummaryWindow
	}
	if o.RecentPairs <= 0 {
		o.RecentPairs = def.RecentPairs
	}
	if o.SummaryLimit <= 0 {
		o.SummaryLimit = def.SummaryLimit
	}
	if o.EmbedTimeout <= 0 {
		o.EmbedTimeout = def.EmbedTimeout
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = def.StoreTimeout
	}
	if o.GenerateTimeout <= 0 {
		o.GenerateTimeout = def.GenerateTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

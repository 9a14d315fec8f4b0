package config

import (
	"fmt"
	"time"
)

// CountingConfig holds every numeric threshold used by the counting
// pipeline. All fields are optional; defaults live in the accessors so a
// zero-value CountingConfig behaves like the stock deployment.
type CountingConfig struct {
	// Staff voting params
	VoteThreshold   *float64 `json:"vote_threshold,omitempty"`
	VoteWindow      *int     `json:"vote_window,omitempty"`
	CacheKeepFrames *int     `json:"cache_keep_frames,omitempty"`

	// Identity params
	SimilarityThreshold *float64 `json:"similarity_threshold,omitempty"`
	RedisTTLSeconds     *int     `json:"redis_ttl_seconds,omitempty"`

	// Detection params
	MinConfidence *float64 `json:"min_confidence,omitempty"`

	// Tracker params
	TrackMinHits   *int     `json:"track_min_hits,omitempty"`
	TrackMaxMisses *int     `json:"track_max_misses,omitempty"`
	TrackMinIoU    *float64 `json:"track_min_iou,omitempty"`

	// Zone counter recovery params
	RecoveryMaxDistance   *float64 `json:"recovery_max_distance_px,omitempty"`
	RecoveryMaxAge        *int     `json:"recovery_max_age_frames,omitempty"`
	DisappearedKeepFrames *int     `json:"disappeared_keep_frames,omitempty"`

	// Event sink batch params
	BatchSize       *int    `json:"batch_size,omitempty"`
	BatchMaxAge     *string `json:"batch_max_age,omitempty"` // duration string like "500ms"
	BatchMaxPending *int    `json:"batch_max_pending,omitempty"`
}

// Validate checks that the configured values are usable.
func (c *CountingConfig) Validate() error {
	if c.VoteThreshold != nil && *c.VoteThreshold <= 0 {
		return fmt.Errorf("vote_threshold must be positive, got %f", *c.VoteThreshold)
	}
	if c.VoteWindow != nil && *c.VoteWindow < 1 {
		return fmt.Errorf("vote_window must be at least 1, got %d", *c.VoteWindow)
	}
	if c.CacheKeepFrames != nil && *c.CacheKeepFrames < 0 {
		return fmt.Errorf("cache_keep_frames must be non-negative, got %d", *c.CacheKeepFrames)
	}
	if c.SimilarityThreshold != nil && (*c.SimilarityThreshold <= 0 || *c.SimilarityThreshold > 1) {
		return fmt.Errorf("similarity_threshold must be in (0,1], got %f", *c.SimilarityThreshold)
	}
	if c.RedisTTLSeconds != nil && *c.RedisTTLSeconds < 1 {
		return fmt.Errorf("redis_ttl_seconds must be positive, got %d", *c.RedisTTLSeconds)
	}
	if c.MinConfidence != nil && (*c.MinConfidence < 0 || *c.MinConfidence > 1) {
		return fmt.Errorf("min_confidence must be between 0 and 1, got %f", *c.MinConfidence)
	}
	if c.TrackMinHits != nil && *c.TrackMinHits < 1 {
		return fmt.Errorf("track_min_hits must be at least 1, got %d", *c.TrackMinHits)
	}
	if c.TrackMaxMisses != nil && *c.TrackMaxMisses < 1 {
		return fmt.Errorf("track_max_misses must be at least 1, got %d", *c.TrackMaxMisses)
	}
	if c.TrackMinIoU != nil && (*c.TrackMinIoU < 0 || *c.TrackMinIoU > 1) {
		return fmt.Errorf("track_min_iou must be between 0 and 1, got %f", *c.TrackMinIoU)
	}
	if c.RecoveryMaxDistance != nil && *c.RecoveryMaxDistance <= 0 {
		return fmt.Errorf("recovery_max_distance_px must be positive, got %f", *c.RecoveryMaxDistance)
	}
	if c.RecoveryMaxAge != nil && *c.RecoveryMaxAge < 1 {
		return fmt.Errorf("recovery_max_age_frames must be at least 1, got %d", *c.RecoveryMaxAge)
	}
	if c.DisappearedKeepFrames != nil && *c.DisappearedKeepFrames < 1 {
		return fmt.Errorf("disappeared_keep_frames must be at least 1, got %d", *c.DisappearedKeepFrames)
	}
	if c.BatchSize != nil && *c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1, got %d", *c.BatchSize)
	}
	if c.BatchMaxAge != nil && *c.BatchMaxAge != "" {
		d, err := time.ParseDuration(*c.BatchMaxAge)
		if err != nil {
			return fmt.Errorf("invalid batch_max_age '%s': %w", *c.BatchMaxAge, err)
		}
		if d <= 0 {
			return fmt.Errorf("batch_max_age must be positive, got %s", *c.BatchMaxAge)
		}
	}
	if c.BatchMaxPending != nil && *c.BatchMaxPending < c.GetBatchSize() {
		return fmt.Errorf("batch_max_pending must be at least batch_size, got %d", *c.BatchMaxPending)
	}
	return nil
}

// GetVoteThreshold returns the vote_threshold value or the default.
func (c *CountingConfig) GetVoteThreshold() float64 {
	if c.VoteThreshold == nil {
		return 4.0
	}
	return *c.VoteThreshold
}

// GetVoteWindow returns the vote_window value or the default.
func (c *CountingConfig) GetVoteWindow() int {
	if c.VoteWindow == nil {
		return 10
	}
	return *c.VoteWindow
}

// GetCacheKeepFrames returns the cache_keep_frames value or the default.
func (c *CountingConfig) GetCacheKeepFrames() int {
	if c.CacheKeepFrames == nil {
		return 30
	}
	return *c.CacheKeepFrames
}

// GetSimilarityThreshold returns the similarity_threshold value or the default.
func (c *CountingConfig) GetSimilarityThreshold() float64 {
	if c.SimilarityThreshold == nil {
		return 0.75
	}
	return *c.SimilarityThreshold
}

// GetRedisTTL returns redis_ttl_seconds as a time.Duration.
func (c *CountingConfig) GetRedisTTL() time.Duration {
	if c.RedisTTLSeconds == nil {
		return 86400 * time.Second
	}
	return time.Duration(*c.RedisTTLSeconds) * time.Second
}

// GetMinConfidence returns the min_confidence value or the default.
func (c *CountingConfig) GetMinConfidence() float64 {
	if c.MinConfidence == nil {
		return 0.5
	}
	return *c.MinConfidence
}

// GetTrackMinHits returns the track_min_hits value or the default.
func (c *CountingConfig) GetTrackMinHits() int {
	if c.TrackMinHits == nil {
		return 3
	}
	return *c.TrackMinHits
}

// GetTrackMaxMisses returns the track_max_misses value or the default.
func (c *CountingConfig) GetTrackMaxMisses() int {
	if c.TrackMaxMisses == nil {
		return 30
	}
	return *c.TrackMaxMisses
}

// GetTrackMinIoU returns the track_min_iou value or the default.
func (c *CountingConfig) GetTrackMinIoU() float64 {
	if c.TrackMinIoU == nil {
		return 0.3
	}
	return *c.TrackMinIoU
}

// GetRecoveryMaxDistance returns the recovery_max_distance_px value or the default.
func (c *CountingConfig) GetRecoveryMaxDistance() float64 {
	if c.RecoveryMaxDistance == nil {
		return 100.0
	}
	return *c.RecoveryMaxDistance
}

// GetRecoveryMaxAge returns the recovery_max_age_frames value or the default.
func (c *CountingConfig) GetRecoveryMaxAge() int {
	if c.RecoveryMaxAge == nil {
		return 10
	}
	return *c.RecoveryMaxAge
}

// GetDisappearedKeepFrames returns the disappeared_keep_frames value or the default.
func (c *CountingConfig) GetDisappearedKeepFrames() int {
	if c.DisappearedKeepFrames == nil {
		return 30
	}
	return *c.DisappearedKeepFrames
}

// GetBatchSize returns the batch_size value or the default.
func (c *CountingConfig) GetBatchSize() int {
	if c.BatchSize == nil {
		return 200
	}
	return *c.BatchSize
}

// GetBatchMaxAge parses and returns the batch_max_age as a time.Duration.
func (c *CountingConfig) GetBatchMaxAge() time.Duration {
	if c.BatchMaxAge == nil || *c.BatchMaxAge == "" {
		return 500 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.BatchMaxAge)
	if err != nil {
		return 500 * time.Millisecond // default on parse error
	}
	return d
}

// GetBatchMaxPending returns the batch_max_pending value or the default.
func (c *CountingConfig) GetBatchMaxPending() int {
	if c.BatchMaxPending == nil {
		return 10000
	}
	return *c.BatchMaxPending
}

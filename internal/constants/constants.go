// Package constants provides shared defaults used across the codebase.
// Centralizing these values ensures consistency and makes them easier to modify.
package constants

import "time"

// Session constants
const (
	// DefaultSessionTTL is how long a search session and its biometric data live
	DefaultSessionTTL = 24 * time.Hour

	// DefaultSweepInterval is the cadence of the session expiry sweep
	DefaultSweepInterval = 60 * time.Second

	// DefaultMaxProcessing is how long a session may stay in processing before
	// it is considered abandoned
	DefaultMaxProcessing = 10 * time.Minute

	// SessionIDBytes is the number of random bytes behind a session id
	SessionIDBytes = 32

	// MinSessionIDLength and MaxSessionIDLength bound accepted search ids
	MinSessionIDLength = 8
	MaxSessionIDLength = 64
)

// Upload constants
const (
	// MinUploadSize is the smallest accepted user image in bytes (1 KiB)
	MinUploadSize = 1 << 10

	// MaxUploadSize is the largest accepted user image in bytes (10 MiB)
	MaxUploadSize = 10 << 20

	// MaxThumbnailSize is the largest thumbnail we download in bytes (5 MiB)
	MaxThumbnailSize = 5 << 20
)

// Face detection constants
const (
	// DefaultModelDim is the embedding dimension of the default face model
	DefaultModelDim = 128

	// DefaultMinConfidence drops detections below this score
	DefaultMinConfidence = 0.5

	// MaxImageDimension is the larger-side cap applied before detection
	MaxImageDimension = 1024

	// DefaultFaceTimeout bounds one call to the face service
	DefaultFaceTimeout = 30 * time.Second

	// DefaultOverlapIoU merges detections overlapping at least this much
	DefaultOverlapIoU = 0.6
)

// Matching constants
const (
	// CoarseFloor is the minimum similarity for a match to be stored at all
	CoarseFloor = 0.1

	// MinThreshold and MaxThreshold bound caller thresholds
	MinThreshold = 0.1
	MaxThreshold = 1.0

	// DefaultThreshold is applied until the caller picks one
	DefaultThreshold = 0.6

	// DefaultResultLimit caps the number of results in one response
	DefaultResultLimit = 100
)

// Scraping constants
const (
	// DefaultSiteTimeout is the hard deadline for one listing fetch
	DefaultSiteTimeout = 10 * time.Second

	// DefaultThumbnailTimeout is the hard deadline for one thumbnail download
	DefaultThumbnailTimeout = 8 * time.Second

	// DefaultPerHostConcurrency caps parallel requests to one host
	DefaultPerHostConcurrency = 2

	// DefaultPerHostRPS paces requests to one host
	DefaultPerHostRPS = 5

	// MaxListingSize caps a listing page body (4 MiB)
	MaxListingSize = 4 << 20

	// MaxVideosPerSite is the upper bound for a descriptor's maxVideos
	MaxVideosPerSite = 100

	// MaxRedirects is the number of redirect hops we follow
	MaxRedirects = 3

	// MaxTitleLength caps candidate titles in runes
	MaxTitleLength = 200
)

// Pipeline constants
const (
	// DefaultSiteConcurrency is the number of sites discovered in parallel
	DefaultSiteConcurrency = 3

	// DefaultThumbConcurrency is the number of thumbnails processed in parallel across all sites
	DefaultThumbConcurrency = 6
)

// Rate limit policy keys
const (
	EndpointFaceDetect  = "face-detect"
	EndpointSimilarity  = "similarity"
	EndpointVideoSearch = "video-search"
)

// Audit constants
const (
	// DefaultAuditRetention is the number of audit entries kept in memory
	DefaultAuditRetention = 10000
)

// Event channel constants
const (
	// EventChannelBuffer is the buffer size for progress subscriber channels
	EventChannelBuffer = 100
)

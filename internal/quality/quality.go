// Package quality defines the ordered audio quality tiers and the rules that
// decide whether a cached file is good enough for a playback request.
package quality

import (
	"fmt"

	"go.uber.org/zap"
)

// Tier is an audio quality level. Tiers are ordered by position, not bitrate.
type Tier string

const (
	Low      Tier = "low"
	Medium   Tier = "medium"
	High     Tier = "high"
	Original Tier = "original"
)

// Default is used when a record carries no quality or a value must be guessed.
const Default = Medium

var order = []Tier{Low, Medium, High, Original}

// Tiers returns all tiers from lowest to highest.
func Tiers() []Tier {
	out := make([]Tier, len(order))
	copy(out, order)
	return out
}

// Ordering is the result of comparing two tiers.
type Ordering int

const (
	Less    Ordering = -1
	Equal   Ordering = 0
	Greater Ordering = 1
)

// Outcome is the decision taken about a cached file for a requested tier.
type Outcome int

const (
	// Insufficient means the cached tier is below the requested tier.
	Insufficient Outcome = iota
	// Sufficient means the cached tier meets or exceeds the requested tier.
	Sufficient
	// InvalidFallback means at least one tier was unrecognised and the cached
	// file is used anyway to avoid needless streaming.
	InvalidFallback
)

func (o Outcome) String() string {
	switch o {
	case Sufficient:
		return "sufficient"
	case Insufficient:
		return "insufficient"
	case InvalidFallback:
		return "invalid_fallback"
	default:
		return "unknown"
	}
}

// UseLocal reports whether the outcome allows serving the cached file.
func (o Outcome) UseLocal() bool {
	return o != Insufficient
}

// IsValid reports whether s is exactly one of low, medium, high or original.
func IsValid(s string) bool {
	return index(Tier(s)) >= 0
}

// ParseTier converts s into a Tier, rejecting anything outside the fixed set.
func ParseTier(s string) (Tier, error) {
	if !IsValid(s) {
		return "", fmt.Errorf("invalid quality %q (must be low, medium, high or original)", s)
	}
	return Tier(s), nil
}

// Compare orders a against b by position in the tier sequence.
func Compare(a, b Tier) (Ordering, error) {
	ia, ib := index(a), index(b)
	if ia < 0 {
		return Equal, fmt.Errorf("invalid quality %q", a)
	}
	if ib < 0 {
		return Equal, fmt.Errorf("invalid quality %q", b)
	}
	switch {
	case ia < ib:
		return Less, nil
	case ia > ib:
		return Greater, nil
	default:
		return Equal, nil
	}
}

// Evaluate decides whether a file cached at downloaded satisfies requested.
// An empty downloaded value means the record predates quality tracking and
// is treated as medium.
func Evaluate(downloaded, requested string) Outcome {
	if downloaded == "" {
		downloaded = string(Default)
	}
	ord, err := Compare(Tier(downloaded), Tier(requested))
	if err != nil {
		zap.L().Warn("Unrecognised quality, preferring cached file",
			zap.String("downloaded", downloaded),
			zap.String("requested", requested),
			zap.Error(err),
		)
		return InvalidFallback
	}
	if ord == Less {
		return Insufficient
	}
	return Sufficient
}

// ShouldUseDownloadedFile reports whether the cached file should be played
// instead of streaming. Invalid input never fails; it returns true.
func ShouldUseDownloadedFile(downloaded, requested string) bool {
	return Evaluate(downloaded, requested).UseLocal()
}

// SafeQuality returns input when it is a valid tier and fallback otherwise.
func SafeQuality(input string, fallback Tier) Tier {
	if IsValid(input) {
		return Tier(input)
	}
	if !IsValid(string(fallback)) {
		return Default
	}
	return fallback
}

func index(t Tier) int {
	for i, candidate := range order {
		if candidate == t {
			return i
		}
	}
	return -1
}

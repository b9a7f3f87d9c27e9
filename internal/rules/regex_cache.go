package rules

import (
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"
)

// maxCachedPatterns bounds the regex cache. Past it, patterns are compiled
// on every call instead of being stored.
const maxCachedPatterns = 1024

var (
	regexCache     sync.Map // pattern -> *regexp.Regexp
	regexCacheSize atomic.Int64
)

// compileRegex returns the compiled form of pattern, shared by every rule
// that uses it. Compare nodes hold no compiled state.
func compileRegex(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	if len(pattern) > 1000 {
		return nil, fmt.Errorf("regex pattern too long (max 1000 chars): %d chars", len(pattern))
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	if regexCacheSize.Load() < maxCachedPatterns {
		if _, loaded := regexCache.LoadOrStore(pattern, re); !loaded {
			regexCacheSize.Add(1)
		}
	}
	return re, nil
}

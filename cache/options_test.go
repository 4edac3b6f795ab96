package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	assert.Equal(t, 300*time.Second, opts.DefaultTTL)
	assert.NotEmpty(t, opts.InvalidationChannel)
	assert.Equal(t, LocalCacheNone, opts.LocalCacheKind)
	assert.NoError(t, opts.Validate())
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Options)
		valid  bool
	}{
		{
			name:   "Valid options",
			modify: func(o *Options) {},
			valid:  true,
		},
		{
			name:   "Zero default TTL",
			modify: func(o *Options) { o.DefaultTTL = 0 },
			valid:  false,
		},
		{
			name:   "LFU near-cache",
			modify: func(o *Options) { o.LocalCacheKind = LocalCacheLFU },
			valid:  true,
		},
		{
			name: "LFU without counters",
			modify: func(o *Options) {
				o.LocalCacheKind = LocalCacheLFU
				o.LocalCacheConfig.NumCounters = 0
			},
			valid: false,
		},
		{
			name: "LRU without size",
			modify: func(o *Options) {
				o.LocalCacheKind = LocalCacheLRU
				o.LocalCacheConfig.MaxSize = 0
			},
			valid: false,
		},
		{
			name:   "Unknown near-cache kind",
			modify: func(o *Options) { o.LocalCacheKind = "arc" },
			valid:  false,
		},
		{
			name: "Near-cache without invalidation channel",
			modify: func(o *Options) {
				o.LocalCacheKind = LocalCacheLRU
				o.InvalidationChannel = ""
			},
			valid: false,
		},
		{
			name:   "No near-cache without invalidation channel",
			modify: func(o *Options) { o.InvalidationChannel = "" },
			valid:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.modify(&opts)
			err := opts.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			}
		})
	}
}

package bucketindex

// growgroup.go wraps x/sync/singleflight to de-duplicate concurrent,
// redundant grow requests against the same storage axis: when multiple
// callers independently observe NeedsGrow for the same (bucket, axis,
// class) before any of them has acted on it, only one actually grows; the
// rest observe its result. Lazy bucket creation and single-call grow
// retries no longer need this — pkg/shard.go's per-shard lock already
// serializes those — but the public two-step TryWrite-then-Grow path calls
// Grow from outside any lock the Map holds across both calls, so two
// racing callers could otherwise double an axis twice.
//
// The singleflight key is a plain string built from the bucket index and
// the axis/class, so unrelated buckets or axes never block on each other.

import (
	"strconv"

	"golang.org/x/sync/singleflight"
)

type growGroup struct {
	g singleflight.Group
}

func newGrowGroup() *growGroup {
	return &growGroup{}
}

// grow ensures fn runs at most once concurrently for the given
// (bucket, axis, class) triple. fn is responsible for acquiring whatever
// lock it needs against the bucket itself.
func (gg *growGroup) grow(ix int, axis Axis, class uint8, fn func() error) error {
	key := "grow:" + strconv.Itoa(ix) + ":" + strconv.Itoa(int(axis)) + ":" + strconv.Itoa(int(class))
	_, err, _ := gg.g.Do(key, func() (any, error) {
		return nil, fn()
	})
	return err
}

package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tanq16/rangedl/internal/progress"
)

func TestPoolClaimsLargestFirst(t *testing.T) {
	req := require.New(t)
	p := NewPool(progress.Entry{{Start: 0, End: 10}, {Start: 100, End: 400}}, 1, 1)
	r, ok := p.Claim(0)
	req.True(ok)
	req.Equal(progress.Range{Start: 100, End: 400}, r)
	r, ok = p.Claim(1)
	req.True(ok)
	req.Equal(progress.Range{Start: 0, End: 10}, r)
}

func TestPoolStealsHalfOfLargestClaim(t *testing.T) {
	req := require.New(t)
	p := NewPool(progress.Entry{{Start: 0, End: 1000}}, 1, 100)
	_, ok := p.Claim(0)
	req.True(ok)
	start, granted := p.Reserve(0, 200)
	req.Equal(int64(0), start)
	req.Equal(int64(200), granted)

	// open region is [200,1000); the thief takes the upper half
	r, ok := p.Claim(1)
	req.True(ok)
	req.Equal(progress.Range{Start: 600, End: 1000}, r)
	req.Equal(1, p.Steals())
	req.Equal(int64(400), p.Open(0))

	// the victim can no longer reserve past the split point
	start, granted = p.Reserve(0, 1000)
	req.Equal(int64(200), start)
	req.Equal(int64(400), granted)
	start, granted = p.Reserve(0, 10)
	req.Equal(int64(0), granted)
	req.Equal(int64(600), start)
}

func TestPoolRefusesTinySteals(t *testing.T) {
	req := require.New(t)
	p := NewPool(progress.Entry{{Start: 0, End: 300}}, 1, 200)
	_, ok := p.Claim(0)
	req.True(ok)
	_, ok = p.Claim(1)
	req.False(ok)
	req.Equal(0, p.Steals())
}

func TestPoolRewindAndRemaining(t *testing.T) {
	req := require.New(t)
	p := NewPool(progress.Entry{{Start: 0, End: 100}}, 1, 1)
	_, ok := p.Claim(0)
	req.True(ok)
	p.Reserve(0, 60)
	p.Commit(0, 40)
	req.Equal(int64(60), p.Remaining())

	r := p.Rewind(0)
	req.Equal(progress.Range{Start: 40, End: 100}, r)
	start, granted := p.Reserve(0, 100)
	req.Equal(int64(40), start)
	req.Equal(int64(60), granted)
	p.Commit(0, 100)
	req.Equal(int64(0), p.Remaining())

	// claiming again drops the finished claim
	_, ok = p.Claim(0)
	req.False(ok)
	req.Equal(int64(0), p.Remaining())
}

func TestPoolPartitionsEvenly(t *testing.T) {
	req := require.New(t)
	p := NewPool(progress.Entry{{Start: 0, End: 1000}}, 4, 1)
	var got progress.Entry
	for id := range 4 {
		r, ok := p.Claim(id)
		req.True(ok)
		req.Equal(int64(250), r.Len())
		got = progress.Merge(got, r)
	}
	req.Equal(progress.Entry{{Start: 0, End: 1000}}, got)
}

func TestPoolEmpty(t *testing.T) {
	p := NewPool(nil, 4, 1)
	_, ok := p.Claim(0)
	require.False(t, ok)
	require.Equal(t, int64(0), p.Remaining())
}

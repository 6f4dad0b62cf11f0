package region

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyRangeContains(t *testing.T) {
	r := KeyRange{Start: Key("b"), End: Key("d")}

	require.True(t, r.Contains(Key("b")))
	require.True(t, r.Contains(Key("c")))
	require.False(t, r.Contains(Key("d")))
	require.False(t, r.Contains(Key("a")))

	unbounded := KeyRange{Start: Key("b")}
	require.True(t, unbounded.Contains(Key("zzzz")))
	require.False(t, unbounded.Contains(Key("a")))

	require.True(t, Universe().Contains(Key("")))
	require.True(t, Universe().Contains(Key("anything")))
}

func TestKeyRangeCovers(t *testing.T) {
	r := KeyRange{Start: Key("b"), End: Key("f")}

	require.True(t, r.Covers(KeyRange{Start: Key("b"), End: Key("f")}))
	require.True(t, r.Covers(KeyRange{Start: Key("c"), End: Key("d")}))
	require.False(t, r.Covers(KeyRange{Start: Key("a"), End: Key("d")}))
	require.False(t, r.Covers(KeyRange{Start: Key("c"), End: Key("g")}))
	require.False(t, r.Covers(KeyRange{Start: Key("c")}))

	require.True(t, Universe().Covers(r))
	require.False(t, r.Covers(Universe()))
}

func TestKeyRangeAdjoins(t *testing.T) {
	a := KeyRange{Start: Key(""), End: Key("m")}
	b := KeyRange{Start: Key("m")}

	require.True(t, a.Adjoins(b))
	require.False(t, b.Adjoins(a))
	require.False(t, a.Adjoins(KeyRange{Start: Key("n")}))
}

func TestKeyRangeClone(t *testing.T) {
	r := KeyRange{Start: Key("a"), End: Key("b")}
	cp := r.Clone()
	cp.Start[0] = 'z'
	require.Equal(t, Key("a"), r.Start)
	require.True(t, r.Equal(KeyRange{Start: Key("a"), End: Key("b")}))
}

package gateway

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		in   string
		want Path
	}{
		{"/data/" + txA, Path{Kind: KindData, ID: txA}},
		{"data/" + txA, Path{Kind: KindData, ID: txA}},
		{"/tx/" + txB, Path{Kind: KindTx, ID: txB}},
		{"/block/1000", Path{Kind: KindBlock, ID: "1000"}},
	}
	for _, tc := range tests {
		got, err := ParsePath(tc.in)
		require.NoError(t, err, tc.in)
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("ParsePath(%q) mismatch (-want +got):\n%s", tc.in, diff)
		}
	}
}

func TestParsePath_Invalid(t *testing.T) {
	for _, in := range []string{
		"",
		"/data",
		"/data/",
		"/data/a/b",
		"/tx/bad!id",
		"/block/-1",
		"/block/abc",
		"/files/x",
		"/data/" + string(make([]byte, 65)),
	} {
		_, err := ParsePath(in)
		require.Error(t, err, in)
	}
}

func TestPath_Mapping(t *testing.T) {
	p := Path{Kind: KindBlock, ID: "42"}
	require.Equal(t, "block/height/42", p.Remote())
	require.Equal(t, "block/42", p.CacheName())
	require.Equal(t, "/block/42", p.String())
	require.Equal(t, uint64(42), p.Height())

	require.Equal(t, txA, Path{Kind: KindData, ID: txA}.Remote())
	require.Equal(t, "tx/"+txA, Path{Kind: KindTx, ID: txA}.Remote())
}

package occurrence

import (
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
)

func TestEncode_Format(t *testing.T) {
	at := time.Date(2026, 1, 5, 13, 0, 0, 0, time.FixedZone("CET", 3600))
	require.Equal(t, "abc_2026-01-05T12:00:00.000Z", Encode("abc", at))
}

func TestDecode_RoundTrip(t *testing.T) {
	for i := 0; i < 20; i++ {
		parent := uuid.Must(uuid.NewV4()).String()
		at := time.Date(2026, time.Month(1+i%12), 1+i, i, 30, 0, int(time.Duration(i)*time.Millisecond), time.UTC)

		gotParent, gotAt, ok := Decode(Encode(parent, at))
		require.True(t, ok)
		require.Equal(t, parent, gotParent)
		require.True(t, gotAt.Equal(at), "%s != %s", gotAt, at)
	}
}

func TestDecode_UsesLastSeparator(t *testing.T) {
	parent := "team_standup"
	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

	gotParent, gotAt, ok := Decode(Encode(parent, at))
	require.True(t, ok)
	require.Equal(t, parent, gotParent)
	require.True(t, gotAt.Equal(at))
}

func TestDecode_Rejects(t *testing.T) {
	for _, id := range []string{
		"",
		"no-separator",
		"_2026-01-05T12:00:00.000Z",
		"abc_",
		"abc_not-a-date",
		"abc_2026-13-05T12:00:00.000Z",
	} {
		_, _, ok := Decode(id)
		require.False(t, ok, "id %q", id)
	}
}

package sqlite

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPrepareDSN(t *testing.T) {
	tests := []struct {
		name string
		uri  string
		want string
	}{
		{
			name: "bare path gets all defaults",
			uri:  "file:cascade.db",
			want: "file:cascade.db?_pragma=journal_mode%28WAL%29&_pragma=busy_timeout%28100%29&_txlock=immediate",
		},
		{
			name: "explicit journal mode is kept",
			uri:  "file:cascade.db?_pragma=journal_mode(DELETE)",
			want: "file:cascade.db?_pragma=journal_mode%28DELETE%29&_pragma=busy_timeout%28100%29&_txlock=immediate",
		},
		{
			name: "explicit busy timeout is kept",
			uri:  "file:cascade.db?_pragma=busy_timeout(5000)",
			want: "file:cascade.db?_pragma=busy_timeout%285000%29&_pragma=journal_mode%28WAL%29&_txlock=immediate",
		},
		{
			name: "explicit txlock is kept",
			uri:  "file:cascade.db?_txlock=deferred",
			want: "file:cascade.db?_pragma=journal_mode%28WAL%29&_pragma=busy_timeout%28100%29&_txlock=deferred",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			got, err := PrepareDSN(test.uri)
			require.NoError(t, err)
			require.Equal(t, test.want, got)
		})
	}
}

func TestPrepareDSNInvalidQuery(t *testing.T) {
	_, err := PrepareDSN("file:cascade.db?a=%zz")
	require.Error(t, err)
}

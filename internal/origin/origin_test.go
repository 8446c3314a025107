package origin

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllowedOriginsConfigured(t *testing.T) {
	t.Parallel()

	got := AllowedOrigins(":8080", "https://Dashboard.example.com/orders, http://Kiosk.local:9000, ,")
	require.Equal(t, []string{"https://dashboard.example.com", "http://kiosk.local:9000"}, got)

	got = AllowedOrigins(":8080", "https://a.example https://a.example")
	require.Equal(t, []string{"https://a.example"}, got)
}

func TestAllowedOriginsFallback(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		listen string
		want   []string
	}{
		"port only": {
			listen: ":8080",
			want:   []string{DefaultUIOrigin, "http://localhost:8080", "http://127.0.0.1:8080"},
		},
		"wildcard host": {
			listen: "0.0.0.0:9090",
			want:   []string{DefaultUIOrigin, "http://localhost:9090", "http://127.0.0.1:9090"},
		},
		"named host": {
			listen: "pos.lan:8080",
			want:   []string{DefaultUIOrigin, "http://localhost:8080", "http://127.0.0.1:8080", "http://pos.lan:8080"},
		},
		"ipv6 host": {
			listen: "[fd00::1]:8080",
			want:   []string{DefaultUIOrigin, "http://localhost:8080", "http://127.0.0.1:8080", "http://[fd00::1]:8080"},
		},
		"unparseable": {
			listen: "nonsense",
			want:   []string{DefaultUIOrigin},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.want, AllowedOrigins(tc.listen, "   "))
		})
	}
}

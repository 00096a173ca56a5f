package opprovider

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/strm-proxy/config"
)

func TestWithOnePassword_RegistersProvider(t *testing.T) {
	// Calling `op read` requires the 1Password CLI, so only plain templates are resolved here.
	r := config.NewResolver(WithOnePassword())
	require.NotNil(t, r)

	cfg, err := r.ResolveReader(context.Background(), strings.NewReader("emby:\n  port: 8097\n"))
	require.NoError(t, err)
	require.Equal(t, 8097, cfg.Emby.Port)
}

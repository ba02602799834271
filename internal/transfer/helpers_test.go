package transfer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// writeFile creates dir/name holding n bytes counting up from 0.
func writeFile(t *testing.T, dir, name string, n int) string {
	t.Helper()
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i)
	}
	pth := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(pth, buf, 0o644))
	return pth
}

package sequence

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormat(t *testing.T) {
	code := Format("TXN", "251019", 1)
	require.Regexp(t, regexp.MustCompile(`^TXN-251019-001[A-Z2-9]{2}$`), code)

	code = Format("PAY", "251019", 36*36*36)
	require.Regexp(t, regexp.MustCompile(`^PAY-251019-1000[A-Z2-9]{2}$`), code)
}

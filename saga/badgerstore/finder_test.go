package badgerstore

import (
	"testing"

	"github.com/glimte/mbus-go/saga/sagatest"
	"github.com/stretchr/testify/require"
)

func TestFinder(t *testing.T) {
	finder, err := Open("")
	require.NoError(t, err)
	defer finder.Close()

	sagatest.RunFinderTests(t, finder)
}

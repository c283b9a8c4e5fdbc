package sqlstore

import (
	"fmt"
	"testing"

	"github.com/glimte/mbus-go/saga/sagatest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFinder(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	finder, err := Open(dsn, "Orders.Store", nil)
	require.NoError(t, err)
	defer finder.Close()

	assert.Equal(t, "orders_store_saga", finder.table)
	sagatest.RunFinderTests(t, finder)
}

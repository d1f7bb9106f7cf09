package walletpool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupManager_BindAndPoolFor(t *testing.T) {
	groups := map[string]*Pool{
		"apes":  New(testWallets(2), 5, nil),
		"punks": New(testWallets(1), 5, nil),
	}
	gm, err := NewGroupManager(groups, "apes", nil)
	require.NoError(t, err)

	assert.Equal(t, groups["apes"], gm.PoolFor("unbound-collection"))

	require.NoError(t, gm.Bind("punk-collection", "punks"))
	assert.Equal(t, groups["punks"], gm.PoolFor("punk-collection"))
}

func TestGroupManager_RebindingToDifferentGroupFails(t *testing.T) {
	groups := map[string]*Pool{
		"a": New(testWallets(1), 5, nil),
		"b": New(testWallets(1), 5, nil),
	}
	gm, err := NewGroupManager(groups, "", nil)
	require.NoError(t, err)

	require.NoError(t, gm.Bind("sym", "a"))
	err = gm.Bind("sym", "b")
	assert.Error(t, err, "a collection must not be claimable by two wallet groups")
}

func TestGroupManager_UnknownDefaultGroup(t *testing.T) {
	groups := map[string]*Pool{"a": New(testWallets(1), 5, nil)}
	_, err := NewGroupManager(groups, "missing", nil)
	assert.Error(t, err)
}

func TestGroupManager_Capacity(t *testing.T) {
	groups := map[string]*Pool{
		"a": New(testWallets(2), 5, nil),
		"b": New(testWallets(3), 5, nil),
	}
	gm, err := NewGroupManager(groups, "a", nil)
	require.NoError(t, err)
	assert.Equal(t, 25, gm.Capacity())
}
